package deck

import "fmt"

type Direction string

const (
	Over  Direction = "over"
	Under Direction = "under"
)

func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Over, Under:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// AceMode decides how an ace is valued.
type AceMode string

const (
	AceLow  AceMode = "low"
	AceHigh AceMode = "high"
	// AceBoth values the ace in favour of the direction being evaluated.
	AceBoth AceMode = "both"
)

func ParseAceMode(s string) (AceMode, error) {
	switch m := AceMode(s); m {
	case AceLow, AceHigh, AceBoth:
		return m, nil
	}
	return "", fmt.Errorf("unknown ace mode %q", s)
}

var faceValues = map[Rank]int{
	Two: 2, Three: 3, Four: 4, Five: 5, Six: 6, Seven: 7, Eight: 8, Nine: 9, Ten: 10,
	Jack: 11, Queen: 12, King: 13,
}

// CardValue returns the numeric value of card when a guess in direction is
// being evaluated. Jokers are 99 for over and -1 for under.
func CardValue(card Card, dir Direction, mode AceMode) int {
	switch card.Rank {
	case Joker:
		if dir == Over {
			return 99
		}
		return -1
	case Ace:
		switch mode {
		case AceHigh:
			return 14
		case AceLow:
			return 1
		}
		if dir == Over {
			return 14
		}
		return 1
	}
	return faceValues[card.Rank]
}

// Beats reports whether drawn wins a guess in dir against current. Ties lose.
func Beats(current, drawn Card, dir Direction, mode AceMode) bool {
	cur := CardValue(current, dir, mode)
	next := CardValue(drawn, dir, mode)
	if dir == Over {
		return next > cur
	}
	return next < cur
}
