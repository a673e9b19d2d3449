// Package deck builds, shuffles and values the 54-card deck used by the
// over/under drinking game.
package deck

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/rand"
)

type Suit string

const (
	Hearts    Suit = "hearts"
	Diamonds  Suit = "diamonds"
	Clubs     Suit = "clubs"
	Spades    Suit = "spades"
	JokerSuit Suit = "joker"
)

type Rank string

const (
	Ace   Rank = "A"
	Two   Rank = "2"
	Three Rank = "3"
	Four  Rank = "4"
	Five  Rank = "5"
	Six   Rank = "6"
	Seven Rank = "7"
	Eight Rank = "8"
	Nine  Rank = "9"
	Ten   Rank = "10"
	Jack  Rank = "J"
	Queen Rank = "Q"
	King  Rank = "K"
	Joker Rank = "Joker"
)

// Suits and Ranks list the regular suits and ranks in build order.
var (
	Suits = []Suit{Hearts, Diamonds, Clubs, Spades}
	Ranks = []Rank{Ace, Two, Three, Four, Five, Six, Seven, Eight, Nine, Ten, Jack, Queen, King}
)

// Size is the number of cards in a full deck: 52 regular cards plus 2 jokers.
const Size = 54

// Card is an immutable playing card. It is stored as JSON in the crawl state row.
type Card struct {
	Rank Rank `json:"rank"`
	Suit Suit `json:"suit"`
}

func (c Card) IsJoker() bool {
	return c.Rank == Joker
}

func (c Card) String() string {
	if c.IsJoker() {
		return "🃏"
	}
	return string(c.Rank) + suitIcon[c.Suit]
}

var suitIcon = map[Suit]string{
	Hearts:   "♥",
	Diamonds: "♦",
	Clubs:    "♣",
	Spades:   "♠",
}

func (c Card) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *Card) Scan(src any) error {
	return scanJSON(src, c)
}

// Cards is an ordered pile of cards, top of the pile first.
type Cards []Card

func (cs Cards) Value() (driver.Value, error) {
	if cs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Card(cs))
}

func (cs *Cards) Scan(src any) error {
	return scanJSON(src, (*[]Card)(cs))
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("deck: cannot scan %T", src)
	}
}

// Build returns a fresh, ordered 54-card deck.
func Build() Cards {
	cards := make(Cards, 0, Size)
	for _, s := range Suits {
		for _, r := range Ranks {
			cards = append(cards, Card{Rank: r, Suit: s})
		}
	}
	return append(cards, Card{Rank: Joker, Suit: JokerSuit}, Card{Rank: Joker, Suit: JokerSuit})
}

// Shuffle returns a uniformly permuted copy of cards (Fisher-Yates, last index
// down to 1). The input is left untouched.
func Shuffle(cards Cards, rng *rand.Rand) Cards {
	out := make(Cards, len(cards))
	copy(out, cards)
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Fresh is Build followed by Shuffle.
func Fresh(rng *rand.Rand) Cards {
	return Shuffle(Build(), rng)
}
