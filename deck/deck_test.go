package deck

import (
	"math/rand"
	"testing"
)

func TestBuild_Completeness(t *testing.T) {
	cards := Build()
	if len(cards) != Size {
		t.Fatalf("Expected %d cards, got %d", Size, len(cards))
	}

	seen := make(map[Card]int)
	jokers := 0
	for _, c := range cards {
		if c.IsJoker() {
			jokers++
			if c.Suit != JokerSuit {
				t.Errorf("Joker should carry the joker suit, got %s", c.Suit)
			}
			continue
		}
		seen[c]++
	}
	if jokers != 2 {
		t.Errorf("Expected 2 jokers, got %d", jokers)
	}
	if len(seen) != 52 {
		t.Errorf("Expected 52 distinct regular cards, got %d", len(seen))
	}
	for c, n := range seen {
		if n != 1 {
			t.Errorf("Card %s appears %d times", c, n)
		}
	}
}

func TestShuffle_IsPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	original := Build()

	for trial := 0; trial < 50; trial++ {
		shuffled := Shuffle(original, rng)
		if len(shuffled) != len(original) {
			t.Fatalf("Shuffle changed length: %d", len(shuffled))
		}
		counts := make(map[Card]int)
		for _, c := range original {
			counts[c]++
		}
		for _, c := range shuffled {
			counts[c]--
		}
		for c, n := range counts {
			if n != 0 {
				t.Fatalf("Shuffle is not a permutation: %s off by %d", c, n)
			}
		}
	}

	if original[0] != (Card{Rank: Ace, Suit: Hearts}) {
		t.Error("Shuffle must not mutate its input")
	}
}

func TestShuffle_RoughlyUniform(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cards := Cards{{Ace, Hearts}, {Two, Hearts}, {Three, Hearts}, {Four, Hearts}}

	const trials = 40000
	counts := make(map[Card][]int)
	for _, c := range cards {
		counts[c] = make([]int, len(cards))
	}
	for i := 0; i < trials; i++ {
		for pos, c := range Shuffle(cards, rng) {
			counts[c][pos]++
		}
	}

	expected := trials / len(cards)
	tolerance := expected / 10
	for c, positions := range counts {
		for pos, n := range positions {
			if n < expected-tolerance || n > expected+tolerance {
				t.Errorf("Card %s landed at position %d %d times, expected about %d", c, pos, n, expected)
			}
		}
	}
}

func TestCardValue(t *testing.T) {
	ace := Card{Rank: Ace, Suit: Clubs}
	joker := Card{Rank: Joker, Suit: JokerSuit}

	tests := []struct {
		name string
		card Card
		dir  Direction
		mode AceMode
		want int
	}{
		{"ace both over", ace, Over, AceBoth, 14},
		{"ace both under", ace, Under, AceBoth, 1},
		{"ace high under", ace, Under, AceHigh, 14},
		{"ace low over", ace, Over, AceLow, 1},
		{"joker over", joker, Over, AceBoth, 99},
		{"joker under", joker, Under, AceBoth, -1},
		{"ten", Card{Ten, Hearts}, Over, AceBoth, 10},
		{"jack", Card{Jack, Spades}, Under, AceLow, 11},
		{"queen", Card{Queen, Spades}, Over, AceHigh, 12},
		{"king", Card{King, Diamonds}, Over, AceBoth, 13},
		{"two", Card{Two, Diamonds}, Under, AceBoth, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CardValue(tt.card, tt.dir, tt.mode); got != tt.want {
				t.Errorf("CardValue(%s, %s, %s) = %d, want %d", tt.card, tt.dir, tt.mode, got, tt.want)
			}
		})
	}
}

func TestBeats_RegularCards(t *testing.T) {
	regular := []Rank{Two, Three, Four, Five, Six, Seven, Eight, Nine, Ten, Jack, Queen, King}
	for _, ra := range regular {
		for _, rb := range regular {
			a := Card{ra, Hearts}
			b := Card{rb, Spades}
			va, vb := CardValue(a, Over, AceBoth), CardValue(b, Over, AceBoth)

			if got := Beats(a, b, Over, AceBoth); got != (vb > va) {
				t.Errorf("over %s -> %s: got %v", a, b, got)
			}
			if got := Beats(a, b, Under, AceBoth); got != (vb < va) {
				t.Errorf("under %s -> %s: got %v", a, b, got)
			}
			if va == vb && (Beats(a, b, Over, AceBoth) || Beats(a, b, Under, AceBoth)) {
				t.Errorf("tie %s -> %s must lose both directions", a, b)
			}
		}
	}
}

func TestBeats_Jokers(t *testing.T) {
	joker := Card{Rank: Joker, Suit: JokerSuit}
	king := Card{King, Clubs}
	two := Card{Two, Clubs}

	if !Beats(king, joker, Over, AceBoth) || !Beats(two, joker, Under, AceBoth) {
		t.Error("A drawn joker should win in either direction")
	}
	if Beats(joker, king, Over, AceBoth) || Beats(joker, two, Under, AceBoth) {
		t.Error("A joker reference card should lose in either direction")
	}
}

func TestCardsValueScan(t *testing.T) {
	in := Cards{{Ace, Hearts}, {Joker, JokerSuit}}
	v, err := in.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var out Cards
	if err := out.Scan(v); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Errorf("Expected %v, got %v", in, out)
	}

	var nilCards Cards
	v, _ = nilCards.Value()
	if string(v.([]byte)) != "[]" {
		t.Errorf("Expected empty pile to encode as [], got %s", v)
	}
}
