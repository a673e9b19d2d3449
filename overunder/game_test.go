package overunder

import (
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/wfunc/crawlparty/deck"
)

// recordingPersister keeps every snapshot handed to Persist.
type recordingPersister struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recordingPersister) Persist(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingPersister) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recordingPersister) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func card(r deck.Rank, s deck.Suit) *deck.Card {
	return &deck.Card{Rank: r, Suit: s}
}

func newTestGame(p Persister) *Game {
	return New(rand.New(rand.NewSource(1)), deck.AceBoth, p)
}

func TestReset_DealsFreshDeck(t *testing.T) {
	p := &recordingPersister{}
	g := newTestGame(p)

	if g.Phase() != PhaseUndealt {
		t.Fatalf("New game should be undealt, got %s", g.Phase())
	}

	snap := g.Reset()
	if g.Phase() != PhaseAwaitingGuess {
		t.Errorf("Expected awaiting guess after reset, got %s", g.Phase())
	}
	if snap.Current == nil {
		t.Fatal("Reset should deal a current card")
	}
	if len(snap.Deck) != deck.Size-1 {
		t.Errorf("Expected %d cards left, got %d", deck.Size-1, len(snap.Deck))
	}
	if snap.Last != nil || snap.Streak != 0 || snap.Penalty != nil {
		t.Errorf("Reset should clear last, streak and penalty: %+v", snap)
	}
	if snap.Message != InitialMessage {
		t.Errorf("Expected initial message, got %q", snap.Message)
	}
	if p.count() != 1 {
		t.Errorf("Expected reset to persist once, got %d", p.count())
	}
}

func TestGuess_UndealtDealsWithoutComparing(t *testing.T) {
	p := &recordingPersister{}
	g := newTestGame(p)

	out := g.Guess(deck.Over)
	if !out.Dealt {
		t.Error("Guess on an undealt game should deal")
	}
	if out.Correct || out.Penalty != nil {
		t.Error("Dealing must not score a guess")
	}
	if g.Phase() != PhaseAwaitingGuess {
		t.Error("Game should be dealt after the guard clause")
	}
}

func TestEnsureDealt(t *testing.T) {
	g := newTestGame(nil)
	if !g.EnsureDealt() {
		t.Error("EnsureDealt should deal an undealt game")
	}
	if g.EnsureDealt() {
		t.Error("EnsureDealt should leave a dealt game alone")
	}
}

func TestGuess_ThreeInARowScenario(t *testing.T) {
	p := &recordingPersister{}
	g := newTestGame(p)
	g.Apply(Snapshot{
		Current: card(deck.Ten, deck.Hearts),
		Deck: deck.Cards{
			{Rank: deck.King, Suit: deck.Spades},
			{Rank: deck.Two, Suit: deck.Diamonds},
			{Rank: deck.Ace, Suit: deck.Clubs},
		},
		Message: InitialMessage,
		AceMode: deck.AceBoth,
	})

	out := g.Guess(deck.Over)
	if !out.Correct || out.Streak != 1 {
		t.Fatalf("10♥ -> K♠ over should be correct with streak 1, got %+v", out)
	}
	if !strings.Contains(out.Message, "1/3") {
		t.Errorf("Expected progress message with 1/3, got %q", out.Message)
	}

	out = g.Guess(deck.Under)
	if !out.Correct || out.Streak != 2 {
		t.Fatalf("K♠ -> 2♦ under should be correct with streak 2, got %+v", out)
	}

	out = g.Guess(deck.Over)
	if !out.Correct || !out.Passed {
		t.Fatalf("2♦ -> A♣ over should pass, got %+v", out)
	}
	snap := g.Snapshot()
	if snap.Streak != 0 {
		t.Errorf("Streak should reset after passing, got %d", snap.Streak)
	}
	if snap.Penalty != nil {
		t.Error("Penalty should be cleared after a correct guess")
	}
	if snap.Message != PassedMessage {
		t.Errorf("Expected passed message, got %q", snap.Message)
	}
	if *snap.Current != (deck.Card{Rank: deck.Ace, Suit: deck.Clubs}) || *snap.Last != *snap.Current {
		t.Errorf("Drawn card should become both current and last, got %+v / %+v", snap.Current, snap.Last)
	}
	if p.count() != 3 {
		t.Errorf("Expected one persist per guess, got %d", p.count())
	}
}

func TestGuess_PenaltyIsPriorStreakPlusOne(t *testing.T) {
	g := newTestGame(nil)
	g.Apply(Snapshot{
		Current: card(deck.Five, deck.Hearts),
		Deck: deck.Cards{
			{Rank: deck.Nine, Suit: deck.Spades},  // over: correct
			{Rank: deck.Queen, Suit: deck.Clubs},  // over: correct
			{Rank: deck.Three, Suit: deck.Hearts}, // over: wrong
			{Rank: deck.Three, Suit: deck.Spades}, // under tie: wrong
		},
		AceMode: deck.AceBoth,
	})

	g.Guess(deck.Over)
	g.Guess(deck.Over)
	out := g.Guess(deck.Over)
	if out.Correct {
		t.Fatal("Q -> 3 over should be wrong")
	}
	if out.Penalty == nil || *out.Penalty != 3 {
		t.Fatalf("Expected penalty 3 after a streak of 2, got %v", out.Penalty)
	}
	if out.Streak != 0 {
		t.Errorf("Streak should reset on a miss, got %d", out.Streak)
	}
	if out.Message != "Wrong: 3 sips" {
		t.Errorf("Unexpected penalty message %q", out.Message)
	}

	out = g.Guess(deck.Under)
	if out.Correct {
		t.Fatal("A tie must be wrong")
	}
	if *out.Penalty != 1 || out.Message != "Wrong: 1 sip" {
		t.Errorf("Expected singular 1 sip penalty, got %d %q", *out.Penalty, out.Message)
	}
}

func TestGuess_CorrectClearsPenalty(t *testing.T) {
	g := newTestGame(nil)
	one := 1
	g.Apply(Snapshot{
		Current: card(deck.Five, deck.Hearts),
		Deck:    deck.Cards{{Rank: deck.Eight, Suit: deck.Spades}},
		Penalty: &one,
		AceMode: deck.AceBoth,
	})

	out := g.Guess(deck.Over)
	if !out.Correct || out.Penalty != nil {
		t.Fatalf("Expected correct guess without penalty, got %+v", out)
	}
	if g.Snapshot().Penalty != nil {
		t.Error("Penalty should be cleared on a correct guess")
	}
}

func TestGuess_EmptyDeckRefills(t *testing.T) {
	g := newTestGame(nil)
	g.Apply(Snapshot{
		Current: card(deck.Five, deck.Hearts),
		Deck:    deck.Cards{{Rank: deck.Eight, Suit: deck.Spades}},
		AceMode: deck.AceBoth,
	})

	out := g.Guess(deck.Over)
	if out.Reshuffled {
		t.Error("First draw should use the remaining card")
	}
	if n := len(g.Snapshot().Deck); n != 0 {
		t.Fatalf("Expected empty deck after drawing the last card, got %d", n)
	}

	out = g.Guess(deck.Under)
	if !out.Reshuffled {
		t.Error("Drawing from an empty deck should reshuffle")
	}
	if n := len(g.Snapshot().Deck); n != deck.Size-1 {
		t.Errorf("Expected a fresh 54-card deck minus the drawn card, got %d", n)
	}
}

func TestGuess_SnapshotIsIsolated(t *testing.T) {
	p := &recordingPersister{}
	g := newTestGame(p)
	g.Reset()
	before := g.Snapshot()

	snap := p.last()
	snap.Deck[0] = deck.Card{Rank: deck.Queen, Suit: deck.JokerSuit}
	*snap.Current = deck.Card{Rank: deck.Queen, Suit: deck.JokerSuit}

	after := g.Snapshot()
	if *after.Current != *before.Current || after.Deck[0] != before.Deck[0] {
		t.Error("Persisted snapshots must not alias game state")
	}
}

func TestAdvanceTurn(t *testing.T) {
	g := newTestGame(nil)
	ids := []string{"a", "b", "c"}

	if _, ok := g.AdvanceTurn(nil); ok {
		t.Error("AdvanceTurn with no participants should be a no-op")
	}

	next, ok := g.AdvanceTurn(ids)
	if !ok || next != "a" {
		t.Fatalf("Expected turns to start at a, got %q", next)
	}
	next, _ = g.AdvanceTurn(ids)
	if next != "b" {
		t.Errorf("Expected b, got %q", next)
	}
	g.AdvanceTurn(ids)
	next, _ = g.AdvanceTurn(ids)
	if next != "a" {
		t.Errorf("Expected wrap-around to a, got %q", next)
	}

	if g.CanGuess("b") {
		t.Error("Only the active player may guess")
	}
	if !g.CanGuess("a") {
		t.Error("Active player should be allowed to guess")
	}

	if _, ok := g.AdvanceTurn([]string{"a"}); ok {
		t.Error("AdvanceTurn should be a no-op without another participant")
	}
}

func TestSetActivePlayer(t *testing.T) {
	g := newTestGame(nil)
	ids := []string{"a", "b"}

	unknown := "z"
	if err := g.SetActivePlayer(&unknown, ids); err == nil {
		t.Error("Expected unknown player to be rejected")
	}

	b := "b"
	if err := g.SetActivePlayer(&b, ids); err != nil {
		t.Fatalf("SetActivePlayer failed: %v", err)
	}
	if g.CanGuess("a") {
		t.Error("a should be gated while b is active")
	}

	if err := g.SetActivePlayer(nil, ids); err != nil {
		t.Fatalf("Clearing active player failed: %v", err)
	}
	if !g.CanGuess("a") {
		t.Error("Anyone may guess with turn gating off")
	}
}

func TestSetAceMode(t *testing.T) {
	p := &recordingPersister{}
	g := newTestGame(p)
	g.Apply(Snapshot{
		Current: card(deck.Ace, deck.Hearts),
		Deck:    deck.Cards{{Rank: deck.Two, Suit: deck.Spades}},
	})

	g.SetAceMode(deck.AceLow)
	if p.count() != 1 {
		t.Errorf("Expected ace mode change to persist, got %d writes", p.count())
	}
	g.SetAceMode(deck.AceLow)
	if p.count() != 1 {
		t.Error("Setting the same ace mode should not persist again")
	}

	out := g.Guess(deck.Over)
	if !out.Correct {
		t.Error("With aces low, A -> 2 over should be correct")
	}
}

func TestGuess_PersistsInCommitOrder(t *testing.T) {
	p := &recordingPersister{}
	g := newTestGame(p)
	g.Reset()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Guess(deck.Under)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 1; i < len(p.snaps); i++ {
		if len(p.snaps[i].Deck) != len(p.snaps[i-1].Deck)-1 {
			t.Fatalf("snapshot %d has %d cards after %d", i, len(p.snaps[i].Deck), len(p.snaps[i-1].Deck))
		}
	}
	if got := p.snaps[len(p.snaps)-1]; len(got.Deck) != len(g.Snapshot().Deck) {
		t.Errorf("last persisted deck %d, game %d", len(got.Deck), len(g.Snapshot().Deck))
	}
}
