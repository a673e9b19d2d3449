// Package overunder implements the over/under drinking card game: guess
// whether the next card is over or under the current one, three in a row
// passes the turn, a miss costs one sip more than the streak you had.
package overunder

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"

	"github.com/wfunc/crawlparty/deck"
	"github.com/wfunc/crawlparty/logger"
)

// Target is the streak that passes the game on.
const Target = 3

const (
	InitialMessage = "Guess over or under for the next card"
	PassedMessage  = "3 correct, pass it on! Starting over."
)

// Phase is the externally visible state of a game.
type Phase string

const (
	// PhaseUndealt means no reference card exists yet; the next call deals.
	PhaseUndealt Phase = "undealt"
	// PhaseAwaitingGuess means a reference card is showing.
	PhaseAwaitingGuess Phase = "awaiting_guess"
)

var (
	ErrNotYourTurn   = errors.New("not your turn")
	ErrUnknownPlayer = errors.New("unknown player")
)

// Snapshot is the complete sub-state shared through the crawl state row.
type Snapshot struct {
	Deck           deck.Cards   `json:"deck"`
	Current        *deck.Card   `json:"current"`
	Last           *deck.Card   `json:"last"`
	Streak         int          `json:"streak"`
	Penalty        *int         `json:"penalty"`
	Message        string       `json:"message"`
	AceMode        deck.AceMode `json:"ace_mode"`
	ActivePlayerID *string      `json:"active_player_id"`
}

// Progress renders the streak as "n/Target".
func (s Snapshot) Progress() string {
	return fmt.Sprintf("%d/%d", min(s.Streak, Target), Target)
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Deck = append(deck.Cards(nil), s.Deck...)
	if s.Current != nil {
		c := *s.Current
		out.Current = &c
	}
	if s.Last != nil {
		c := *s.Last
		out.Last = &c
	}
	if s.Penalty != nil {
		p := *s.Penalty
		out.Penalty = &p
	}
	if s.ActivePlayerID != nil {
		id := *s.ActivePlayerID
		out.ActivePlayerID = &id
	}
	return out
}

// Outcome describes what a call to Guess did.
type Outcome struct {
	Dealt      bool      `json:"dealt"`
	Drawn      deck.Card `json:"drawn"`
	Correct    bool      `json:"correct"`
	Passed     bool      `json:"passed"`
	Reshuffled bool      `json:"reshuffled"`
	Streak     int       `json:"streak"`
	Penalty    *int      `json:"penalty,omitempty"`
	Message    string    `json:"message"`
}

// Persister receives every locally committed snapshot, in commit order. It is
// called with the game lock held, so implementations must not block on remote
// I/O or call back into the Game.
type Persister interface {
	Persist(snap Snapshot)
}

type PersisterFunc func(Snapshot)

func (f PersisterFunc) Persist(s Snapshot) { f(s) }

// Game owns one over/under table. It is safe for concurrent use.
type Game struct {
	mu      sync.Mutex
	snap    Snapshot
	rng     *rand.Rand
	persist Persister
}

func New(rng *rand.Rand, mode deck.AceMode, persist Persister) *Game {
	if persist == nil {
		persist = PersisterFunc(func(Snapshot) {})
	}
	return &Game{
		snap:    Snapshot{AceMode: mode, Message: InitialMessage},
		rng:     rng,
		persist: persist,
	}
}

func (g *Game) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phaseLocked()
}

func (g *Game) phaseLocked() Phase {
	if g.snap.Current == nil {
		return PhaseUndealt
	}
	return PhaseAwaitingGuess
}

func (g *Game) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap.clone()
}

// Reset deals a fresh shuffled deck and clears streak, penalty and last card.
// Ace mode and the active player survive a reset.
func (g *Game) Reset() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	snap := g.commitLocked()

	logger.Log.Infof("over/under reset, showing %s", snap.Current)
	return snap
}

// commitLocked hands the current state to the persister before the lock is
// released, so snapshots reach it in the order they were made.
func (g *Game) commitLocked() Snapshot {
	snap := g.snap.clone()
	g.persist.Persist(snap.clone())
	return snap
}

func (g *Game) resetLocked() {
	fresh := deck.Fresh(g.rng)
	first := fresh[0]
	g.snap.Deck = fresh[1:]
	g.snap.Current = &first
	g.snap.Last = nil
	g.snap.Streak = 0
	g.snap.Penalty = nil
	g.snap.Message = InitialMessage
}

// EnsureDealt deals when no reference card exists and reports whether it did.
func (g *Game) EnsureDealt() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phaseLocked() != PhaseUndealt {
		return false
	}
	g.resetLocked()
	snap := g.commitLocked()
	logger.Log.Infof("over/under dealt, showing %s", snap.Current)
	return true
}

// Guess draws the next card and scores dir against the current card. An
// undealt game is dealt instead and no comparison is made.
func (g *Game) Guess(dir deck.Direction) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.phaseLocked() == PhaseUndealt {
		g.resetLocked()
		snap := g.commitLocked()
		return Outcome{Dealt: true, Message: snap.Message}
	}

	out := Outcome{}
	if len(g.snap.Deck) == 0 {
		g.snap.Deck = deck.Fresh(g.rng)
		out.Reshuffled = true
	}
	drawn := g.snap.Deck[0]
	g.snap.Deck = g.snap.Deck[1:]
	out.Drawn = drawn

	prevStreak := g.snap.Streak
	out.Correct = deck.Beats(*g.snap.Current, drawn, dir, g.snap.AceMode)

	if out.Correct {
		g.snap.Penalty = nil
		g.snap.Streak++
		if g.snap.Streak >= Target {
			out.Passed = true
			g.snap.Message = PassedMessage
			g.snap.Streak = 0
		} else {
			g.snap.Message = fmt.Sprintf("Correct! %d/%d", g.snap.Streak, Target)
		}
	} else {
		penalty := prevStreak + 1
		g.snap.Penalty = &penalty
		g.snap.Streak = 0
		g.snap.Message = penaltyMessage(penalty)
		out.Penalty = &penalty
	}

	last, current := drawn, drawn
	g.snap.Last = &last
	g.snap.Current = &current

	out.Streak = g.snap.Streak
	out.Message = g.snap.Message
	g.commitLocked()
	return out
}

func penaltyMessage(sips int) string {
	if sips == 1 {
		return "Wrong: 1 sip"
	}
	return fmt.Sprintf("Wrong: %d sips", sips)
}

func (g *Game) SetAceMode(mode deck.AceMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.snap.AceMode == mode {
		return
	}
	g.snap.AceMode = mode
	g.commitLocked()
}

// CanGuess reports whether playerID may guess. With no active player set,
// anyone may.
func (g *Game) CanGuess(playerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap.ActivePlayerID == nil || *g.snap.ActivePlayerID == playerID
}

// SetActivePlayer enables turn gating for id, or disables it when id is nil.
// id must be one of participantIDs.
func (g *Game) SetActivePlayer(id *string, participantIDs []string) error {
	if id != nil && !slices.Contains(participantIDs, *id) {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, *id)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if id == nil {
		g.snap.ActivePlayerID = nil
	} else {
		v := *id
		g.snap.ActivePlayerID = &v
	}
	g.commitLocked()
	return nil
}

// AdvanceTurn hands the turn to the participant after the active one in the
// given stable order, wrapping around. It does nothing unless some other
// participant exists. An active player that is no longer listed hands over to
// the first participant.
func (g *Game) AdvanceTurn(participantIDs []string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := ""
	switch {
	case len(participantIDs) == 0:
	case g.snap.ActivePlayerID == nil:
		next = participantIDs[0]
	default:
		idx := slices.Index(participantIDs, *g.snap.ActivePlayerID)
		switch {
		case idx < 0:
			next = participantIDs[0]
		case len(participantIDs) > 1:
			next = participantIDs[(idx+1)%len(participantIDs)]
		}
	}

	if next == "" {
		return "", false
	}

	g.snap.ActivePlayerID = &next
	g.commitLocked()
	return next, true
}

// Apply replaces local state with a snapshot read back from the store. It does
// not persist.
func (g *Game) Apply(remote Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	mode := g.snap.AceMode
	g.snap = remote.clone()
	if g.snap.AceMode == "" {
		g.snap.AceMode = mode
	}
}
