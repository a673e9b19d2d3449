package replication

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wfunc/crawlparty/deck"
	"github.com/wfunc/crawlparty/models"
	"github.com/wfunc/crawlparty/overunder"
	"github.com/wfunc/crawlparty/persistence"
	"github.com/wfunc/crawlparty/pong"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func newOverUnder(t *testing.T, store persistence.Store, seed int64) (*overunder.Game, *OverUnderSync) {
	t.Helper()
	sync := NewOverUnderSync(store)
	game := overunder.New(rand.New(rand.NewSource(seed)), deck.AceBoth, sync)
	if err := sync.Start(context.Background(), game, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(sync.Stop)
	return game, sync
}

func TestOverUnderSync_CreatesRowOnStart(t *testing.T) {
	store := persistence.NewMemory()
	game, _ := newOverUnder(t, store, 1)

	var row models.CrawlState
	if err := store.Get(context.Background(), models.TableCrawlState, models.CrawlStateID, &row); err != nil {
		t.Fatalf("Expected crawl state row: %v", err)
	}
	if row.OverUnderMessage != overunder.InitialMessage {
		t.Errorf("Unexpected initial message %q", row.OverUnderMessage)
	}
	if game.Phase() != overunder.PhaseUndealt {
		t.Error("A fresh row has no current card")
	}
}

func TestOverUnderSync_FreshRowTakesLocalAceMode(t *testing.T) {
	store := persistence.NewMemory()
	sync := NewOverUnderSync(store)
	game := overunder.New(rand.New(rand.NewSource(1)), deck.AceHigh, sync)
	if err := sync.Start(context.Background(), game, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(sync.Stop)

	var row models.CrawlState
	if err := store.Get(context.Background(), models.TableCrawlState, models.CrawlStateID, &row); err != nil {
		t.Fatal(err)
	}
	if row.AceMode != string(deck.AceHigh) || game.Snapshot().AceMode != deck.AceHigh {
		t.Errorf("ace mode = %q/%q, want high", row.AceMode, game.Snapshot().AceMode)
	}
}

func TestOverUnderSync_PersistsAndReplicates(t *testing.T) {
	store := persistence.NewMemory()
	gameA, syncA := newOverUnder(t, store, 1)
	gameB, _ := newOverUnder(t, store, 2)

	gameA.Reset()
	gameA.Guess(deck.Over)
	syncA.Flush()

	want := gameA.Snapshot()
	var row models.CrawlState
	if err := store.Get(context.Background(), models.TableCrawlState, models.CrawlStateID, &row); err != nil {
		t.Fatal(err)
	}
	if row.OverUnderCurrentCard == nil || *row.OverUnderCurrentCard != *want.Current {
		t.Fatalf("Row current card %v, want %v", row.OverUnderCurrentCard, want.Current)
	}
	if len(row.OverUnderDeck) != len(want.Deck) {
		t.Errorf("Row deck has %d cards, want %d", len(row.OverUnderDeck), len(want.Deck))
	}

	eventually(t, "replica B to apply the guess", func() bool {
		got := gameB.Snapshot()
		return got.Current != nil && *got.Current == *want.Current && got.Message == want.Message
	})
}

// stallOnce holds up the first snapshot it sees after being armed.
type stallOnce struct {
	next  overunder.Persister
	armed atomic.Bool
}

func (p *stallOnce) Persist(snap overunder.Snapshot) {
	if p.armed.CompareAndSwap(true, false) {
		time.Sleep(50 * time.Millisecond)
	}
	p.next.Persist(snap)
}

func TestOverUnderSync_ConcurrentGuessesStoreLatest(t *testing.T) {
	store := persistence.NewMemory()
	sync := NewOverUnderSync(store)
	slow := &stallOnce{next: sync}
	game := overunder.New(rand.New(rand.NewSource(1)), deck.AceBoth, slow)
	if err := sync.Start(context.Background(), game, nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sync.Stop)

	game.Reset()
	slow.armed.Store(true)

	done := make(chan struct{}, 2)
	guess := func() {
		game.Guess(deck.Over)
		done <- struct{}{}
	}
	go guess()
	time.Sleep(10 * time.Millisecond)
	go guess()
	<-done
	<-done
	sync.Flush()

	local := game.Snapshot()
	if len(local.Deck) != deck.Size-3 {
		t.Fatalf("local deck has %d cards, want %d", len(local.Deck), deck.Size-3)
	}
	var row models.CrawlState
	if err := store.Get(context.Background(), models.TableCrawlState, models.CrawlStateID, &row); err != nil {
		t.Fatal(err)
	}
	if len(row.OverUnderDeck) != len(local.Deck) {
		t.Errorf("stored deck has %d cards, local %d", len(row.OverUnderDeck), len(local.Deck))
	}
	if row.OverUnderCurrentCard == nil || *row.OverUnderCurrentCard != *local.Current {
		t.Errorf("stored current card %v, local %v", row.OverUnderCurrentCard, local.Current)
	}

	time.Sleep(50 * time.Millisecond)
	if got := game.Snapshot(); len(got.Deck) != deck.Size-3 {
		t.Errorf("reconcile rolled the deck back to %d cards", len(got.Deck))
	}
}

func TestOverUnderSync_FailedWriteKeepsLocalState(t *testing.T) {
	store := persistence.NewMemory()
	game, sync := newOverUnder(t, store, 1)

	store.FailWrites(errors.New("offline"))
	snap := game.Reset()
	sync.Flush()

	if got := game.Snapshot(); got.Current == nil || *got.Current != *snap.Current {
		t.Error("Local state must survive a failed write")
	}

	var row models.CrawlState
	_ = store.Get(context.Background(), models.TableCrawlState, models.CrawlStateID, &row)
	if row.OverUnderCurrentCard != nil {
		t.Error("Failed write must not reach the store")
	}
}

func TestOverUnderSync_ReconcileSkippedWhileWriting(t *testing.T) {
	store := persistence.NewMemory()
	game, sync := newOverUnder(t, store, 1)

	sync.inflight.Add(1)
	game.Apply(overunder.Snapshot{Message: "local", AceMode: deck.AceBoth})
	if err := sync.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if game.Snapshot().Message != "local" {
		t.Error("Reconcile must not overwrite state while writes are in flight")
	}
	sync.inflight.Add(-1)
}

func testPongConfig() PongConfig {
	return PongConfig{
		Settings:     pong.Settings{TickRate: 100, WinningScore: 5},
		SyncInterval: 20 * time.Millisecond,
		LeaseTTL:     100 * time.Millisecond,
	}
}

func newPongSync(t *testing.T, store persistence.Store, seed int64) *PongSync {
	t.Helper()
	s := NewPongSync(store, testPongConfig(), rand.New(rand.NewSource(seed)))
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestPongSync_StartMatchOwnsAndMirrors(t *testing.T) {
	store := persistence.NewMemory()
	a := newPongSync(t, store, 1)
	b := newPongSync(t, store, 2)
	ctx := context.Background()

	snap, err := a.StartMatch(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("StartMatch failed: %v", err)
	}
	if !a.Owner() {
		t.Fatal("The starting replica should own the match")
	}

	var ptr models.CurrentMatch
	if err := store.Get(ctx, models.TableCurrentMatch, models.CurrentMatchID, &ptr); err != nil {
		t.Fatal(err)
	}
	if ptr.MatchID == nil || *ptr.MatchID != snap.ID || ptr.OwnerID != a.InstanceID() {
		t.Fatalf("Unexpected pointer %+v", ptr)
	}

	eventually(t, "replica B to mirror the match", func() bool {
		got, ok := b.Current()
		return ok && got.ID == snap.ID
	})
	if b.Owner() {
		t.Error("A mirroring replica must not own the match")
	}

	eventually(t, "the serve to be replicated", func() bool {
		got, _ := b.Current()
		return got.BallDx != 0
	})
}

func TestPongSync_RemotePaddleMerged(t *testing.T) {
	store := persistence.NewMemory()
	a := newPongSync(t, store, 1)
	b := newPongSync(t, store, 2)
	ctx := context.Background()

	snap, err := a.StartMatch(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "replica B to mirror the match", func() bool {
		got, ok := b.Current()
		return ok && got.ID == snap.ID
	})

	if err := b.MovePaddle("bob", pong.Down); err != nil {
		t.Fatalf("MovePaddle failed: %v", err)
	}
	b.Flush()

	eventually(t, "the owner to merge the paddle", func() bool {
		got, _ := a.Current()
		return got.Paddle2Y == 50+pong.PaddleStep
	})
	if err := b.MovePaddle("carol", pong.Up); !errors.Is(err, pong.ErrNotInMatch) {
		t.Errorf("Expected ErrNotInMatch, got %v", err)
	}
}

func TestPongSync_NewMatchSupersedes(t *testing.T) {
	store := persistence.NewMemory()
	a := newPongSync(t, store, 1)
	ctx := context.Background()

	first, err := a.StartMatch(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.StartMatch(ctx, "carol", "dave")
	if err != nil {
		t.Fatal(err)
	}

	var prev models.PongMatch
	if err := store.Get(ctx, models.TablePongMatches, first.ID, &prev); err != nil {
		t.Fatal(err)
	}
	if prev.Status != string(pong.StatusFinished) || prev.WinnerID != nil || prev.BallDx != 0 || prev.Countdown != 0 {
		t.Errorf("Superseded match should be finished without winner, got %+v", prev)
	}

	var matches []models.PongMatch
	_ = store.ReadAll(ctx, models.TablePongMatches, &matches)
	active := 0
	for _, m := range matches {
		if m.Status == string(pong.StatusActive) {
			active++
			if m.ID != second.ID {
				t.Errorf("Unexpected active match %s", m.ID)
			}
		}
	}
	if active != 1 {
		t.Errorf("Expected exactly one active match, got %d", active)
	}
}

func TestPongSync_MirrorSupersedesRemoteMatch(t *testing.T) {
	store := persistence.NewMemory()
	a := newPongSync(t, store, 1)
	b := newPongSync(t, store, 2)
	ctx := context.Background()

	first, err := a.StartMatch(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "replica B to mirror the match", func() bool {
		got, ok := b.Current()
		return ok && got.ID == first.ID
	})

	second, err := b.StartMatch(ctx, "carol", "dave")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "replica A to follow the new match", func() bool {
		got, ok := a.Current()
		return ok && got.ID == second.ID && !a.Owner()
	})

	var prev models.PongMatch
	if err := store.Get(ctx, models.TablePongMatches, first.ID, &prev); err != nil {
		t.Fatal(err)
	}
	if prev.Status != string(pong.StatusFinished) || prev.WinnerID != nil {
		t.Errorf("Superseded match should be finished without winner, got %+v", prev)
	}
}

func TestPongSync_ExpiredLeaseClaimed(t *testing.T) {
	store := persistence.NewMemory()
	ctx := context.Background()

	a := NewPongSync(store, testPongConfig(), rand.New(rand.NewSource(1)))
	if err := a.Start(ctx, nil); err != nil {
		t.Fatal(err)
	}
	snap, err := a.StartMatch(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	b := newPongSync(t, store, 2)
	a.Stop()

	eventually(t, "replica B to claim the abandoned match", b.Owner)
	got, ok := b.Current()
	if !ok || got.ID != snap.ID {
		t.Fatalf("Expected B to run match %s, got %+v", snap.ID, got)
	}

	var ptr models.CurrentMatch
	_ = store.Get(ctx, models.TableCurrentMatch, models.CurrentMatchID, &ptr)
	if ptr.OwnerID != b.InstanceID() {
		t.Errorf("Pointer owner should be B, got %s", ptr.OwnerID)
	}
}

func TestPongSync_RejectsSamePlayer(t *testing.T) {
	store := persistence.NewMemory()
	a := newPongSync(t, store, 1)
	if _, err := a.StartMatch(context.Background(), "alice", "alice"); !errors.Is(err, pong.ErrSamePlayer) {
		t.Errorf("Expected ErrSamePlayer, got %v", err)
	}
	if _, ok := a.Current(); ok {
		t.Error("No match should exist after a rejected start")
	}
}
