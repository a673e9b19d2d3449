package services

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/wfunc/crawlparty/models"
	"github.com/wfunc/crawlparty/persistence"
)

var admin = Actor{Admin: true}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T) (*CrawlService, *persistence.Memory, *clock) {
	t.Helper()
	store := persistence.NewMemory()
	clk := &clock{t: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)}
	s := NewCrawlService(store, Settings{
		AdminCode:       "snag",
		ArrivalCooldown: 30 * time.Second,
		RoundCooldown:   2 * time.Minute,
		StopTimer:       30 * time.Minute,
	}, rand.New(rand.NewSource(1)))
	s.now = clk.Now
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	return s, store, clk
}

func crawlState(t *testing.T, store persistence.Store) models.CrawlState {
	t.Helper()
	var st models.CrawlState
	if err := store.Get(context.Background(), models.TableCrawlState, models.CrawlStateID, &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestLogin(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.Login(ctx, "   "); !errors.Is(err, ErrEmptyName) {
		t.Errorf("Expected ErrEmptyName, got %v", err)
	}

	alice, err := s.Login(ctx, "  Alice ")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if alice.Name != "Alice" || alice.Beers != 0 {
		t.Errorf("Unexpected participant %+v", alice)
	}

	again, err := s.Login(ctx, "ALICE")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != alice.ID {
		t.Error("Login should match existing names case-insensitively")
	}
	if n := len(s.Participants()); n != 1 {
		t.Errorf("Expected 1 participant, got %d", n)
	}
}

func TestLogDrink(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	alice, _ := s.Login(ctx, "Alice")

	beers, err := s.LogDrink(ctx, alice.ID)
	if err != nil {
		t.Fatalf("LogDrink failed: %v", err)
	}
	if beers != 1 {
		t.Errorf("Expected 1 beer, got %d", beers)
	}

	var stored models.Participant
	_ = store.Get(ctx, models.TableParticipants, alice.ID, &stored)
	if stored.Beers != 1 {
		t.Errorf("Expected stored beers 1, got %d", stored.Beers)
	}
	var log []models.DrinkEntry
	_ = store.ReadAll(ctx, models.TableDrinkLog, &log)
	if len(log) != 1 || log[0].ParticipantID != alice.ID {
		t.Errorf("Expected one drink log entry, got %+v", log)
	}
	if st := crawlState(t, store); st.MoodScore != DrinkMood {
		t.Errorf("Expected mood %d, got %d", DrinkMood, st.MoodScore)
	}

	if _, err := s.LogDrink(ctx, "ghost"); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("Expected ErrUnknownParticipant, got %v", err)
	}
}

func TestLogDrink_RollsBackOnStoreError(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	alice, _ := s.Login(ctx, "Alice")

	var seen []int
	s.onChange = func(snap Snapshot) {
		if len(snap.Participants) == 1 {
			seen = append(seen, snap.Participants[0].Beers)
		}
	}

	store.FailWrites(errors.New("offline"))
	beers, err := s.LogDrink(ctx, alice.ID)

	var se *persistence.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StoreError, got %v", err)
	}
	if beers != 0 {
		t.Errorf("Expected rolled back count 0, got %d", beers)
	}
	if p, _ := s.Participant(alice.ID); p.Beers != 0 {
		t.Errorf("Local count should be rolled back, got %d", p.Beers)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 0 {
		t.Errorf("Expected optimistic 1 then rollback to 0, got %v", seen)
	}
}

func TestRankingAndReset(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	alice, _ := s.Login(ctx, "Alice")
	bob, _ := s.Login(ctx, "Bob")
	carol, _ := s.Login(ctx, "Carol")

	_, _ = s.LogDrink(ctx, bob.ID)
	_, _ = s.LogDrink(ctx, bob.ID)
	_, _ = s.LogDrink(ctx, carol.ID)

	ranking := s.Ranking()
	want := []string{bob.ID, carol.ID, alice.ID}
	for i, id := range want {
		if ranking[i].ID != id {
			t.Fatalf("Ranking position %d: expected %s, got %s", i, id, ranking[i].Name)
		}
	}

	if err := s.ResetRanking(ctx); err != nil {
		t.Fatalf("ResetRanking failed: %v", err)
	}
	if err := s.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.TeamTotal != 0 {
		t.Errorf("Expected empty drink log, got %d", snap.TeamTotal)
	}
	for _, p := range snap.Participants {
		if p.Beers != 0 {
			t.Errorf("%s still has %d beers", p.Name, p.Beers)
		}
	}
}

func TestDeleteParticipant(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	alice, _ := s.Login(ctx, "Alice")
	bob, _ := s.Login(ctx, "Bob")
	_, _ = s.LogDrink(ctx, alice.ID)
	_, _ = s.LogDrink(ctx, bob.ID)

	winner := alice.ID
	_ = store.Update(ctx, models.TableCrawlState, models.CrawlStateID, map[string]any{
		"last_round_winner_id":        &winner,
		"over_under_active_player_id": &winner,
	})

	if err := s.DeleteParticipant(ctx, Actor{}, alice.ID); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("Expected ErrNotAdmin, got %v", err)
	}
	if err := s.DeleteParticipant(ctx, admin, alice.ID); err != nil {
		t.Fatalf("DeleteParticipant failed: %v", err)
	}

	var participants []models.Participant
	_ = store.ReadAll(ctx, models.TableParticipants, &participants)
	if len(participants) != 1 || participants[0].ID != bob.ID {
		t.Errorf("Expected only Bob left, got %+v", participants)
	}
	var log []models.DrinkEntry
	_ = store.ReadAll(ctx, models.TableDrinkLog, &log)
	if len(log) != 1 || log[0].ParticipantID != bob.ID {
		t.Errorf("Expected only Bob's drink, got %+v", log)
	}
	st := crawlState(t, store)
	if st.LastRoundWinnerID != nil || st.OverUnderActivePlayerID != nil {
		t.Error("References to the deleted participant should be cleared")
	}
}

func TestUnlock(t *testing.T) {
	s, _, _ := newTestService(t)
	if !s.Unlock("snag") {
		t.Error("Expected the admin code to unlock")
	}
	if s.Unlock("SNAG") || s.Unlock("") {
		t.Error("Unlock must match the code exactly")
	}
}
