package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMoodLevel(t *testing.T) {
	tests := []struct {
		score int
		want  int
	}{
		{0, 0}, {19, 0}, {20, 1}, {39, 1}, {40, 2}, {60, 3},
		{69, 3}, {70, 4}, {80, 5}, {99, 5}, {100, 6},
	}
	for _, tt := range tests {
		if got := MoodLevel(tt.score); got != tt.want {
			t.Errorf("MoodLevel(%d) = %d, want %d", tt.score, got, tt.want)
		}
	}
}

func TestMoodClamps(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	if err := s.SetMood(ctx, Actor{}, 50); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("Expected ErrNotAdmin, got %v", err)
	}

	_ = s.SetMood(ctx, admin, 98)
	_ = s.BumpMood(ctx, 5)
	if got := crawlState(t, store).MoodScore; got != MoodMax {
		t.Errorf("Mood should cap at %d, got %d", MoodMax, got)
	}

	_ = s.SetMood(ctx, admin, -10)
	if got := crawlState(t, store).MoodScore; got != 0 {
		t.Errorf("Mood should not go below 0, got %d", got)
	}
}

func TestNextRound(t *testing.T) {
	s, store, clk := newTestService(t)
	ctx := context.Background()

	if _, err := s.NextRound(ctx); !errors.Is(err, ErrNoParticipants) {
		t.Fatalf("Expected ErrNoParticipants, got %v", err)
	}

	alice, _ := s.Login(ctx, "Alice")
	bob, _ := s.Login(ctx, "Bob")

	first, err := s.NextRound(ctx)
	if err != nil {
		t.Fatalf("NextRound failed: %v", err)
	}
	st := crawlState(t, store)
	if st.LastRoundWinnerID == nil || *st.LastRoundWinnerID != first.ID {
		t.Error("Winner should be recorded")
	}
	if st.MoodScore != RoundMood {
		t.Errorf("Expected mood %d, got %d", RoundMood, st.MoodScore)
	}

	if _, err := s.NextRound(ctx); !errors.Is(err, ErrCooldown) {
		t.Errorf("Expected ErrCooldown, got %v", err)
	}

	for i := 0; i < 5; i++ {
		clk.Advance(2*time.Minute + time.Second)
		prev := crawlState(t, store).LastRoundWinnerID
		next, err := s.NextRound(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if next.ID == *prev {
			t.Fatalf("Round %d went to the previous winner again", i)
		}
		if next.ID != alice.ID && next.ID != bob.ID {
			t.Fatalf("Unexpected winner %s", next.Name)
		}
	}
}

func TestNextRound_SingleParticipantRepeats(t *testing.T) {
	s, _, clk := newTestService(t)
	ctx := context.Background()
	alice, _ := s.Login(ctx, "Alice")

	for i := 0; i < 2; i++ {
		got, err := s.NextRound(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != alice.ID {
			t.Errorf("Expected Alice, got %s", got.Name)
		}
		clk.Advance(3 * time.Minute)
	}
}
