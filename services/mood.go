package services

import (
	"context"
	"fmt"
	"time"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/models"
)

var moodThresholds = []int{20, 40, 60, 70, 80, 100}

// MoodLevel maps a mood score to levels 0 through 6.
func MoodLevel(score int) int {
	level := 0
	for i, threshold := range moodThresholds {
		if score >= threshold {
			level = i + 1
		}
	}
	return level
}

func clampMood(v int) int {
	return max(0, min(v, MoodMax))
}

// BumpMood raises the mood by amount, capped at MoodMax.
func (s *CrawlService) BumpMood(ctx context.Context, amount int) error {
	return s.updateState(ctx, func(st models.CrawlState) map[string]any {
		return map[string]any{"mood_score": clampMood(st.MoodScore + amount)}
	})
}

func (s *CrawlService) SetMood(ctx context.Context, actor Actor, value int) error {
	if !actor.Admin {
		return ErrNotAdmin
	}
	return s.updateState(ctx, func(models.CrawlState) map[string]any {
		return map[string]any{"mood_score": clampMood(value)}
	})
}

// NextRound draws who buys the next round, never the previous buyer unless
// nobody else is left.
func (s *CrawlService) NextRound(ctx context.Context) (models.Participant, error) {
	var participants []models.Participant
	if err := s.store.ReadAll(ctx, models.TableParticipants, &participants); err != nil {
		return models.Participant{}, err
	}
	if len(participants) == 0 {
		return models.Participant{}, ErrNoParticipants
	}

	var chosen models.Participant
	err := s.guardedUpdate(ctx, func(st models.CrawlState) (map[string]any, error) {
		now := s.now()
		if left := remaining(st.RoundCooldownUntil, now); left > 0 {
			return nil, fmt.Errorf("%w: next round in %s", ErrCooldown, left.Round(time.Second))
		}

		pool := make([]models.Participant, 0, len(participants))
		for _, p := range participants {
			if st.LastRoundWinnerID == nil || p.ID != *st.LastRoundWinnerID {
				pool = append(pool, p)
			}
		}
		if len(pool) == 0 {
			pool = participants
		}
		chosen = pool[s.pick(len(pool))]

		winner := chosen.ID
		cooldown := now.Add(s.settings.RoundCooldown)
		return map[string]any{
			"last_round_winner_id": &winner,
			"round_cooldown_until": &cooldown,
			"mood_score":           clampMood(st.MoodScore + RoundMood),
		}, nil
	})
	if err != nil {
		return models.Participant{}, err
	}
	logger.Log.Infof("%s buys the next round", chosen.Name)
	return chosen, nil
}
