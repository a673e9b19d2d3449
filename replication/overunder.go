// Package replication keeps each replica's local games in step with the
// shared store.
package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/crawlparty/deck"
	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/models"
	"github.com/wfunc/crawlparty/overunder"
	"github.com/wfunc/crawlparty/persistence"
)

const writeTimeout = 5 * time.Second

// OverUnderSync writes every local over/under snapshot to the crawl_state row
// without blocking the game, and applies remote changes back onto the game.
// Failed writes are logged and never rolled back.
type OverUnderSync struct {
	store persistence.Store

	game     *overunder.Game
	onChange func(overunder.Snapshot)

	writeMu  sync.Mutex
	version  atomic.Uint64
	inflight atomic.Int32
	wg       sync.WaitGroup

	unsubscribe func()
}

func NewOverUnderSync(store persistence.Store) *OverUnderSync {
	return &OverUnderSync{store: store}
}

// Persist implements overunder.Persister. The game calls it under its lock,
// so versions follow commit order.
func (s *OverUnderSync) Persist(snap overunder.Snapshot) {
	v := s.version.Add(1)
	s.inflight.Add(1)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.inflight.Add(-1)

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		// a newer snapshot is queued behind us and will carry this one's state
		if s.version.Load() != v {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.store.Update(ctx, models.TableCrawlState, models.CrawlStateID, snapshotFields(snap)); err != nil {
			logger.Log.Errorw("over/under write failed", "error", err)
		}
	}()
}

// Start loads the shared row into game and follows later changes. onChange
// runs after every applied remote snapshot.
func (s *OverUnderSync) Start(ctx context.Context, game *overunder.Game, onChange func(overunder.Snapshot)) error {
	s.game = game
	s.onChange = onChange

	if err := s.Reconcile(ctx); err != nil {
		return err
	}
	s.unsubscribe = s.store.Subscribe(models.TableCrawlState, func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.Reconcile(ctx); err != nil {
			logger.Log.Warnf("over/under reconcile: %v", err)
		}
	})
	return nil
}

// Reconcile re-reads the shared row and applies it. It is skipped while local
// writes are still in flight so an older remote copy never overwrites a
// newer local one.
func (s *OverUnderSync) Reconcile(ctx context.Context) error {
	if s.inflight.Load() > 0 {
		return nil
	}
	def := DefaultCrawlState()
	def.AceMode = string(s.game.Snapshot().AceMode)

	var row models.CrawlState
	if err := persistence.EnsureRow(ctx, s.store, models.TableCrawlState, models.CrawlStateID, &row, def); err != nil {
		return err
	}
	if s.inflight.Load() > 0 {
		return nil
	}

	snap := SnapshotFromState(row)
	s.game.Apply(snap)
	if s.onChange != nil {
		s.onChange(s.game.Snapshot())
	}
	return nil
}

// Flush waits for queued writes.
func (s *OverUnderSync) Flush() {
	s.wg.Wait()
}

func (s *OverUnderSync) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.Flush()
}

// DefaultCrawlState is the row created on first read.
func DefaultCrawlState() *models.CrawlState {
	return &models.CrawlState{
		ID:               models.CrawlStateID,
		OverUnderMessage: overunder.InitialMessage,
		OverUnderDeck:    deck.Cards{},
		AceMode:          string(deck.AceBoth),
	}
}

func SnapshotFromState(row models.CrawlState) overunder.Snapshot {
	return overunder.Snapshot{
		Deck:           row.OverUnderDeck,
		Current:        row.OverUnderCurrentCard,
		Last:           row.OverUnderLastCard,
		Streak:         row.OverUnderStreak,
		Penalty:        row.OverUnderPenalty,
		Message:        row.OverUnderMessage,
		AceMode:        deck.AceMode(row.AceMode),
		ActivePlayerID: row.OverUnderActivePlayerID,
	}
}

func snapshotFields(snap overunder.Snapshot) map[string]any {
	d := snap.Deck
	if d == nil {
		d = deck.Cards{}
	}
	return map[string]any{
		"over_under_deck":             d,
		"over_under_current_card":     snap.Current,
		"over_under_last_card":        snap.Last,
		"over_under_streak":           snap.Streak,
		"over_under_penalty":          snap.Penalty,
		"over_under_message":          snap.Message,
		"over_under_active_player_id": snap.ActivePlayerID,
		"ace_mode":                    string(snap.AceMode),
		"updated_at":                  time.Now(),
	}
}
