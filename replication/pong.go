package replication

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/models"
	"github.com/wfunc/crawlparty/persistence"
	"github.com/wfunc/crawlparty/pong"
)

type PongConfig struct {
	Settings     pong.Settings
	SyncInterval time.Duration
	LeaseTTL     time.Duration
}

// PongSync runs the live match on exactly one replica at a time. The owner
// holds a lease in the current_match row, ticks the simulation and writes
// snapshots every sync interval. Every other replica only mirrors the row.
// Paddle positions are the one exception: any replica writes them straight
// to the match row and the owner merges them back in.
type PongSync struct {
	store      persistence.Store
	cfg        PongConfig
	instanceID string
	rng        *rand.Rand
	now        func() time.Time

	// opMu serialises StartMatch and Reconcile so only one of them can
	// decide ownership at a time.
	opMu sync.Mutex

	mu       sync.Mutex
	match    *pong.Match
	owner    bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
	onChange func(pong.MatchState)

	inflight atomic.Int32
	wg       sync.WaitGroup

	unsubscribe []func()
	closeChan   chan struct{}
	closeOnce   sync.Once
}

func NewPongSync(store persistence.Store, cfg PongConfig, rng *rand.Rand) *PongSync {
	return &PongSync{
		store:      store,
		cfg:        cfg,
		instanceID: uuid.NewString(),
		rng:        rng,
		now:        time.Now,
		closeChan:  make(chan struct{}),
	}
}

func (s *PongSync) InstanceID() string { return s.instanceID }

// Start mirrors the current match, subscribes to changes and watches the
// owner's lease. onChange receives every new local view of the match.
func (s *PongSync) Start(ctx context.Context, onChange func(pong.MatchState)) error {
	s.mu.Lock()
	s.onChange = onChange
	s.mu.Unlock()

	if err := s.Reconcile(ctx); err != nil {
		return err
	}

	follow := func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.Reconcile(ctx); err != nil {
			logger.Log.Warnf("pong reconcile: %v", err)
		}
	}
	s.unsubscribe = append(s.unsubscribe,
		s.store.Subscribe(models.TablePongMatches, follow),
		s.store.Subscribe(models.TableCurrentMatch, follow),
	)

	go s.watchLease()
	return nil
}

func (s *PongSync) watchLease() {
	ticker := time.NewTicker(s.cfg.LeaseTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := s.Reconcile(ctx); err != nil {
				logger.Log.Warnf("pong lease check: %v", err)
			}
			cancel()
		case <-s.closeChan:
			return
		}
	}
}

// Current returns the local view of the live match.
func (s *PongSync) Current() (pong.MatchState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.match == nil {
		return pong.MatchState{}, false
	}
	return s.match.Snapshot(), true
}

func (s *PongSync) Owner() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// StartMatch creates a new match owned by this replica. A match still in
// progress is superseded: it is marked finished without a winner.
func (s *PongSync) StartMatch(ctx context.Context, player1ID, player2ID string) (pong.MatchState, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	m, err := pong.NewMatch(uuid.NewString(), player1ID, player2ID, s.cfg.Settings, s.matchRNG())
	if err != nil {
		return pong.MatchState{}, err
	}

	var ptr models.CurrentMatch
	if err := persistence.EnsureRow(ctx, s.store, models.TableCurrentMatch, models.CurrentMatchID, &ptr, &models.CurrentMatch{}); err != nil {
		return pong.MatchState{}, err
	}
	s.stopSimulation()
	if ptr.MatchID != nil {
		s.supersede(ctx, *ptr.MatchID)
	}

	if err := m.Start(); err != nil {
		return pong.MatchState{}, err
	}
	snap := m.Snapshot()
	row := rowFromState(snap)
	if err := s.store.Insert(ctx, models.TablePongMatches, &row); err != nil {
		return pong.MatchState{}, err
	}

	matchID := snap.ID
	err = s.store.Update(ctx, models.TableCurrentMatch, models.CurrentMatchID, map[string]any{
		"match_id":    &matchID,
		"owner_id":    s.instanceID,
		"lease_until": s.now().Add(s.cfg.LeaseTTL),
		"updated_at":  s.now(),
	})
	if err != nil {
		return pong.MatchState{}, err
	}

	logger.Log.Infof("pong match %s owned by replica %s", matchID, s.instanceID)
	s.own(m)
	return snap, nil
}

// supersede ends the match the pointer still names through Abandon, so it
// finishes without a winner. The local copy is used when it is that match,
// otherwise the stored row is restored first.
func (s *PongSync) supersede(ctx context.Context, matchID string) {
	var prev models.PongMatch
	if err := s.store.Get(ctx, models.TablePongMatches, matchID, &prev); err != nil {
		if !errors.Is(err, persistence.ErrRecordNotFound) {
			logger.Log.Warnf("load superseded match: %v", err)
		}
		return
	}
	if prev.Status != string(pong.StatusActive) {
		return
	}

	s.mu.Lock()
	m := s.match
	s.mu.Unlock()
	if m == nil || m.ID() != matchID {
		m = pong.Restore(stateFromRow(prev), s.cfg.Settings, s.matchRNG())
	}
	if err := m.Abandon(); err != nil {
		logger.Log.Errorw("abandon match failed", "match", matchID, "error", err)
		return
	}

	if err := s.store.Update(ctx, models.TablePongMatches, matchID, simulationFields(m.Snapshot(), s.now())); err != nil {
		logger.Log.Errorw("supersede match failed", "match", matchID, "error", err)
		return
	}
	logger.Log.Infof("pong match %s superseded", matchID)
}

// MovePaddle nudges playerID's paddle locally and writes the paddle field.
func (s *PongSync) MovePaddle(playerID string, dir pong.Direction) error {
	s.mu.Lock()
	m := s.match
	s.mu.Unlock()
	if m == nil {
		return pong.ErrMatchNotActive
	}

	s.inflight.Add(1)
	if err := m.MovePaddle(playerID, dir); err != nil {
		s.inflight.Add(-1)
		return err
	}
	snap := m.Snapshot()
	s.notify(snap)

	field, value := "paddle1_y", snap.Paddle1Y
	if playerID == snap.Player2ID {
		field, value = "paddle2_y", snap.Paddle2Y
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflight.Add(-1)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.store.Update(ctx, models.TablePongMatches, snap.ID, map[string]any{field: value}); err != nil {
			logger.Log.Errorw("paddle write failed", "match", snap.ID, "error", err)
		}
	}()
	return nil
}

// Reconcile re-reads the pointer and the live match. Owners merge paddles,
// everyone else replaces their mirror. An expired lease on an active match
// is claimed.
func (s *PongSync) Reconcile(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.inflight.Load() > 0 {
		return nil
	}

	var ptr models.CurrentMatch
	err := s.store.Get(ctx, models.TableCurrentMatch, models.CurrentMatchID, &ptr)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ptr.MatchID == nil {
		s.stopSimulation()
		s.replace(nil)
		return nil
	}

	var row models.PongMatch
	if err := s.store.Get(ctx, models.TablePongMatches, *ptr.MatchID, &row); err != nil {
		return err
	}
	if s.inflight.Load() > 0 {
		return nil
	}

	s.mu.Lock()
	running := s.owner
	sameMatch := s.match != nil && s.match.ID() == row.ID
	m := s.match
	s.mu.Unlock()

	if running && sameMatch && ptr.OwnerID == s.instanceID && row.Status == string(pong.StatusActive) {
		m.ApplyPaddles(row.Paddle1Y, row.Paddle2Y)
		return nil
	}

	if running {
		logger.Log.Warnf("stopping pong simulation, match %s now owned by replica %s", row.ID, ptr.OwnerID)
		s.stopSimulation()
		// A last sync may have raced the new owner's supersede.
		if !sameMatch {
			s.supersede(ctx, m.ID())
		}
	}

	mirror := pong.Restore(stateFromRow(row), s.cfg.Settings, s.matchRNG())
	if row.Status == string(pong.StatusActive) && s.now().After(ptr.LeaseUntil) {
		return s.claim(ctx, mirror)
	}
	s.replace(mirror)
	return nil
}

// claim takes over an active match whose owner stopped renewing its lease.
func (s *PongSync) claim(ctx context.Context, m *pong.Match) error {
	err := s.store.Update(ctx, models.TableCurrentMatch, models.CurrentMatchID, map[string]any{
		"owner_id":    s.instanceID,
		"lease_until": s.now().Add(s.cfg.LeaseTTL),
		"updated_at":  s.now(),
	})
	if err != nil {
		s.replace(m)
		return err
	}
	if m.Phase() == pong.PhaseIdle {
		if err := m.Start(); err != nil {
			return err
		}
	}
	logger.Log.Infof("replica %s claimed pong match %s", s.instanceID, m.ID())
	s.own(m)
	return nil
}

// matchRNG derives a private generator per match; rand.Rand is not safe for
// concurrent use.
func (s *PongSync) matchRNG() *rand.Rand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rand.New(rand.NewSource(s.rng.Int63()))
}

func (s *PongSync) replace(m *pong.Match) {
	s.mu.Lock()
	s.match = m
	s.owner = false
	s.mu.Unlock()

	if m != nil {
		s.notify(m.Snapshot())
	}
}

func (s *PongSync) notify(snap pong.MatchState) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// own installs m as the local match and drives it.
func (s *PongSync) own(m *pong.Match) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.match = m
	s.owner = true
	s.stopLoop = cancel
	s.loopDone = done
	s.mu.Unlock()

	s.notify(m.Snapshot())
	go s.simulate(ctx, m, done)
}

// simulate ticks m and writes it out every sync interval until the match
// finishes or ownership ends.
func (s *PongSync) simulate(ctx context.Context, m *pong.Match, done chan struct{}) {
	defer close(done)

	runDone := make(chan struct{})
	go func() {
		m.Run(ctx, nil)
		close(runDone)
	}()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sync(m)
		case <-runDone:
			if ctx.Err() == nil {
				s.sync(m)
			}
			return
		case <-ctx.Done():
			<-runDone
			return
		}
	}
}

// sync writes the owner's snapshot and renews the lease. Failures are logged
// and the local simulation carries on.
func (s *PongSync) sync(m *pong.Match) {
	snap := m.Snapshot()
	s.notify(snap)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.store.Update(ctx, models.TablePongMatches, snap.ID, simulationFields(snap, s.now())); err != nil {
		logger.Log.Errorw("pong sync failed", "match", snap.ID, "error", err)
	}
	err := s.store.Update(ctx, models.TableCurrentMatch, models.CurrentMatchID, map[string]any{
		"lease_until": s.now().Add(s.cfg.LeaseTTL),
		"updated_at":  s.now(),
	})
	if err != nil {
		logger.Log.Errorw("pong lease renewal failed", "error", err)
	}
}

func (s *PongSync) stopSimulation() {
	s.mu.Lock()
	cancel, done := s.stopLoop, s.loopDone
	s.stopLoop, s.loopDone = nil, nil
	s.owner = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Flush waits for queued paddle writes.
func (s *PongSync) Flush() {
	s.wg.Wait()
}

func (s *PongSync) Stop() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
		for _, unsubscribe := range s.unsubscribe {
			unsubscribe()
		}
		s.stopSimulation()
		s.Flush()
	})
}

func rowFromState(snap pong.MatchState) models.PongMatch {
	return models.PongMatch{
		ID:        snap.ID,
		Player1ID: snap.Player1ID,
		Player2ID: snap.Player2ID,
		Score1:    snap.Score1,
		Score2:    snap.Score2,
		BallX:     snap.BallX,
		BallY:     snap.BallY,
		BallDx:    snap.BallDx,
		BallDy:    snap.BallDy,
		Paddle1Y:  snap.Paddle1Y,
		Paddle2Y:  snap.Paddle2Y,
		Status:    string(snap.Status),
		WinnerID:  snap.WinnerID,
		Countdown: snap.Countdown,
	}
}

func stateFromRow(row models.PongMatch) pong.MatchState {
	return pong.MatchState{
		ID:        row.ID,
		Player1ID: row.Player1ID,
		Player2ID: row.Player2ID,
		Score1:    row.Score1,
		Score2:    row.Score2,
		BallX:     row.BallX,
		BallY:     row.BallY,
		BallDx:    row.BallDx,
		BallDy:    row.BallDy,
		Paddle1Y:  row.Paddle1Y,
		Paddle2Y:  row.Paddle2Y,
		Status:    pong.Status(row.Status),
		WinnerID:  row.WinnerID,
		Countdown: row.Countdown,
	}
}

// simulationFields is everything the owner writes. Paddles are left out so
// moves written by other replicas are never overwritten.
func simulationFields(snap pong.MatchState, now time.Time) map[string]any {
	return map[string]any{
		"score1":     snap.Score1,
		"score2":     snap.Score2,
		"ball_x":     snap.BallX,
		"ball_y":     snap.BallY,
		"ball_dx":    snap.BallDx,
		"ball_dy":    snap.BallDy,
		"status":     string(snap.Status),
		"winner_id":  snap.WinnerID,
		"countdown":  snap.Countdown,
		"updated_at": now,
	}
}
