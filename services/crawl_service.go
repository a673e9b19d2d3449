// services/crawl_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/models"
	"github.com/wfunc/crawlparty/persistence"
	"github.com/wfunc/crawlparty/replication"
)

const (
	MoodMax        = 100
	DrinkMood      = 1
	ArrivalMood    = 5
	RoundMood      = 5
	refreshTimeout = 5 * time.Second
)

var (
	ErrNotAdmin           = errors.New("admin unlock required")
	ErrCooldown           = errors.New("cooling down")
	ErrTimerRunning       = errors.New("stop timer still running")
	ErrEmptyName          = errors.New("name is empty")
	ErrNoActiveStop       = errors.New("no active stop")
	ErrNoParticipants     = errors.New("no participants")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrUnknownStop        = errors.New("unknown stop")
)

type Settings struct {
	AdminCode       string
	ArrivalCooldown time.Duration
	RoundCooldown   time.Duration
	StopTimer       time.Duration
}

// Actor is whoever asked for an operation.
type Actor struct {
	ParticipantID string
	Admin         bool
}

// Snapshot is the crawl as shown to every participant.
type Snapshot struct {
	Participants         []models.Participant `json:"participants"`
	Ranking              []models.Participant `json:"ranking"`
	TeamTotal            int                  `json:"team_total"`
	Route                []models.RouteStop   `json:"route"`
	ActiveStopID         *string              `json:"active_stop_id"`
	NextStopID           *string              `json:"next_stop_id"`
	TimerTarget          *time.Time           `json:"timer_target"`
	TimerDuration        int                  `json:"timer_duration"`
	TimerRemainingMs     int64                `json:"timer_remaining_ms"`
	Mood                 int                  `json:"mood"`
	MoodLevel            int                  `json:"mood_level"`
	ArrivalCooldownUntil *time.Time           `json:"arrival_cooldown_until"`
	RoundCooldownUntil   *time.Time           `json:"round_cooldown_until"`
	LastRoundWinnerID    *string              `json:"last_round_winner_id"`
}

// CrawlService runs the shared pub crawl: participants, drinks, the route
// and its timer, mood and the round lottery. It keeps a local view of the
// store that is refreshed on every change notification, and updates that
// view optimistically for drinks.
type CrawlService struct {
	store    persistence.Store
	settings Settings
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// writeMu serialises read-modify-write cycles on the crawl_state row.
	writeMu sync.Mutex

	mu           sync.RWMutex
	participants []models.Participant
	drinkLog     []models.DrinkEntry
	route        []models.RouteStop
	state        models.CrawlState
	onChange     func(Snapshot)

	unsubscribe []func()
}

func NewCrawlService(store persistence.Store, settings Settings, rng *rand.Rand) *CrawlService {
	return &CrawlService{
		store:    store,
		settings: settings,
		now:      time.Now,
		rng:      rng,
	}
}

// Start loads the view and follows every crawl table.
func (s *CrawlService) Start(ctx context.Context, onChange func(Snapshot)) error {
	s.mu.Lock()
	s.onChange = onChange
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		return err
	}

	follow := func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			logger.Log.Warnf("crawl refresh: %v", err)
		}
	}
	for _, table := range []string{
		models.TableParticipants,
		models.TableDrinkLog,
		models.TableRouteStops,
		models.TableCrawlState,
	} {
		s.unsubscribe = append(s.unsubscribe, s.store.Subscribe(table, follow))
	}
	return nil
}

func (s *CrawlService) Stop() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
}

// Refresh re-reads every crawl table into the local view.
func (s *CrawlService) Refresh(ctx context.Context) error {
	var (
		participants []models.Participant
		drinkLog     []models.DrinkEntry
		route        []models.RouteStop
		state        models.CrawlState
	)
	if err := s.store.ReadAll(ctx, models.TableParticipants, &participants); err != nil {
		return err
	}
	if err := s.store.ReadAll(ctx, models.TableDrinkLog, &drinkLog); err != nil {
		return err
	}
	if err := s.store.ReadAll(ctx, models.TableRouteStops, &route); err != nil {
		return err
	}
	if err := s.loadState(ctx, &state); err != nil {
		return err
	}

	s.mu.Lock()
	s.participants = participants
	s.drinkLog = drinkLog
	s.route = route
	s.state = state
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *CrawlService) loadState(ctx context.Context, dest *models.CrawlState) error {
	return persistence.EnsureRow(ctx, s.store, models.TableCrawlState, models.CrawlStateID, dest, replication.DefaultCrawlState())
}

func (s *CrawlService) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(s.Snapshot())
	}
}

func (s *CrawlService) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	snap := Snapshot{
		Participants:         append([]models.Participant(nil), s.participants...),
		Ranking:              rank(s.participants),
		TeamTotal:            len(s.drinkLog),
		Route:                append([]models.RouteStop(nil), s.route...),
		ActiveStopID:         s.state.ActiveStopID,
		TimerTarget:          s.state.TimerTarget,
		TimerDuration:        s.state.TimerDuration,
		TimerRemainingMs:     remaining(s.state.TimerTarget, now).Milliseconds(),
		Mood:                 s.state.MoodScore,
		MoodLevel:            MoodLevel(s.state.MoodScore),
		ArrivalCooldownUntil: s.state.ArrivalCooldownUntil,
		RoundCooldownUntil:   s.state.RoundCooldownUntil,
		LastRoundWinnerID:    s.state.LastRoundWinnerID,
	}
	if next := nextStop(s.route, s.state.ActiveStopID); next != nil {
		id := next.ID
		snap.NextStopID = &id
	}
	return snap
}

func (s *CrawlService) Participants() []models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Participant(nil), s.participants...)
}

// ParticipantIDs returns ids in stable creation order.
func (s *CrawlService) ParticipantIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.participants))
	for i, p := range s.participants {
		ids[i] = p.ID
	}
	return ids
}

func (s *CrawlService) Participant(id string) (models.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.ID == id {
			return p, true
		}
	}
	return models.Participant{}, false
}

// Ranking orders participants by beers, most first, creation order on ties.
func (s *CrawlService) Ranking() []models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rank(s.participants)
}

func rank(participants []models.Participant) []models.Participant {
	out := append([]models.Participant(nil), participants...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Beers > out[j].Beers })
	return out
}

// Unlock reports whether code unlocks the admin controls.
func (s *CrawlService) Unlock(code string) bool {
	return s.settings.AdminCode != "" && code == s.settings.AdminCode
}

// Login finds the participant whose name matches case-insensitively, or
// creates one with no beers.
func (s *CrawlService) Login(ctx context.Context, name string) (models.Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Participant{}, ErrEmptyName
	}

	var existing []models.Participant
	if err := s.store.ReadAll(ctx, models.TableParticipants, &existing); err != nil {
		return models.Participant{}, err
	}
	for _, p := range existing {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}

	p := &models.Participant{Name: name, CreatedAt: s.now()}
	if err := s.store.Insert(ctx, models.TableParticipants, p); err != nil {
		return models.Participant{}, err
	}
	logger.Log.Infof("participant %s joined", p.Name)

	s.mu.Lock()
	if !hasParticipant(s.participants, p.ID) {
		s.participants = append(s.participants, *p)
	}
	s.mu.Unlock()
	s.changed()
	return *p, nil
}

func hasParticipant(ps []models.Participant, id string) bool {
	for _, p := range ps {
		if p.ID == id {
			return true
		}
	}
	return false
}

// LogDrink counts one beer for participantID. The local count moves first
// and is rolled back if the store rejects the write.
func (s *CrawlService) LogDrink(ctx context.Context, participantID string) (int, error) {
	s.mu.Lock()
	idx := -1
	for i, p := range s.participants {
		if p.ID == participantID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	prev := s.participants[idx].Beers
	beers := prev + 1
	s.participants[idx].Beers = beers
	s.mu.Unlock()
	s.changed()

	if err := s.store.Update(ctx, models.TableParticipants, participantID, map[string]any{"beers": beers}); err != nil {
		logger.Log.Errorw("drink write failed, rolling back", "participant", participantID, "error", err)
		s.mu.Lock()
		for i := range s.participants {
			if s.participants[i].ID == participantID && s.participants[i].Beers == beers {
				s.participants[i].Beers = prev
			}
		}
		s.mu.Unlock()
		s.changed()
		return prev, err
	}

	entry := &models.DrinkEntry{ParticipantID: participantID, Timestamp: s.now()}
	if err := s.store.Insert(ctx, models.TableDrinkLog, entry); err != nil {
		logger.Log.Errorw("drink log insert failed", "participant", participantID, "error", err)
	}
	if err := s.BumpMood(ctx, DrinkMood); err != nil {
		logger.Log.Warnf("mood bump: %v", err)
	}
	return beers, nil
}

// ResetRanking zeroes every beer count and clears the drink log.
func (s *CrawlService) ResetRanking(ctx context.Context) error {
	var participants []models.Participant
	if err := s.store.ReadAll(ctx, models.TableParticipants, &participants); err != nil {
		return err
	}
	for _, p := range participants {
		if p.Beers == 0 {
			continue
		}
		if err := s.store.Update(ctx, models.TableParticipants, p.ID, map[string]any{"beers": 0}); err != nil {
			return err
		}
	}
	if err := s.store.DeleteAll(ctx, models.TableDrinkLog); err != nil {
		return err
	}
	logger.Log.Info("ranking reset")
	return nil
}

// DeleteParticipant removes a participant with their drinks and any
// reference the crawl state holds to them.
func (s *CrawlService) DeleteParticipant(ctx context.Context, actor Actor, participantID string) error {
	if !actor.Admin {
		return ErrNotAdmin
	}

	var drinks []models.DrinkEntry
	if err := s.store.ReadAll(ctx, models.TableDrinkLog, &drinks); err != nil {
		return err
	}
	for _, d := range drinks {
		if d.ParticipantID != participantID {
			continue
		}
		if err := s.store.Delete(ctx, models.TableDrinkLog, d.ID); err != nil {
			return err
		}
	}

	err := s.updateState(ctx, func(st models.CrawlState) map[string]any {
		fields := map[string]any{}
		if st.LastRoundWinnerID != nil && *st.LastRoundWinnerID == participantID {
			fields["last_round_winner_id"] = (*string)(nil)
		}
		if st.OverUnderActivePlayerID != nil && *st.OverUnderActivePlayerID == participantID {
			fields["over_under_active_player_id"] = (*string)(nil)
		}
		return fields
	})
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, models.TableParticipants, participantID); err != nil {
		return err
	}
	logger.Log.Infof("participant %s deleted", participantID)
	return nil
}

// updateState applies the fields returned by fn to the freshest crawl_state
// row. An empty field set writes nothing.
func (s *CrawlService) updateState(ctx context.Context, fn func(models.CrawlState) map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var st models.CrawlState
	if err := s.loadState(ctx, &st); err != nil {
		return err
	}
	fields := fn(st)
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = s.now()
	return s.store.Update(ctx, models.TableCrawlState, models.CrawlStateID, fields)
}

// guardedUpdate is updateState for operations that can be refused.
func (s *CrawlService) guardedUpdate(ctx context.Context, fn func(models.CrawlState) (map[string]any, error)) error {
	var refused error
	err := s.updateState(ctx, func(st models.CrawlState) map[string]any {
		fields, err := fn(st)
		if err != nil {
			refused = err
			return nil
		}
		return fields
	})
	if refused != nil {
		return refused
	}
	return err
}

func (s *CrawlService) pick(n int) int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Intn(n)
}

func remaining(until *time.Time, now time.Time) time.Duration {
	if until == nil {
		return 0
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}
