package services

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/models"
)

//go:embed route.yaml
var defaultRoute []byte

type routeFile struct {
	Stops []models.RouteStop `yaml:"stops"`
}

// LoadRoute parses a route file, or the built-in route when path is empty.
// Stops keep file order.
func LoadRoute(path string) ([]models.RouteStop, error) {
	data := defaultRoute
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}

	var rf routeFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse route: %w", err)
	}
	for i := range rf.Stops {
		if rf.Stops[i].Name == "" {
			return nil, fmt.Errorf("route stop %d has no name", i+1)
		}
		rf.Stops[i].OrderIndex = i
	}
	return rf.Stops, nil
}

// SeedRoute inserts stops when the route table is empty.
func (s *CrawlService) SeedRoute(ctx context.Context, stops []models.RouteStop) error {
	var existing []models.RouteStop
	if err := s.store.ReadAll(ctx, models.TableRouteStops, &existing); err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for i := range stops {
		stop := stops[i]
		if err := s.store.Insert(ctx, models.TableRouteStops, &stop); err != nil {
			return err
		}
	}
	logger.Log.Infof("seeded route with %d stops", len(stops))
	return nil
}

func (s *CrawlService) stop(id string) (models.RouteStop, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.route {
		if st.ID == id {
			return st, true
		}
	}
	return models.RouteStop{}, false
}

func (s *CrawlService) readRoute(ctx context.Context) ([]models.RouteStop, error) {
	var route []models.RouteStop
	err := s.store.ReadAll(ctx, models.TableRouteStops, &route)
	return route, err
}

// nextStop is the first incomplete stop after the active one, or the first
// incomplete stop overall when nothing is active.
func nextStop(route []models.RouteStop, activeID *string) *models.RouteStop {
	start := -1
	if activeID != nil {
		for i, st := range route {
			if st.ID == *activeID {
				start = i
				break
			}
		}
	}
	for i := start + 1; i < len(route); i++ {
		if !route[i].Completed {
			return &route[i]
		}
	}
	return nil
}

// ToggleStop flips a stop's completed flag. Toggling the active stop
// clears the timer.
func (s *CrawlService) ToggleStop(ctx context.Context, stopID string) error {
	route, err := s.readRoute(ctx)
	if err != nil {
		return err
	}
	var target *models.RouteStop
	for i := range route {
		if route[i].ID == stopID {
			target = &route[i]
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownStop, stopID)
	}
	if err := s.store.Update(ctx, models.TableRouteStops, stopID, map[string]any{"completed": !target.Completed}); err != nil {
		return err
	}

	return s.updateState(ctx, func(st models.CrawlState) map[string]any {
		if st.ActiveStopID == nil || *st.ActiveStopID != stopID {
			return nil
		}
		return timerFields(nil, 0)
	})
}

// SetActiveStop makes stopID the active stop. A nil id clears the active
// stop and the timer; restart starts a fresh stop timer.
func (s *CrawlService) SetActiveStop(ctx context.Context, actor Actor, stopID *string, restart bool) error {
	if !actor.Admin {
		return ErrNotAdmin
	}
	if stopID != nil {
		if _, ok := s.stop(*stopID); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStop, *stopID)
		}
	}
	return s.updateState(ctx, func(models.CrawlState) map[string]any {
		return s.activeStopFields(stopID, restart)
	})
}

func (s *CrawlService) activeStopFields(stopID *string, restart bool) map[string]any {
	fields := map[string]any{"active_stop_id": stopID}
	switch {
	case stopID == nil:
		mergeFields(fields, timerFields(nil, 0))
	case restart:
		target := s.now().Add(s.settings.StopTimer)
		mergeFields(fields, timerFields(&target, s.settings.StopTimer))
	}
	return fields
}

// Arrival marks the active stop as reached, moves on to the next incomplete
// stop and restarts the stop timer.
func (s *CrawlService) Arrival(ctx context.Context) (*models.RouteStop, error) {
	route, err := s.readRoute(ctx)
	if err != nil {
		return nil, err
	}

	var upcoming *models.RouteStop
	var completed string
	err = s.guardedUpdate(ctx, func(st models.CrawlState) (map[string]any, error) {
		now := s.now()
		if remaining(st.TimerTarget, now) > 0 {
			return nil, ErrTimerRunning
		}
		if remaining(st.ArrivalCooldownUntil, now) > 0 {
			return nil, ErrCooldown
		}
		if st.ActiveStopID == nil {
			return nil, ErrNoActiveStop
		}
		found := false
		for i := range route {
			if route[i].ID == *st.ActiveStopID {
				route[i].Completed = true
				found = true
			}
		}
		if !found {
			return nil, ErrNoActiveStop
		}
		completed = *st.ActiveStopID

		upcoming = nextStop(route, st.ActiveStopID)
		var nextID *string
		if upcoming != nil {
			id := upcoming.ID
			nextID = &id
		}
		fields := s.activeStopFields(nextID, true)
		cooldown := now.Add(s.settings.ArrivalCooldown)
		fields["arrival_cooldown_until"] = &cooldown
		fields["mood_score"] = min(st.MoodScore+ArrivalMood, MoodMax)
		return fields, nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, models.TableRouteStops, completed, map[string]any{"completed": true}); err != nil {
		return upcoming, err
	}
	logger.Log.Infof("arrived, stop %s completed", completed)
	return upcoming, nil
}

// StartTimer sets the stop timer to run for d from now.
func (s *CrawlService) StartTimer(ctx context.Context, actor Actor, d time.Duration) error {
	if !actor.Admin {
		return ErrNotAdmin
	}
	return s.updateState(ctx, func(models.CrawlState) map[string]any {
		target := s.now().Add(d)
		return timerFields(&target, d)
	})
}

// ExtendTimer adds d to a set timer, or starts one when none is set.
func (s *CrawlService) ExtendTimer(ctx context.Context, actor Actor, d time.Duration) error {
	if !actor.Admin {
		return ErrNotAdmin
	}
	return s.updateState(ctx, func(st models.CrawlState) map[string]any {
		if st.TimerTarget == nil {
			target := s.now().Add(d)
			return timerFields(&target, d)
		}
		target := st.TimerTarget.Add(d)
		return timerFields(&target, time.Duration(st.TimerDuration)*time.Second+d)
	})
}

func (s *CrawlService) ResetTimer(ctx context.Context, actor Actor) error {
	if !actor.Admin {
		return ErrNotAdmin
	}
	return s.updateState(ctx, func(models.CrawlState) map[string]any {
		return timerFields(nil, 0)
	})
}

// timerFields stores the duration in whole seconds.
func timerFields(target *time.Time, d time.Duration) map[string]any {
	return map[string]any{
		"timer_target":   target,
		"timer_duration": int(d / time.Second),
	}
}

func mergeFields(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
