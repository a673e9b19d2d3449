package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/crawlparty/deck"
	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/models"
	"github.com/wfunc/crawlparty/network"
	"github.com/wfunc/crawlparty/overunder"
	"github.com/wfunc/crawlparty/persistence"
	"github.com/wfunc/crawlparty/pong"
	"github.com/wfunc/crawlparty/services"
	"github.com/wfunc/crawlparty/session"
	"github.com/wfunc/crawlparty/timer"
)

// Actions confirmed by holding a control.
const (
	HoldDrink        = "drink"
	HoldArrival      = "arrival"
	HoldNextRound    = "next_round"
	HoldResetRanking = "reset_ranking"
)

var holdActions = []string{HoldDrink, HoldArrival, HoldNextRound, HoldResetRanking}

var (
	ErrNotLoggedIn   = errors.New("log in first")
	ErrUnknownAction = errors.New("unknown action")
	ErrBadRequest    = errors.New("malformed request")
)

func isStoreError(err error) bool {
	var storeErr *persistence.StoreError
	return errors.As(err, &storeErr)
}

func actor(sess *session.Session) services.Actor {
	return services.Actor{ParticipantID: sess.ParticipantID(), Admin: sess.Admin()}
}

func decode(packet *network.Packet, v any) error {
	if err := json.Unmarshal(packet.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (s *CrawlServer) handleLogin(sess *session.Session, packet *network.Packet) {
	var req network.LoginRequest
	if err := decode(packet, &req); err != nil {
		s.fail(sess, "login", err)
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	p, err := s.deps.Crawl.Login(ctx, req.Name)
	if err != nil {
		s.fail(sess, "login", err)
		return
	}
	sess.Login(p.ID, p.Name)
	logger.Log.Infof("Session %s logged in as %s", sess.GetID(), p.Name)
	s.sendSessionInfo(sess)
}

func (s *CrawlServer) handleLogout(sess *session.Session) {
	for _, action := range holdActions {
		s.cancelHold(sess, action)
	}
	sess.Logout()
	s.sendSessionInfo(sess)
}

func (s *CrawlServer) handleUnlock(sess *session.Session, packet *network.Packet) {
	var req network.UnlockRequest
	if err := decode(packet, &req); err != nil {
		s.fail(sess, "unlock", err)
		return
	}
	if !s.deps.Crawl.Unlock(req.Code) {
		logger.Log.Warnf("Session %s sent a wrong admin code", sess.GetID())
		s.notice(sess, "warn", "wrong code")
		return
	}
	sess.Unlock()
	logger.Log.Infof("Session %s unlocked admin controls", sess.GetID())
	s.sendSessionInfo(sess)
}

func (s *CrawlServer) handleCrawlAction(sess *session.Session, packet *network.Packet) {
	var req network.CrawlAction
	if err := decode(packet, &req); err != nil {
		s.fail(sess, "crawl action", err)
		return
	}

	ctx, cancel := s.requestContext()
	defer cancel()

	var err error
	switch req.Type {
	case "hold_start":
		err = s.startHold(sess, req.Action)
	case "hold_cancel":
		s.cancelHold(sess, req.Action)
	case "toggle_stop":
		if req.StopID == nil {
			err = ErrBadRequest
			break
		}
		err = s.deps.Crawl.ToggleStop(ctx, *req.StopID)
	case "set_active_stop":
		err = s.deps.Crawl.SetActiveStop(ctx, actor(sess), req.StopID, req.Restart)
	case "timer_start":
		err = s.deps.Crawl.StartTimer(ctx, actor(sess), time.Duration(req.Minutes)*time.Minute)
	case "timer_extend":
		err = s.deps.Crawl.ExtendTimer(ctx, actor(sess), time.Duration(req.Minutes)*time.Minute)
	case "timer_reset":
		err = s.deps.Crawl.ResetTimer(ctx, actor(sess))
	case "set_mood":
		err = s.deps.Crawl.SetMood(ctx, actor(sess), req.Value)
	case "delete_participant":
		err = s.deps.Crawl.DeleteParticipant(ctx, actor(sess), req.ParticipantID)
		if err == nil {
			s.logoutParticipant(req.ParticipantID)
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, req.Type)
	}
	if err != nil {
		s.fail(sess, "crawl "+req.Type, err)
	}
}

// logoutParticipant drops the identity of every session logged in as id.
func (s *CrawlServer) logoutParticipant(id string) {
	for _, sess := range s.sessionManager.GetByParticipantID(id) {
		s.handleLogout(sess)
	}
}

func holdKey(action string) string {
	return "hold:" + action
}

// startHold arms action for this session. Guards that depend only on the
// session are checked up front so the user learns early.
func (s *CrawlServer) startHold(sess *session.Session, action string) error {
	switch action {
	case HoldDrink:
		if sess.ParticipantID() == "" {
			return ErrNotLoggedIn
		}
	case HoldResetRanking:
		if !sess.Admin() {
			return services.ErrNotAdmin
		}
	case HoldArrival, HoldNextRound:
	default:
		return fmt.Errorf("%w: hold %q", ErrUnknownAction, action)
	}

	s.cancelHold(sess, action)
	handle := s.deps.Hold.Start(func() {
		sess.Delete(holdKey(action))
		s.completeHold(sess, action)
	}, s.opts.HoldDuration)
	sess.Set(holdKey(action), handle)
	return nil
}

func (s *CrawlServer) cancelHold(sess *session.Session, action string) {
	handle, ok := sess.Delete(holdKey(action)).(timer.Handle)
	if ok {
		s.deps.Hold.Cancel(handle)
	}
}

func (s *CrawlServer) completeHold(sess *session.Session, action string) {
	ctx, cancel := s.requestContext()
	defer cancel()

	var err error
	switch action {
	case HoldDrink:
		participantID := sess.ParticipantID()
		if participantID == "" {
			err = ErrNotLoggedIn
			break
		}
		var beers int
		if beers, err = s.deps.Crawl.LogDrink(ctx, participantID); err == nil {
			s.deps.Monitor.IncDrinks()
			s.notice(sess, "info", fmt.Sprintf("Cheers! Beer number %d", beers))
		}
	case HoldArrival:
		var next *models.RouteStop
		if next, err = s.deps.Crawl.Arrival(ctx); err == nil {
			if next != nil {
				s.announce("Arrived! Next stop: " + next.Name)
			} else {
				s.announce("Arrived at the last stop!")
			}
		}
	case HoldNextRound:
		var winner models.Participant
		if winner, err = s.deps.Crawl.NextRound(ctx); err == nil {
			s.announce(winner.Name + " buys the next round!")
			s.tell(winner.ID, "Your round!")
		}
	case HoldResetRanking:
		if !sess.Admin() {
			err = services.ErrNotAdmin
			break
		}
		if err = s.deps.Crawl.ResetRanking(ctx); err == nil {
			s.announce("The ranking was reset")
		}
	}
	if err != nil {
		s.fail(sess, action, err)
		return
	}
	s.deps.Monitor.IncHoldCompleted(action)
}

// tell sends an info notice to every session of one participant.
func (s *CrawlServer) tell(participantID, message string) {
	data, err := json.Marshal(network.Notice{Level: "info", Message: message})
	if err != nil {
		logger.Log.Errorf("encode notice: %v", err)
		return
	}
	if err := s.broadcaster.BroadcastToParticipants([]string{participantID}, network.MsgTypeNotice, data); err != nil {
		logger.Log.Errorf("notice to %s: %v", participantID, err)
	}
}

func (s *CrawlServer) handleOverUnderAction(sess *session.Session, packet *network.Packet) {
	var req network.OverUnderAction
	if err := decode(packet, &req); err != nil {
		s.fail(sess, "over/under action", err)
		return
	}

	game := s.deps.OverUnder
	switch req.Type {
	case "guess":
		dir, err := deck.ParseDirection(req.Direction)
		if err != nil {
			s.fail(sess, "guess", err)
			return
		}
		if !game.CanGuess(sess.ParticipantID()) {
			s.fail(sess, "guess", overunder.ErrNotYourTurn)
			return
		}
		out := game.Guess(dir)
		if !out.Dealt {
			s.deps.Monitor.IncGuess(out.Correct)
		}
		view := overUnderView(game.Snapshot())
		view.Outcome = &out
		s.publishOverUnder(view)
		return
	case "reset":
		game.Reset()
	case "ace_mode":
		mode, err := deck.ParseAceMode(req.AceMode)
		if err != nil {
			s.fail(sess, "ace mode", err)
			return
		}
		game.SetAceMode(mode)
	case "set_active_player":
		if err := game.SetActivePlayer(req.PlayerID, s.deps.Crawl.ParticipantIDs()); err != nil {
			s.fail(sess, "set active player", err)
			return
		}
	case "advance_turn":
		if _, ok := game.AdvanceTurn(s.deps.Crawl.ParticipantIDs()); !ok {
			s.notice(sess, "warn", "nobody to pass the turn to")
			return
		}
	default:
		s.fail(sess, "over/under action", fmt.Errorf("%w: %q", ErrUnknownAction, req.Type))
		return
	}
	s.broadcastOverUnder(game.Snapshot())
}

func (s *CrawlServer) handlePongAction(sess *session.Session, packet *network.Packet) {
	var req network.PongAction
	if err := decode(packet, &req); err != nil {
		s.fail(sess, "pong action", err)
		return
	}

	switch req.Type {
	case "start":
		for _, id := range []string{req.Player1ID, req.Player2ID} {
			if _, ok := s.deps.Crawl.Participant(id); !ok {
				s.fail(sess, "pong start", fmt.Errorf("%w: %s", services.ErrUnknownParticipant, id))
				return
			}
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		m, err := s.deps.Pong.StartMatch(ctx, req.Player1ID, req.Player2ID)
		if errors.Is(err, pong.ErrSamePlayer) {
			logger.Log.Debugf("pong start ignored for session %s: %v", sess.GetID(), err)
			return
		}
		if err != nil {
			s.fail(sess, "pong start", err)
			return
		}
		s.deps.Monitor.IncMatchesStarted()
		s.broadcastPong(m)
	case "move":
		if sess.ParticipantID() == "" {
			s.fail(sess, "paddle", ErrNotLoggedIn)
			return
		}
		dir, err := pong.ParseDirection(req.Direction)
		if err != nil {
			s.fail(sess, "paddle", err)
			return
		}
		if err := s.deps.Pong.MovePaddle(sess.ParticipantID(), dir); err != nil {
			s.fail(sess, "paddle", err)
		}
	default:
		s.fail(sess, "pong action", fmt.Errorf("%w: %q", ErrUnknownAction, req.Type))
	}
}
