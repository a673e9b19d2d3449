package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/wfunc/crawlparty/broadcast"
	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/monitor"
	"github.com/wfunc/crawlparty/network"
	"github.com/wfunc/crawlparty/overunder"
	"github.com/wfunc/crawlparty/pong"
	"github.com/wfunc/crawlparty/replication"
	crawlrpc "github.com/wfunc/crawlparty/rpc"
	"github.com/wfunc/crawlparty/services"
	"github.com/wfunc/crawlparty/session"
	"github.com/wfunc/crawlparty/timer"
)

const (
	requestTimeout   = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
	heartbeatTimeout = 30 * time.Second
	pongFrame        = 50 * time.Millisecond
)

type Options struct {
	HTTPAddress  string
	PublicURL    string
	HoldDuration time.Duration
	Version      string
}

// Deps are the collaborators a CrawlServer drives. RPC is optional.
type Deps struct {
	Crawl         *services.CrawlService
	OverUnder     *overunder.Game
	OverUnderSync *replication.OverUnderSync
	Pong          *replication.PongSync
	Hold          *timer.Hold
	Monitor       *monitor.Monitor
	RPC           *crawlrpc.Server
}

type CrawlServer struct {
	opts           Options
	deps           Deps
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	broadcaster    broadcast.Broadcaster
	router         *httprouter.Router
	httpServer     *http.Server
	shutdownChan   chan struct{}
	shutdownOnce   sync.Once
}

func NewCrawlServer(opts Options, deps Deps) *CrawlServer {
	s := &CrawlServer{
		opts:           opts,
		deps:           deps,
		sessionManager: session.NewManager(),
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	b := broadcast.NewSessionBroadcaster(s.sessionManager)
	b.OnSendError(deps.Monitor.IncSendFailures)
	s.broadcaster = b

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              opts.HTTPAddress,
		Handler:           s.router,
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: requestTimeout,
	}
	return s
}

func (s *CrawlServer) Handler() http.Handler {
	return s.router
}

// startServices loads shared state and starts following the store. The
// over/under game goes first so a fresh crawl_state row gets its ace mode,
// and it is dealt when the shared row has no card yet.
func (s *CrawlServer) startServices(ctx context.Context) error {
	if err := s.deps.OverUnderSync.Start(ctx, s.deps.OverUnder, s.broadcastOverUnder); err != nil {
		return err
	}
	if s.deps.OverUnder.EnsureDealt() {
		logger.Log.Info("Dealt the first over/under card.")
	}
	if err := s.deps.Crawl.Start(ctx, s.broadcastCrawl); err != nil {
		return err
	}
	return s.deps.Pong.Start(ctx, s.broadcastPong)
}

func (s *CrawlServer) stopServices() {
	s.deps.Pong.Stop()
	s.deps.OverUnderSync.Stop()
	s.deps.Crawl.Stop()
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *CrawlServer) Start(ctx context.Context) error {
	if err := s.startServices(ctx); err != nil {
		return err
	}
	if s.deps.RPC != nil {
		go s.deps.RPC.Start()
	}
	go s.pushPongFrames()

	errs := make(chan error, 1)
	go func() {
		logger.Log.Infof("Crawl server listening on %s", s.opts.HTTPAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		s.Shutdown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warnf("http shutdown: %v", err)
	}
	s.Shutdown()
	return nil
}

func (s *CrawlServer) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		if s.deps.RPC != nil {
			s.deps.RPC.Stop()
		}
		for _, sess := range s.sessionManager.All() {
			sess.Close()
		}
		s.stopServices()
	})
}

func (s *CrawlServer) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(network.NewWSConnection(conn))
}

func (s *CrawlServer) handleConnection(conn network.Connection) {
	conn.SetHeartbeat(heartbeatTimeout)
	sess := s.openSession(conn)

	defer s.closeSession(sess)

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			packet, err := conn.ReadPacket()
			if err != nil {
				return
			}
			s.handlePacket(sess, packet)
		}
	}
}

func (s *CrawlServer) openSession(conn network.Connection) *session.Session {
	sess := session.NewSession(uuid.New().String(), conn)
	s.sessionManager.Add(sess)
	s.deps.Monitor.IncOnlineSessions()
	logger.Log.Infof("New connection from %s, session ID: %s", conn.RemoteAddr(), sess.GetID())

	s.sendSessionInfo(sess)
	s.sendJSON(sess, network.MsgTypeCrawlState, s.deps.Crawl.Snapshot())
	s.sendJSON(sess, network.MsgTypeOverUnderState, overUnderView(s.deps.OverUnder.Snapshot()))
	if m, ok := s.deps.Pong.Current(); ok {
		s.sendJSON(sess, network.MsgTypePongState, m)
	}
	return sess
}

func (s *CrawlServer) closeSession(sess *session.Session) {
	logger.Log.Infof("Connection closed from %s, session ID: %s", sess.Conn.RemoteAddr(), sess.GetID())
	for _, action := range holdActions {
		s.cancelHold(sess, action)
	}
	s.sessionManager.Remove(sess.GetID())
	s.deps.Monitor.DecOnlineSessions()
	sess.Close()
}

func (s *CrawlServer) handlePacket(sess *session.Session, packet *network.Packet) {
	start := time.Now()
	s.deps.Monitor.IncMessagesReceived(strconv.Itoa(int(packet.MsgID)))
	defer func() { s.deps.Monitor.ObserveMessageLatency(time.Since(start)) }()

	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.Touch()
	case network.MsgTypeLogin:
		s.handleLogin(sess, packet)
	case network.MsgTypeLogout:
		s.handleLogout(sess)
	case network.MsgTypeAdminUnlock:
		s.handleUnlock(sess, packet)
	case network.MsgTypeCrawlAction:
		s.handleCrawlAction(sess, packet)
	case network.MsgTypeOverUnderAction:
		s.handleOverUnderAction(sess, packet)
	case network.MsgTypePongAction:
		s.handlePongAction(sess, packet)
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
	}
}

func (s *CrawlServer) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func (s *CrawlServer) sendJSON(sess *session.Session, msgID uint16, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Log.Errorf("encode message %d: %v", msgID, err)
		return
	}
	if err := sess.Send(msgID, data); err != nil {
		logger.Log.Debugf("send %d to session %s: %v", msgID, sess.GetID(), err)
		s.deps.Monitor.IncSendFailures()
	}
}

func (s *CrawlServer) sendSessionInfo(sess *session.Session) {
	s.sendJSON(sess, network.MsgTypeSessionInfo, network.SessionInfo{
		SessionID:     sess.GetID(),
		ParticipantID: sess.ParticipantID(),
		Name:          sess.Name(),
		Admin:         sess.Admin(),
	})
}

func (s *CrawlServer) notice(sess *session.Session, level, message string) {
	s.sendJSON(sess, network.MsgTypeNotice, network.Notice{Level: level, Message: message})
}

// fail reports err to the session. Store failures are errors, everything
// else is a refused action.
func (s *CrawlServer) fail(sess *session.Session, what string, err error) {
	level := "warn"
	if isStoreError(err) {
		level = "error"
		logger.Log.Errorw(what+" failed", "session", sess.GetID(), "error", err)
	} else {
		logger.Log.Debugf("%s refused for session %s: %v", what, sess.GetID(), err)
	}
	s.notice(sess, level, err.Error())
}

func (s *CrawlServer) announce(message string) {
	if err := broadcast.JSON(s.broadcaster, network.MsgTypeNotice, network.Notice{Level: "info", Message: message}); err != nil {
		logger.Log.Errorf("announce: %v", err)
	}
}

func (s *CrawlServer) broadcastCrawl(snap services.Snapshot) {
	s.deps.Monitor.SetParticipants(len(snap.Participants))
	if err := broadcast.JSON(s.broadcaster, network.MsgTypeCrawlState, snap); err != nil {
		logger.Log.Errorf("broadcast crawl state: %v", err)
	}
}

// OverUnderState is the over/under view sent to browsers.
type OverUnderState struct {
	overunder.Snapshot
	Phase    overunder.Phase    `json:"phase"`
	Progress string             `json:"progress"`
	Outcome  *overunder.Outcome `json:"outcome,omitempty"`
}

func overUnderView(snap overunder.Snapshot) OverUnderState {
	phase := overunder.PhaseAwaitingGuess
	if snap.Current == nil {
		phase = overunder.PhaseUndealt
	}
	return OverUnderState{Snapshot: snap, Phase: phase, Progress: snap.Progress()}
}

func (s *CrawlServer) broadcastOverUnder(snap overunder.Snapshot) {
	s.publishOverUnder(overUnderView(snap))
}

func (s *CrawlServer) publishOverUnder(view OverUnderState) {
	if err := broadcast.JSON(s.broadcaster, network.MsgTypeOverUnderState, view); err != nil {
		logger.Log.Errorf("broadcast over/under state: %v", err)
	}
}

func (s *CrawlServer) broadcastPong(m pong.MatchState) {
	if err := broadcast.JSON(s.broadcaster, network.MsgTypePongState, m); err != nil {
		logger.Log.Errorf("broadcast pong state: %v", err)
	}
}

// pushPongFrames streams the owned match between store syncs so browsers
// see the ball move smoothly.
func (s *CrawlServer) pushPongFrames() {
	ticker := time.NewTicker(pongFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !s.deps.Pong.Owner() {
				continue
			}
			if m, ok := s.deps.Pong.Current(); ok && m.Status == pong.StatusActive {
				s.broadcastPong(m)
			}
		case <-s.shutdownChan:
			return
		}
	}
}
