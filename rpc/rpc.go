package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"time"

	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/overunder"
	"github.com/wfunc/crawlparty/pong"
	"github.com/wfunc/crawlparty/services"
)

const callTimeout = 5 * time.Second

// Server manages the admin RPC listener.
type Server struct {
	listener net.Listener
	address  string
	rpc      *rpc.Server
}

// NewServer listens on addr and serves the given admin service.
func NewServer(addr string, admin *AdminService) (*Server, error) {
	srv := rpc.NewServer()
	if err := srv.Register(admin); err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  listener.Addr().String(),
		rpc:      srv,
	}, nil
}

func (s *Server) Addr() string {
	return s.address
}

// Start accepts connections until Stop is called.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go s.rpc.ServeConn(conn)
	}
}

func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

type OverUnder interface {
	Reset() overunder.Snapshot
	Snapshot() overunder.Snapshot
}

type Matches interface {
	StartMatch(ctx context.Context, player1ID, player2ID string) (pong.MatchState, error)
	Current() (pong.MatchState, bool)
}

type Crawl interface {
	ResetRanking(ctx context.Context) error
	Snapshot() services.Snapshot
}

// AdminService exposes operator controls over net/rpc.
type AdminService struct {
	overUnder OverUnder
	matches   Matches
	crawl     Crawl
}

func NewAdminService(ou OverUnder, matches Matches, crawl Crawl) *AdminService {
	return &AdminService{overUnder: ou, matches: matches, crawl: crawl}
}

// Request identifies the operator in the server log. gob needs at least
// one exported field.
type Request struct {
	Operator string
}

type Ack struct {
	OK bool
}

type OverUnderReply struct {
	Snapshot overunder.Snapshot
}

func (a *AdminService) ResetOverUnder(req *Request, reply *OverUnderReply) error {
	logger.Log.Infof("admin %q reset over/under", req.Operator)
	reply.Snapshot = a.overUnder.Reset()
	return nil
}

type StartMatchArgs struct {
	Operator  string
	Player1ID string
	Player2ID string
}

type MatchReply struct {
	Match pong.MatchState
}

func (a *AdminService) StartMatch(args *StartMatchArgs, reply *MatchReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	logger.Log.Infof("admin %q starts match %s vs %s", args.Operator, args.Player1ID, args.Player2ID)
	m, err := a.matches.StartMatch(ctx, args.Player1ID, args.Player2ID)
	if err != nil {
		return err
	}
	reply.Match = m
	return nil
}

func (a *AdminService) ResetRanking(req *Request, reply *Ack) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	logger.Log.Infof("admin %q reset the ranking", req.Operator)
	if err := a.crawl.ResetRanking(ctx); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

type StatusReply struct {
	Crawl     services.Snapshot
	OverUnder overunder.Snapshot
	Match     *pong.MatchState
}

func (a *AdminService) Status(_ *Request, reply *StatusReply) error {
	reply.Crawl = a.crawl.Snapshot()
	reply.OverUnder = a.overUnder.Snapshot()
	if m, ok := a.matches.Current(); ok {
		reply.Match = &m
	}
	return nil
}
