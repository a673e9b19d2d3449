package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/pong"
	"github.com/wfunc/crawlparty/services"
)

const qrSize = 320

func (s *CrawlServer) routes() *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		logger.Log.Errorf("panic serving %s: %v", r.URL.Path, v)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}

	mux.GET("/ws", s.handleWebSocket)
	mux.GET("/healthz", serveHealthCheck)
	mux.GET("/version", s.serveVersion)
	mux.GET("/invite.png", s.serveInvite)
	mux.GET("/state", s.serveState)
	mux.Handler(http.MethodGet, "/metrics", s.deps.Monitor.Handler())

	return mux
}

func securityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
}

func serveHealthCheck(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	securityHeaders(w)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
}

func (s *CrawlServer) serveVersion(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	securityHeaders(w)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "crawlparty v"+s.opts.Version+"\n")
}

// serveInvite renders the public URL as a QR code so guests can scan
// their way in.
func (s *CrawlServer) serveInvite(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	png, err := qrcode.Encode(s.opts.PublicURL, qrcode.Medium, qrSize)
	if err != nil {
		logger.Log.Errorf("invite qr: %v", err)
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	securityHeaders(w)
	_, _ = w.Write(png)
}

// State is the read-only view served on /state.
type State struct {
	Crawl     services.Snapshot `json:"crawl"`
	OverUnder OverUnderState    `json:"over_under"`
	Match     *pong.MatchState  `json:"match,omitempty"`
	Owner     bool              `json:"owner"`
}

func (s *CrawlServer) serveState(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	st := State{
		Crawl:     s.deps.Crawl.Snapshot(),
		OverUnder: overUnderView(s.deps.OverUnder.Snapshot()),
		Owner:     s.deps.Pong.Owner(),
	}
	if m, ok := s.deps.Pong.Current(); ok {
		st.Match = &m
	}

	w.Header().Set("Content-Type", "application/json")
	securityHeaders(w)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		logger.Log.Debugf("write state: %v", err)
	}
}
