// Package server exposes the websocket endpoint, the game-session REST API and
// the admin API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/auth"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/cache"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/connection"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/flush"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/mail"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/router"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/session"
)

const (
	maxConnections = 10000
	maxFrameSize   = 64 << 10
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

type Deps struct {
	Sessions    *session.Registry
	Router      *router.Router
	Verifier    *auth.Verifier
	Connections *connection.ConnectionManager
	Cache       *cache.Cache
	Coordinator *flush.Coordinator
	Scheduler   *flush.Scheduler
	Mail        *mail.Sweeper
	Gateway     database.Gateway
	AdminRole   string
	SessionTTL  time.Duration
	Now         func() time.Time
}

type Server struct {
	Deps
	upgrader websocket.Upgrader
	sem      chan struct{}
}

func New(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Connections == nil {
		deps.Connections = connection.NewConnectionManager()
	}
	return &Server{
		Deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sem: make(chan struct{}, maxConnections),
	}
}

// AppHandler serves game clients.
func (s *Server) AppHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, "ok", nil)
	})
	mux.HandleFunc("POST /api/v1/game-sessions", s.authenticated(s.handleCreateSession))
	mux.HandleFunc("POST /api/v1/game-sessions/{id}/refresh", s.authenticated(s.handleRefreshSession))
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	return mux
}

// AdminHandler serves operators. Every route requires the admin role.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/cache/status", s.admin(s.handleCacheStatus))
	mux.HandleFunc("POST /admin/cache/toggle", s.admin(s.handleCacheToggle))
	mux.HandleFunc("POST /admin/cache/flush", s.admin(s.handleCacheFlush))
	mux.HandleFunc("GET /admin/flush/stats", s.admin(s.handleFlushStats))
	mux.HandleFunc("GET /admin/flush/candidates/{kind}", s.admin(s.handleFlushCandidates))
	mux.HandleFunc("POST /admin/mail", s.admin(s.handleTrackMail))
	mux.HandleFunc("POST /admin/mail/sweep", s.admin(s.handleMailSweep))
	return mux
}

type response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response{Status: status, Message: message, Data: data}); err != nil {
		logger.WarnF("Fail to write response, details: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := s.Verifier.Verify(auth.BearerToken(r))
	if err != nil {
		logger.DebugF("Reject request to %s: %v", r.URL.Path, err)
		writeJSON(w, http.StatusUnauthorized, "unauthorized", nil)
		return auth.Principal{}, false
	}
	return p, true
}

func (s *Server) authenticated(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, ok := s.principal(w, r); ok {
			next(w, r, p)
		}
	}
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.principal(w, r)
		if !ok {
			return
		}
		if !p.HasRole(s.AdminRole) {
			writeJSON(w, http.StatusForbidden, "forbidden", nil)
			return
		}
		next(w, r)
	}
}

// HTTPServer runs one listener and stops with the cleaner.
type HTTPServer struct {
	name string
	srv  *http.Server
}

func NewHTTPServer(name string, port int, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		name: name,
		srv: &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// OnShutdown registers f to run when the server shuts down. Hijacked
// websocket connections are not tracked by http.Server and need this.
func (h *HTTPServer) OnShutdown(f func()) {
	h.srv.RegisterOnShutdown(f)
}

// Start listens synchronously so a port conflict fails start-up, then serves
// in the background.
func (h *HTTPServer) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", h.srv.Addr)
	if err != nil {
		return nil, err
	}
	logger.InfoF("%s server listen on %s", h.name, ln.Addr().String())
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("%s server stopped: %v", h.name, err)
		}
	}()
	return ln.Addr(), nil
}

func (h *HTTPServer) Invoke(ctx context.Context) error {
	logger.InfoF("Stopping %s server", h.name)
	return h.srv.Shutdown(ctx)
}
