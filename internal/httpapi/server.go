// Package httpapi exposes the director's state, budget, and memory over a
// small JSON HTTP surface plus a WebSocket status feed, so a dashboard can
// observe and steer the agent without going through a chat channel.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/jarvis-core/internal/blob"
	"github.com/stellarlinkco/jarvis-core/internal/budget"
	"github.com/stellarlinkco/jarvis-core/internal/config"
	"github.com/stellarlinkco/jarvis-core/internal/core"
	"github.com/stellarlinkco/jarvis-core/internal/memory"
	"github.com/stellarlinkco/jarvis-core/internal/planner"
	"github.com/stellarlinkco/jarvis-core/internal/state"
)

// Server wires the director's subsystems to HTTP handlers. It holds no
// state of its own beyond the WebSocket hub; every read or write goes
// straight through to the owning subsystem.
type Server struct {
	store    *state.Store
	budget   *budget.Tracker
	memory   *memory.Engine
	blobLog  *blob.Log
	loop     *core.Loop
	embedder planner.Embedder
	auth     config.AuthConfig
	hub      *Hub
	log      zerolog.Logger

	httpSrv *http.Server
}

// New builds a Server around an already-constructed Hub. Build the Hub
// first, hand its Broadcast method to core.New as the status-push callback,
// then pass the same Hub and the resulting Loop here.
func New(store *state.Store, budgetTracker *budget.Tracker, memEngine *memory.Engine, blobLog *blob.Log, loop *core.Loop, embedder planner.Embedder, auth config.AuthConfig, hub *Hub, log zerolog.Logger) *Server {
	return &Server{
		store:    store,
		budget:   budgetTracker,
		memory:   memEngine,
		blobLog:  blobLog,
		loop:     loop,
		embedder: embedder,
		auth:     auth,
		hub:      hub,
		log:      log,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /budget", s.handleBudget)
	mux.HandleFunc("GET /memory/stats", s.handleMemoryStats)
	mux.HandleFunc("GET /memory/vector", s.handleMemoryVector)
	mux.HandleFunc("GET /memory/blob", s.handleMemoryBlob)
	mux.HandleFunc("GET /memory/working", s.handleMemoryWorking)
	mux.HandleFunc("GET /memory/short-term", s.handleMemoryShortTerm)
	mux.HandleFunc("PUT /memory/config", s.handleMemoryConfig)
	mux.HandleFunc("POST /directive", s.handleSetDirective)
	mux.HandleFunc("POST /goals", s.handleSetGoals)
	mux.HandleFunc("POST /control/pause", s.handleControlPause)
	mux.HandleFunc("POST /control/resume", s.handleControlResume)
	mux.HandleFunc("POST /control/wake", s.handleControlWake)
	mux.HandleFunc("POST /budget/override", s.requireCreator(s.handleBudgetOverride))
	mux.HandleFunc("POST /providers", s.handleRegisterProvider)
	mux.HandleFunc("PUT /providers/{name}", s.handleAdjustProvider)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /chat/history", s.handleChatHistory)
	mux.HandleFunc("GET /analytics", s.handleAnalytics)
	mux.HandleFunc("GET /ws", s.hub.handleWebSocket)

	return mux
}

// Start begins serving on addr and blocks until ctx is cancelled, at which
// point it shuts the listener down with a bounded grace period.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http api listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// requireCreator wraps a handler with the single-creator-token gate used by
// the budget-override and (indirectly, via selfupdate) new-remote-push
// paths. Auth.Mode "off" leaves the route open, matching the default when
// no creator token has been configured.
func (s *Server) requireCreator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Mode != "single-creator-token" {
			next(w, r)
			return
		}
		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) > len(prefix) && token[:len(prefix)] == prefix {
			token = token[len(prefix):]
		}
		if token == "" || token != s.auth.CreatorToken {
			writeError(w, http.StatusUnauthorized, "creator authentication required")
			return
		}
		next(w, r)
	}
}
