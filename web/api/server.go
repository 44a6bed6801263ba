// Package api exposes the orchestrator over HTTP: read-only session and
// run-history endpoints, control endpoints for start/stop/kill and error
// recovery, and a live event feed over SSE and websocket. The API only
// talks to the registry and stores; it holds no run state of its own.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
	"github.com/fluxdesk/autorun-orchestrator/internal/runstore"
)

// Orchestrator is the control surface the API forwards to; normally the
// registry.
type Orchestrator interface {
	StartBatchRun(ctx context.Context, sessionID, folder string, cfg domain.RunConfig) error
	StopBatchRun(sessionID string)
	KillBatchRun(sessionID string)
	SkipCurrentDocument(sessionID string)
	ResumeAfterError(sessionID string)
	AbortBatchOnError(sessionID string)
	GetBatchState(sessionID string) domain.BatchRunState
	ActiveBatchSessionIDs() []string
}

// History reads persisted runs and achievements
type History interface {
	ListRecentRuns(limit int) ([]runstore.RunRecord, error)
	ListAchievements() ([]runstore.Achievement, error)
}

// QueueView reads and appends to per-session queues
type QueueView interface {
	Items(sessionID string) []domain.QueuedItem
	Enqueue(sessionID string, item domain.QueuedItem) (domain.QueuedItem, error)
}

// Server is the HTTP API server
type Server struct {
	orch    Orchestrator
	history History
	queue   QueueView
	log     *slog.Logger

	mux    *http.ServeMux
	hub    *Hub
	httpd  *http.Server
	unsubs []uint64
	bus    *events.Bus
}

// NewServer creates a new API server wired to the event bus
func NewServer(orch Orchestrator, history History, queue QueueView, bus *events.Bus, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		orch:    orch,
		history: history,
		queue:   queue,
		log:     log,
		mux:     http.NewServeMux(),
		hub:     NewHub(),
		bus:     bus,
	}
	s.setupRoutes()
	if bus != nil {
		id := bus.SubscribeAll(func(e events.Event) {
			s.hub.Broadcast(FeedEvent{Type: e.EventType(), Data: e})
		})
		s.unsubs = append(s.unsubs, id)
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/sessions", s.listSessionsHandler)
	s.mux.HandleFunc("GET /api/sessions/{id}/state", s.getStateHandler)
	s.mux.HandleFunc("POST /api/sessions/{id}/start", s.startHandler)
	s.mux.HandleFunc("POST /api/sessions/{id}/stop", s.stopHandler)
	s.mux.HandleFunc("POST /api/sessions/{id}/kill", s.killHandler)
	s.mux.HandleFunc("POST /api/sessions/{id}/skip", s.skipHandler)
	s.mux.HandleFunc("POST /api/sessions/{id}/resume", s.resumeHandler)
	s.mux.HandleFunc("POST /api/sessions/{id}/abort", s.abortHandler)
	s.mux.HandleFunc("GET /api/sessions/{id}/queue", s.listQueueHandler)
	s.mux.HandleFunc("POST /api/sessions/{id}/queue", s.enqueueHandler)
	s.mux.HandleFunc("GET /api/runs", s.listRunsHandler)
	s.mux.HandleFunc("GET /api/achievements", s.listAchievementsHandler)
	s.mux.HandleFunc("GET /api/events", s.sseHandler)
	s.mux.HandleFunc("GET /ws", s.wsHandler)
}

// Handler returns the server's HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the hub and the HTTP listener until ctx is done
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.httpd = &http.Server{Addr: addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpd.ListenAndServe() }()

	s.log.Info("web API listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return s.httpd.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close detaches the server from the event bus
func (s *Server) Close() {
	if s.bus != nil {
		for _, id := range s.unsubs {
			s.bus.Unsubscribe(id)
		}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
