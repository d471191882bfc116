package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/chatmem/internal/config"
	"github.com/ent0n29/chatmem/internal/consolidation"
	"github.com/ent0n29/chatmem/internal/conversation"
	"github.com/ent0n29/chatmem/internal/ingest"
	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/observability"
	"github.com/ent0n29/chatmem/internal/sweep"
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Store         memory.Store
	Ingestor      *ingest.Ingestor
	Engine        *consolidation.Engine
	Conversations *conversation.Service
	Sweeper       *sweep.Scheduler
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

type Server struct {
	cfg           config.Config
	store         memory.Store
	ingestor      *ingest.Ingestor
	engine        *consolidation.Engine
	conversations *conversation.Service
	sweeper       *sweep.Scheduler
	metrics       *observability.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:           cfg,
		store:         deps.Store,
		ingestor:      deps.Ingestor,
		engine:        deps.Engine,
		conversations: deps.Conversations,
		sweeper:       deps.Sweeper,
		metrics:       deps.Metrics,
		logger:        logger.Named("http"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/conversations/{id}", func(r chi.Router) {
		r.Post("/messages", s.handleAppendMessage)
		r.Post("/inbound", s.handleInbound)
		r.Get("/context", s.handleContext)
		r.Get("/memory", s.handleMemory)
		r.Post("/consolidate", s.handleConsolidate)
		r.Post("/reset", s.handleReset)
	})
	r.Post("/v1/sweep", s.handleSweep)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": memory.Backend(s.store),
	})
}

// handleReady pings the store and reports the backlog of messages idle past
// the inline threshold.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "unavailable",
			"store_mode": memory.Backend(s.store),
			"error":      err.Error(),
		})
		return
	}

	th := s.cfg.Thresholds()
	pending, err := s.store.PendingOlderThan(ctx, s.now().Add(-th.Inline))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_error", err.Error())
		return
	}
	s.metrics.SetPending(pending)

	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ready",
		"store_mode":           memory.Backend(s.store),
		"pending_to_summarize": pending,
		"inline_threshold":     th.Inline.String(),
		"sweep_enabled":        th.SweepEnabled(),
		"sweep_threshold":      th.Sweep().String(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func conversationID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}
