package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/chatmem/internal/config"
	"github.com/ent0n29/chatmem/internal/consolidation"
	"github.com/ent0n29/chatmem/internal/conversation"
	"github.com/ent0n29/chatmem/internal/ingest"
	"github.com/ent0n29/chatmem/internal/llm"
	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/observability"
	"github.com/ent0n29/chatmem/internal/rehydrate"
	"github.com/ent0n29/chatmem/internal/sweep"
	"github.com/ent0n29/chatmem/internal/turncache"
)

var metricsSeq atomic.Int64

type testServer struct {
	ts    *httptest.Server
	store *memory.InMemoryStore
	now   time.Time
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	if cfg.InactivityThreshold == 0 {
		cfg.InactivityThreshold = 3 * time.Hour
	}
	f := &testServer{
		store: memory.NewInMemoryStore(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })
	clock := func() time.Time { return f.now }

	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
	ing, err := ingest.New(f.store, 128, metrics, nil)
	if err != nil {
		t.Fatalf("ingest.New() error = %v", err)
	}
	mock := llm.NewMockClient()
	engine := consolidation.New(f.store, mock, mock, consolidation.Config{Thresholds: cfg.Thresholds()}, metrics, nil)
	engine.SetClock(clock)
	svc := conversation.NewService(ing, engine, rehydrate.New(f.store, 8), turncache.New(6, time.Hour), mock, conversation.Config{}, metrics, nil)
	sweeper := sweep.New(engine, f.store, sweep.Config{}, metrics, nil)
	sweeper.SetClock(clock)

	srv := New(cfg, Deps{
		Store:         f.store,
		Ingestor:      ing,
		Engine:        engine,
		Conversations: svc,
		Sweeper:       sweeper,
		Metrics:       metrics,
	})
	srv.now = clock
	f.ts = httptest.NewServer(srv.Router())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return res.StatusCode, out
}

func TestAppendMessageInsertsThenAbsorbsDuplicate(t *testing.T) {
	f := newTestServer(t, config.Config{})
	leg := map[string]any{"direction": "in", "provider_message_id": "wamid.9", "body": "hola"}

	status, body := f.do(t, http.MethodPost, "/v1/conversations/521/messages", leg)
	if status != http.StatusCreated {
		t.Fatalf("first status = %d, want %d (%v)", status, http.StatusCreated, body)
	}
	status, body = f.do(t, http.MethodPost, "/v1/conversations/521/messages", leg)
	if status != http.StatusOK || body["duplicate"] != true {
		t.Fatalf("redelivery = %d %v, want 200 duplicate", status, body)
	}

	status, _ = f.do(t, http.MethodPost, "/v1/conversations/521/messages", map[string]any{"direction": "sideways", "body": "x"})
	if status != http.StatusBadRequest {
		t.Fatalf("invalid direction status = %d, want 400", status)
	}
}

func TestInboundReturnsReplyAndContextSource(t *testing.T) {
	f := newTestServer(t, config.Config{})

	status, body := f.do(t, http.MethodPost, "/v1/conversations/c1/inbound", map[string]any{"text": "hola", "provider_message_id": "p1"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", status, body)
	}
	if text, _ := body["text"].(string); !strings.Contains(text, "hola") {
		t.Fatalf("reply text = %q", text)
	}
	if body["turns_source"] != conversation.TurnsFromStore {
		t.Fatalf("turns_source = %v, want store", body["turns_source"])
	}

	_, ctxBody := f.do(t, http.MethodGet, "/v1/conversations/c1/context", nil)
	if ctxBody["turns_source"] != conversation.TurnsFromCache {
		t.Fatalf("context turns_source = %v, want cache", ctxBody["turns_source"])
	}
	if turns, _ := ctxBody["turns"].([]any); len(turns) != 1 {
		t.Fatalf("context turns = %v, want 1", ctxBody["turns"])
	}

	status, _ = f.do(t, http.MethodPost, "/v1/conversations/c1/reset", nil)
	if status != http.StatusOK {
		t.Fatalf("reset status = %d", status)
	}
	_, ctxBody = f.do(t, http.MethodGet, "/v1/conversations/c1/context", nil)
	if ctxBody["turns_source"] != conversation.TurnsFromStore {
		t.Fatalf("context after reset = %v, want store turns", ctxBody["turns_source"])
	}
}

func TestConsolidateAndMemoryRoutes(t *testing.T) {
	f := newTestServer(t, config.Config{})
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodPost, "/v1/conversations/c1/messages", map[string]any{"direction": "in", "body": fmt.Sprintf("m%d", i)})
	}

	status, _ := f.do(t, http.MethodGet, "/v1/conversations/c1/memory", nil)
	if status != http.StatusNotFound {
		t.Fatalf("memory status = %d, want 404", status)
	}

	_, body := f.do(t, http.MethodPost, "/v1/conversations/c1/consolidate", nil)
	if body["consolidated"] != false || body["reason"] != "active" {
		t.Fatalf("inactive check = %v, want active skip", body)
	}

	_, body = f.do(t, http.MethodPost, "/v1/conversations/c1/consolidate?force=true", nil)
	if body["advanced"] != true || body["count"] != float64(3) {
		t.Fatalf("forced round = %v, want 3 drained", body)
	}

	status, body = f.do(t, http.MethodGet, "/v1/conversations/c1/memory", nil)
	if status != http.StatusOK || body["message_count"] != float64(3) {
		t.Fatalf("memory = %d %v", status, body)
	}
}

func TestReadyReportsPendingBacklog(t *testing.T) {
	f := newTestServer(t, config.Config{})
	f.do(t, http.MethodPost, "/v1/conversations/old/messages", map[string]any{"direction": "in", "body": "a"})
	f.do(t, http.MethodPost, "/v1/conversations/old/messages", map[string]any{"direction": "out", "body": "b"})
	f.now = f.now.Add(4 * time.Hour)
	f.do(t, http.MethodPost, "/v1/conversations/new/messages", map[string]any{"direction": "in", "body": "c"})

	status, body := f.do(t, http.MethodGet, "/readyz", nil)
	if status != http.StatusOK {
		t.Fatalf("ready status = %d", status)
	}
	if body["pending_to_summarize"] != float64(2) || body["store_mode"] != "memory" {
		t.Fatalf("ready body = %v", body)
	}

	_, health := f.do(t, http.MethodGet, "/healthz", nil)
	if health["status"] != "ok" {
		t.Fatalf("health = %v", health)
	}
}

func TestSweepRoute(t *testing.T) {
	f := newTestServer(t, config.Config{InactivityThreshold: time.Hour, SweepMargin: time.Hour})
	f.do(t, http.MethodPost, "/v1/conversations/c1/messages", map[string]any{"direction": "in", "body": "a"})
	f.now = f.now.Add(3 * time.Hour)

	status, body := f.do(t, http.MethodPost, "/v1/sweep", nil)
	if status != http.StatusOK || body["candidates"] != float64(1) {
		t.Fatalf("sweep = %d %v", status, body)
	}
}

func TestSweepRouteDisabledByZeroMargin(t *testing.T) {
	f := newTestServer(t, config.Config{})
	_, body := f.do(t, http.MethodPost, "/v1/sweep", nil)
	if body["disabled"] != true {
		t.Fatalf("sweep = %v, want disabled", body)
	}
}

func TestPerfLatencyRoute(t *testing.T) {
	f := newTestServer(t, config.Config{})
	f.do(t, http.MethodPost, "/v1/conversations/c1/inbound", map[string]any{"text": "hola"})

	status, body := f.do(t, http.MethodGet, "/v1/perf/latency", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	for _, key := range []string{"stages", "rounds", "summary_fallback_rate"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("perf body = %v, want %s", body, key)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newTestServer(t, config.Config{})
	res, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", res.StatusCode)
	}
}
