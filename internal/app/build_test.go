package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/chatmem/internal/config"
	"github.com/ent0n29/chatmem/internal/conversation"
	"github.com/ent0n29/chatmem/internal/memory"
)

func TestBuildWiresInMemoryStack(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:    fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		LLMMode:             "mock",
		CacheTurns:          6,
		CacheTTL:            time.Hour,
		RehydrateTurns:      8,
		DedupeCacheSize:     32,
		InactivityThreshold: 3 * time.Hour,
		SweepInterval:       time.Minute,
		BlockSize:           120,
		ResetKeywords:       []string{"reset"},
	}
	res, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	if got := memory.Backend(res.Store); got != "memory" {
		t.Fatalf("Backend() = %q, want memory", got)
	}
	if res.LLM.Model() != "mock" {
		t.Fatalf("LLM model = %q, want mock", res.LLM.Model())
	}

	reply, err := res.Conversations.HandleInbound(context.Background(), conversation.Inbound{ConversationID: "c1", Text: "hola"})
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if reply.Source != conversation.SourceAI || reply.Text == "" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestBuildRejectsUnknownLLMMode(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace: fmt.Sprintf("test_app_bad_%d", time.Now().UnixNano()),
		LLMMode:          "carrier-pigeon",
	}
	if _, err := Build(context.Background(), cfg, nil); err == nil {
		t.Fatalf("Build() error = nil, want unsupported mode")
	}
}
