// Package llm adapts external language-completion services to the three
// capabilities the engine consumes: summarization, fact extraction and reply
// generation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/chatmem/internal/facts"
	"github.com/ent0n29/chatmem/internal/turncache"
)

// ErrEmptyCompletion is returned when the service answers with no text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Summarizer folds a transcript into an accumulated summary. prior may be empty.
type Summarizer interface {
	Summarize(ctx context.Context, prior, transcript string) (string, error)
}

// Extractor returns a sanitized fact delta for a transcript.
type Extractor interface {
	ExtractFacts(ctx context.Context, transcript string) (facts.Facts, error)
}

// ReplyContext is the bounded context handed to reply generation.
type ReplyContext struct {
	Summary string
	Facts   *facts.Facts
	Turns   []turncache.Turn
}

// Generator produces the agent reply for one inbound text.
type Generator interface {
	Reply(ctx context.Context, userText string, rc ReplyContext) (string, error)
}

// Client bundles all capabilities behind one backend.
type Client interface {
	Summarizer
	Extractor
	Generator
	// Model names the backend model, recorded on consolidated rows.
	Model() string
}

// Config controls adapter construction.
type Config struct {
	Mode             string
	APIKey           string
	BaseURL          string
	Model            string
	Language         string
	CallTimeout      time.Duration
	SummaryMaxTokens int
	FactsMaxTokens   int
	ReplyMaxTokens   int
}

func NewAdapter(cfg Config) (Client, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIClient(cfg)
		}
		return NewMockClient(), nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIClient(cfg)
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
