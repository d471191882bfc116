package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/chatmem/internal/consolidation"
	"github.com/ent0n29/chatmem/internal/llm"
	"github.com/ent0n29/chatmem/internal/redact"
)

// Config contains all runtime settings for the conversation memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogDebug         bool
	LogJSON          bool

	DatabaseURL string

	CacheTurns      int
	CacheTTL        time.Duration
	RehydrateTurns  int
	DedupeCacheSize int

	InactivityThreshold time.Duration
	SweepMargin         time.Duration
	SweepInterval       time.Duration
	SweepConversations  int
	SweepRounds         int
	SweepConcurrency    int
	BlockSize           int
	InlineTimeout       time.Duration
	RedactPII           bool
	RedactPhones        bool

	LLMMode          string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	LLMCallTimeout   time.Duration
	SummaryMaxTokens int
	FactsMaxTokens   int
	ReplyMaxTokens   int
	Language         string

	ResetKeywords []string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "chatmem"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		LLMMode:          envOrDefault("LLM_MODE", "auto"),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:    stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:      envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		// Summaries and replies are written in the contacts' language.
		Language:            envOrDefault("AI_LANG", "es"),
		ResetKeywords:       splitList(envOrDefault("RESET_KEYWORDS", "reset,reiniciar,nuevo")),
		ShutdownTimeout:     15 * time.Second,
		CacheTurns:          6,
		CacheTTL:            120 * time.Minute,
		RehydrateTurns:      8,
		DedupeCacheSize:     2000,
		InactivityThreshold: 180 * time.Minute,
		// 0 disables the background sweep.
		SweepMargin:        0,
		SweepInterval:      300 * time.Second,
		SweepConversations: 10,
		SweepRounds:        5,
		SweepConcurrency:   1,
		BlockSize:          120,
		InlineTimeout:      45 * time.Second,
		RedactPII:          true,
		LLMCallTimeout:     30 * time.Second,
		SummaryMaxTokens:   260,
		FactsMaxTokens:     220,
		ReplyMaxTokens:     120,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"CTX_TTL", &cfg.CacheTTL},
		{"SUM_INACTIVITY", &cfg.InactivityThreshold},
		{"SUM_SECOND_SWEEP", &cfg.SweepMargin},
		{"SUM_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"SUM_INLINE_TIMEOUT", &cfg.InlineTimeout},
		{"LLM_CALL_TIMEOUT", &cfg.LLMCallTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CTX_TURNS", &cfg.CacheTurns},
		{"CTX_REHYDRATE_TURNS", &cfg.RehydrateTurns},
		{"DEDUPE_CACHE_SIZE", &cfg.DedupeCacheSize},
		{"SUM_MAX_MSGS", &cfg.BlockSize},
		{"SWEEP_MAX_CONVERSATIONS", &cfg.SweepConversations},
		{"SWEEP_MAX_ROUNDS", &cfg.SweepRounds},
		{"SWEEP_CONCURRENCY", &cfg.SweepConcurrency},
		{"SUM_MAX_TOKENS", &cfg.SummaryMaxTokens},
		{"FACTS_MAX_TOKENS", &cfg.FactsMaxTokens},
		{"REPLY_MAX_TOKENS", &cfg.ReplyMaxTokens},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
		if *n.dst <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", n.key)
		}
	}

	cfg.LogDebug, err = boolFromEnv("APP_LOG_DEBUG", cfg.LogDebug)
	if err != nil {
		return Config{}, err
	}
	cfg.LogJSON, err = boolFromEnv("APP_LOG_JSON", cfg.LogJSON)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("SUM_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPhones, err = boolFromEnv("SUM_REDACT_PHONES", cfg.RedactPhones)
	if err != nil {
		return Config{}, err
	}

	if cfg.InactivityThreshold <= 0 {
		return Config{}, fmt.Errorf("SUM_INACTIVITY must be positive")
	}
	if cfg.SweepMargin < 0 {
		return Config{}, fmt.Errorf("SUM_SECOND_SWEEP must be >= 0")
	}
	if cfg.SweepInterval < 30*time.Second {
		return Config{}, fmt.Errorf("SUM_SWEEP_INTERVAL must be at least 30s")
	}
	if cfg.CacheTTL < time.Minute {
		return Config{}, fmt.Errorf("CTX_TTL must be at least 1m")
	}
	if cfg.InlineTimeout <= 0 || cfg.LLMCallTimeout <= 0 {
		return Config{}, fmt.Errorf("SUM_INLINE_TIMEOUT and LLM_CALL_TIMEOUT must be positive")
	}
	if len(cfg.ResetKeywords) == 0 {
		return Config{}, fmt.Errorf("RESET_KEYWORDS must name at least one keyword")
	}

	return cfg, nil
}

// Thresholds exposes both inactivity bounds. The sweep threshold is derived
// from the inline one and can never undercut it.
func (c Config) Thresholds() consolidation.Thresholds {
	return consolidation.Thresholds{Inline: c.InactivityThreshold, SweepMargin: c.SweepMargin}
}

func (c Config) Redactor() redact.Redactor {
	if !c.RedactPII {
		return redact.Redactor{Phones: c.RedactPhones}
	}
	r := redact.Default()
	r.Phones = c.RedactPhones
	return r
}

func (c Config) LLM() llm.Config {
	return llm.Config{
		Mode:             c.LLMMode,
		APIKey:           c.OpenAIAPIKey,
		BaseURL:          c.OpenAIBaseURL,
		Model:            c.OpenAIModel,
		Language:         c.Language,
		CallTimeout:      c.LLMCallTimeout,
		SummaryMaxTokens: c.SummaryMaxTokens,
		FactsMaxTokens:   c.FactsMaxTokens,
		ReplyMaxTokens:   c.ReplyMaxTokens,
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	out := make([]string, 0, 4)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
