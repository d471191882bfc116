package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/ent0n29/chatmem/internal/facts"
)

const (
	defaultModel            = "gpt-4o-mini"
	defaultCallTimeout      = 30 * time.Second
	defaultSummaryMaxTokens = 260
	defaultFactsMaxTokens   = 220
	defaultReplyMaxTokens   = 120
)

// OpenAIClient implements Client on the Chat Completions API. Calls are not
// retried; callers degrade on failure instead.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
}

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Language == "" {
		cfg.Language = "es"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = defaultSummaryMaxTokens
	}
	if cfg.FactsMaxTokens <= 0 {
		cfg.FactsMaxTokens = defaultFactsMaxTokens
	}
	if cfg.ReplyMaxTokens <= 0 {
		cfg.ReplyMaxTokens = defaultReplyMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIClient{client: &client, cfg: cfg}, nil
}

func (c *OpenAIClient) Model() string { return c.cfg.Model }

func (c *OpenAIClient) Summarize(ctx context.Context, prior, transcript string) (string, error) {
	out, err := c.complete(ctx, c.cfg.SummaryMaxTokens, 0.2, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(summarySystemPrompt(c.cfg.Language)),
		openai.UserMessage(summaryUserPrompt(prior, transcript)),
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}

func (c *OpenAIClient) ExtractFacts(ctx context.Context, transcript string) (facts.Facts, error) {
	out, err := c.complete(ctx, c.cfg.FactsMaxTokens, 0, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(factsSystemPrompt),
		openai.UserMessage(transcript),
	})
	if err != nil {
		return facts.Facts{}, fmt.Errorf("extract facts: %w", err)
	}
	f, err := facts.Parse(out)
	if err != nil {
		return facts.Facts{}, fmt.Errorf("extract facts: %w", err)
	}
	return f, nil
}

func (c *OpenAIClient) Reply(ctx context.Context, userText string, rc ReplyContext) (string, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(replySystemPrompt(c.cfg.Language)),
	}
	if extra := replyContextPrompt(rc); extra != "" {
		msgs = append(msgs, openai.SystemMessage(extra))
	}
	for _, t := range rc.Turns {
		if t.User != "" {
			msgs = append(msgs, openai.UserMessage(t.User))
		}
		if t.Assistant != "" {
			msgs = append(msgs, openai.AssistantMessage(t.Assistant))
		}
	}
	msgs = append(msgs, openai.UserMessage(truncateRunes(strings.TrimSpace(userText), maxUserTextRunes)))

	out, err := c.complete(ctx, c.cfg.ReplyMaxTokens, 0.6, msgs)
	if err != nil {
		return "", fmt.Errorf("reply: %w", err)
	}
	return out, nil
}

func (c *OpenAIClient) complete(ctx context.Context, maxTokens int, temperature float64, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.cfg.Model),
		Messages:    msgs,
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
