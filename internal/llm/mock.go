package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ent0n29/chatmem/internal/facts"
)

var (
	mockNamePattern     = regexp.MustCompile(`(?i)\b(?:me llamo|my name is|soy)\s+([\p{L}]+)`)
	mockSizePattern     = regexp.MustCompile(`(?i)\b(?:talla|size)\s+([\p{L}\d]+)`)
	mockInterestPattern = regexp.MustCompile(`(?i)\b(?:busco|quiero|looking for|i want)\s+(?:(?:un|una|unos|unas|a|an|some)\s+)?([\p{L}]+)`)
)

// MockClient provides deterministic local behavior when no completion service is configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Model() string { return "mock" }

func (c *MockClient) Summarize(ctx context.Context, prior, transcript string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lines := nonEmptyLines(transcript)
	if len(lines) == 0 {
		return "", ErrEmptyCompletion
	}
	entry := fmt.Sprintf("- %d lines, last: %s", len(lines), truncateRunes(lines[len(lines)-1], 120))
	prior = strings.TrimSpace(prior)
	if prior == "" {
		return entry, nil
	}
	return prior + "\n" + entry, nil
}

func (c *MockClient) ExtractFacts(ctx context.Context, transcript string) (facts.Facts, error) {
	if err := ctx.Err(); err != nil {
		return facts.Facts{}, err
	}
	var out facts.Facts
	for _, line := range nonEmptyLines(transcript) {
		text, ok := strings.CutPrefix(line, CustomerLabel)
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if m := mockNamePattern.FindStringSubmatch(text); m != nil {
			out.Name = m[1]
		}
		for _, m := range mockSizePattern.FindAllStringSubmatch(text, -1) {
			out.Sizes = append(out.Sizes, m[1])
		}
		for _, m := range mockInterestPattern.FindAllStringSubmatch(text, -1) {
			out.Interests = append(out.Interests, strings.ToLower(m[1]))
		}
	}
	return facts.Sanitize(out), nil
}

func (c *MockClient) Reply(ctx context.Context, userText string, rc ReplyContext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base := strings.TrimSpace(userText)
	if base == "" {
		base = "..."
	}
	greeting := "I heard you"
	if rc.Facts != nil && rc.Facts.Name != "" {
		greeting += ", " + rc.Facts.Name
	}
	reply := fmt.Sprintf("%s: %s", greeting, truncateRunes(base, maxUserTextRunes))
	if n := len(rc.Turns); n > 0 {
		reply += fmt.Sprintf("\nI also remember: %s", rc.Turns[n-1].User)
	}
	return reply, nil
}

// Transcript line labels for inbound and outbound legs.
const (
	CustomerLabel = "Customer:"
	AgentLabel    = "Agent:"
)

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
