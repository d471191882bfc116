package consolidation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ent0n29/chatmem/internal/llm"
	"github.com/ent0n29/chatmem/internal/memory"
)

// RenderTranscript labels each message by direction, one line per message,
// in log order.
func RenderTranscript(block []memory.Message) string {
	var b strings.Builder
	for _, m := range block {
		label := llm.CustomerLabel
		if m.Direction == memory.DirectionOut {
			label = llm.AgentLabel
		}
		body := strings.Join(strings.Fields(m.Body), " ")
		if body == "" {
			body = "[" + m.Type + "]"
		}
		b.WriteString(label)
		b.WriteByte(' ')
		b.WriteString(body)
		b.WriteByte('\n')
	}
	return b.String()
}

var placeholderLine = regexp.MustCompile(`^\[unsummarized: (\d+) messages, ids (\d+)-(\d+)\]$`)

// PlaceholderSummary keeps the prior summary and records the block's count and
// range on a trailing marker line. A marker left by an earlier fallback is
// widened instead of repeated.
func PlaceholderSummary(prior string, block []memory.Message) string {
	count := int64(len(block))
	from, to := block[0].ID, block[len(block)-1].ID

	prior = strings.TrimSpace(prior)
	lines := strings.Split(prior, "\n")
	if m := placeholderLine.FindStringSubmatch(strings.TrimSpace(lines[len(lines)-1])); m != nil {
		prevCount, _ := strconv.ParseInt(m[1], 10, 64)
		prevFrom, _ := strconv.ParseInt(m[2], 10, 64)
		count += prevCount
		from = min(from, prevFrom)
		lines = lines[:len(lines)-1]
		prior = strings.TrimSpace(strings.Join(lines, "\n"))
	}

	marker := fmt.Sprintf("[unsummarized: %d messages, ids %d-%d]", count, from, to)
	if prior == "" {
		return marker
	}
	return prior + "\n" + marker
}
