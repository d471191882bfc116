package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxSummaryPromptRunes = 1500
	maxUserTextRunes      = 800
)

func summarySystemPrompt(lang string) string {
	return fmt.Sprintf(`You maintain the long-term memory of a customer conversation for a shop assistant.
Merge the previous summary with the new transcript into one updated summary.
Keep names, sizes, products of interest, orders, payments and open requests.
Drop greetings and small talk. At most 8 short bullet points. Write in language %q.`, lang)
}

func summaryUserPrompt(prior, transcript string) string {
	prior = strings.TrimSpace(prior)
	if prior == "" {
		prior = "(none)"
	}
	return "Previous summary:\n" + prior + "\n\nNew transcript:\n" + transcript
}

const factsSystemPrompt = `Extract stable customer facts from the transcript.
Answer with a single JSON object and nothing else, using only these optional keys:
{"name": string, "sizes": [string], "interests": [string], "notes": string}
Omit any key you are not sure about. Never invent values.`

func replySystemPrompt(lang string) string {
	return fmt.Sprintf(`You are a friendly sales assistant chatting with a customer on a messaging app.
Answer briefly (one to three sentences), stay on topic and ask at most one question.
Use the remembered context when it helps, and treat remembered facts as possibly outdated.
Reply in language %q.`, lang)
}

// replyContextPrompt renders summary and facts as one system message, or "" when both are empty.
func replyContextPrompt(rc ReplyContext) string {
	var b strings.Builder
	if s := strings.TrimSpace(rc.Summary); s != "" {
		b.WriteString("Previous conversation summary:\n")
		b.WriteString(truncateRunes(s, maxSummaryPromptRunes))
	}
	if rc.Facts != nil && !rc.Facts.IsEmpty() {
		raw, err := json.Marshal(rc.Facts)
		if err == nil {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString("Known customer facts (may be stale):\n")
			b.Write(raw)
		}
	}
	return b.String()
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
