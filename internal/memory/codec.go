package memory

import (
	"encoding/json"
	"fmt"

	"github.com/ent0n29/chatmem/internal/facts"
)

func encodeMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	return b, nil
}

func decodeMeta(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func decodeFacts(raw []byte) (facts.Facts, error) {
	if len(raw) == 0 {
		return facts.Facts{}, nil
	}
	var f facts.Facts
	if err := json.Unmarshal(raw, &f); err != nil {
		return facts.Facts{}, fmt.Errorf("decode facts: %w", err)
	}
	return facts.Sanitize(f), nil
}

// nullableText maps an empty provider id to NULL so the unique constraint ignores it.
func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
