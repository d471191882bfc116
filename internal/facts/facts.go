// Package facts holds the small structured profile extracted from conversation
// content and the merge policy that accumulates it over time.
package facts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Facts is the sanitized fact set. Absent fields mean "unknown"; empty values
// are never stored.
type Facts struct {
	Name      string   `json:"name,omitempty"`
	Sizes     []string `json:"sizes,omitempty"`
	Interests []string `json:"interests,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// IsEmpty reports whether no field carries a known value.
func (f Facts) IsEmpty() bool {
	return f.Name == "" && f.Notes == "" && len(f.Sizes) == 0 && len(f.Interests) == 0
}

// Sanitize trims scalars and drops blank or repeated set members.
func Sanitize(f Facts) Facts {
	return Facts{
		Name:      strings.TrimSpace(f.Name),
		Sizes:     union(nil, f.Sizes),
		Interests: union(nil, f.Interests),
		Notes:     strings.TrimSpace(f.Notes),
	}
}

// Merge folds delta into prior. Scalars are overwritten only by a non-empty
// delta value; sets grow by union and never shrink. Applying the same delta
// twice yields the same result as applying it once.
func Merge(prior, delta Facts) Facts {
	prior = Sanitize(prior)
	delta = Sanitize(delta)

	out := prior
	if delta.Name != "" {
		out.Name = delta.Name
	}
	if delta.Notes != "" {
		out.Notes = delta.Notes
	}
	out.Sizes = union(prior.Sizes, delta.Sizes)
	out.Interests = union(prior.Interests, delta.Interests)
	return out
}

// union keeps first-seen order; equality is case-insensitive after trimming.
func union(a, b []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// ErrNoObject is returned by Parse when the input holds no JSON object.
var ErrNoObject = errors.New("facts: no json object in input")

// Parse extracts a fact set from raw extractor output. It tolerates prose or
// code fences around the object, numeric scalars and single-string sets.
func Parse(raw string) (Facts, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Facts{}, ErrNoObject
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return Facts{}, fmt.Errorf("decode facts: %w", err)
	}

	out := Facts{
		Name:      scalar(fields["name"]),
		Sizes:     list(fields["sizes"]),
		Interests: list(fields["interests"]),
		Notes:     scalar(fields["notes"]),
	}
	return Sanitize(out), nil
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func list(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s := scalar(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case nil:
		return nil
	default:
		if s := scalar(x); s != "" {
			return []string{s}
		}
		return nil
	}
}
