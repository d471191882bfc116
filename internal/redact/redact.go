// Package redact masks personal data in text that leaves the process.
package redact

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)

	// Contiguous 13-19 digit runs, 4-4-4-x groups, or the 4-6-5 Amex layout.
	cardPattern = regexp.MustCompile(`\b(?:\d{4}[ -]){3}\d{1,7}\b|\b\d{4}[ -]\d{6}[ -]\d{5}\b|\b\d{13,19}\b`)
)

const (
	EmailMarker = "[REDACTED_EMAIL]"
	CardMarker  = "[REDACTED_CARD]"
	PhoneMarker = "[REDACTED_PHONE]"
)

// Redactor masks the configured categories. The zero value masks nothing.
type Redactor struct {
	Emails bool
	Cards  bool
	Phones bool
}

// Default masks emails and card numbers but keeps phone numbers, which
// usually identify the conversation itself.
func Default() Redactor {
	return Redactor{Emails: true, Cards: true}
}

// Enabled reports whether any category is masked.
func (r Redactor) Enabled() bool {
	return r.Emails || r.Cards || r.Phones
}

// Apply returns the masked text and whether anything changed.
func (r Redactor) Apply(input string) (string, bool) {
	out := input
	if r.Emails {
		out = emailPattern.ReplaceAllString(out, EmailMarker)
	}
	// Cards go before phones so long digit runs are not taken for phone numbers.
	if r.Cards {
		out = cardPattern.ReplaceAllStringFunc(out, maskCard)
	}
	if r.Phones {
		out = phonePattern.ReplaceAllString(out, PhoneMarker)
	}
	return out, out != input
}

func maskCard(match string) string {
	if !luhnValid(match) {
		return match
	}
	return CardMarker
}

// luhnValid reports whether the digits of s, ignoring separators, form a
// 13-19 digit number passing the Luhn checksum.
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
