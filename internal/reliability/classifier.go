// Package reliability classifies upstream failures and computes backoff delays.
package reliability

import "time"

// IsRetryableHTTPStatus reports whether an upstream status means "try again later".
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 409, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff doubles base per attempt and never exceeds cap.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return min(base, cap)
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
