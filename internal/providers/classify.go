package providers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tioagustian/qi-ai-chatbot-sub000/internal/core"
)

// Body substrings seen across providers, lowercase.
var (
	contextMarkers = []string{
		"token limit", "context length", "context_length_exceeded", "maximum context",
		"prompt is too long", "too long", "exceeds the maximum number of tokens",
		"input token count", "reduce the length",
	}
	rateMarkers = []string{
		"rate limit", "rate_limit", "quota", "resource_exhausted", "too many requests",
		"insufficient credits", "credit limit",
	}
	modelMarkers = []string{
		"model not found", "model_not_found", "no endpoints", "not available", "does not exist",
		"overloaded", "unable to access model", "is not supported",
	}
	authMarkers = []string{
		"api key not valid", "invalid api key", "invalid_api_key", "invalid x-api-key",
		"unauthorized", "authentication", "permission_denied",
	}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ClassifyStatus maps an HTTP status and error body onto the error taxonomy
// using heuristics shared by every backend. Provider classifiers handle their
// own quirks first and fall back to this.
func ClassifyStatus(status int, body string) core.ErrorKind {
	b := strings.ToLower(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.KindAuthInvalid
	case status == http.StatusTooManyRequests:
		return core.KindRateLimited
	case status == http.StatusRequestEntityTooLarge:
		return core.KindContextTooLong
	case containsAny(b, contextMarkers):
		return core.KindContextTooLong
	case containsAny(b, rateMarkers):
		return core.KindRateLimited
	case status == http.StatusNotFound || containsAny(b, modelMarkers):
		return core.KindModelUnavailable
	case status == http.StatusServiceUnavailable || status == 529:
		return core.KindModelUnavailable
	case containsAny(b, authMarkers):
		return core.KindAuthInvalid
	default:
		return core.KindTransport
	}
}

// MaxRetryDelay caps any retry delay a provider reports.
const MaxRetryDelay = 7 * 24 * time.Hour

// Seconds converts a provider-reported delay in seconds to a duration capped
// at MaxRetryDelay. NaN, infinite and negative values are rejected.
func Seconds(secs float64) (time.Duration, bool) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0, false
	}
	if secs >= MaxRetryDelay.Seconds() {
		return MaxRetryDelay, true
	}
	return time.Duration(secs * float64(time.Second)), true
}

// RetryAfter returns when a rate-limited provider may be tried again: the
// Retry-After header (seconds or HTTP date), then hint, then the next UTC
// midnight when most daily quotas reset. Never earlier than now and never
// more than MaxRetryDelay after it.
func RetryAfter(header http.Header, hint time.Duration, now time.Time) time.Time {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			if d, ok := Seconds(secs); ok {
				return now.Add(d)
			}
		}
		if t, err := http.ParseTime(v); err == nil {
			if t.Before(now) {
				return now
			}
			if limit := now.Add(MaxRetryDelay); t.After(limit) {
				return limit
			}
			return t
		}
	}
	if hint > 0 {
		return now.Add(min(hint, MaxRetryDelay))
	}
	return NextUTCMidnight(now)
}

// NextUTCMidnight is the first instant of the next UTC day after now.
func NextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
