package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a provider failure for the retry/fallback decision.
type ErrorKind string

const (
	// KindTransient covers network failures, 5xx responses and malformed
	// payloads. Retryable on the same provider.
	KindTransient ErrorKind = "transient"

	// KindRateLimited is a 429. Retryable after the hinted delay.
	KindRateLimited ErrorKind = "rate_limited"

	// KindOverloaded is a capacity rejection (503/529). Retryable.
	KindOverloaded ErrorKind = "overloaded"

	// KindBadRequest is a 4xx the caller cannot fix by retrying; the
	// processor skips straight to the next provider.
	KindBadRequest ErrorKind = "bad_request"
)

// Error is the typed failure every provider client returns.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string

	// RetryAfter carries the server's Retry-After hint when present.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Kind extracts the classification from any error chain. Unrecognized errors
// count as transient so they stay retryable.
func Kind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// classifyStatus maps an HTTP status code onto the error taxonomy.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusServiceUnavailable || status == 529:
		return KindOverloaded
	case status >= 400 && status < 500:
		return KindBadRequest
	default:
		return KindTransient
	}
}

// httpError builds a typed error from a non-200 HTTP response. The body is
// truncated; provider error payloads can run to kilobytes of HTML.
func httpError(provider string, status int, header http.Header, body string) *Error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	e := &Error{
		Kind:       classifyStatus(status),
		Provider:   provider,
		StatusCode: status,
		Message:    body,
	}
	if e.Kind == KindRateLimited {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return e
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
