package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified error interface returned by provider drivers. The
// orchestrator branches on Retryable and RetryAfter; it never inspects
// provider-native payloads.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type httpErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string           { return e.provider }
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type AccessDeniedError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type ContextLengthError struct{ httpErrorBase }
type QuotaExceededError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type ConnectionError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus maps an HTTP status to the typed hierarchy. Rate limits,
// timeouts, server errors, and connection failures are retryable; everything
// client-shaped is terminal for the current model.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		base.retryable = false
		if err := classifyByMessage(base); err != nil {
			return err
		}
		return &InvalidRequestError{base}
	case 401:
		base.retryable = false
		return &AuthenticationError{base}
	case 403:
		base.retryable = false
		return &AccessDeniedError{base}
	case 404:
		base.retryable = false
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 413:
		base.retryable = false
		return &ContextLengthError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// classifyByMessage refines ambiguous 400/422 responses when providers tunnel
// domain failures in text.
func classifyByMessage(base httpErrorBase) error {
	lower := strings.ToLower(base.message)
	switch {
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{base}
	case strings.Contains(lower, "quota") || strings.Contains(lower, "billing"):
		base.retryable = true
		return &QuotaExceededError{base}
	case strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"):
		return &NotFoundError{base}
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid key"):
		return &AuthenticationError{base}
	}
	return nil
}

// WrapTransportError converts transport-level failures (dial errors, context
// deadline) into the typed hierarchy. Timeouts and connection failures are
// retryable: the next attempt may hit a healthy backend.
func WrapTransportError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var lerr Error
	if errors.As(err, &lerr) {
		return err
	}
	base := httpErrorBase{provider: strings.TrimSpace(provider), message: err.Error(), retryable: true}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{base}
	}
	if errors.Is(err, context.Canceled) {
		base.retryable = false
		return &RequestTimeoutError{base}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		return &RequestTimeoutError{base}
	}
	return &ConnectionError{base}
}

// IsRetryable reports whether err should be retried on the same candidate.
// Non-typed errors fall back to message heuristics the way the provider CLI
// classifier does.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var lerr Error
	if errors.As(err, &lerr) {
		return lerr.Retryable()
	}
	lower := strings.ToLower(err.Error())
	for _, hint := range []string{
		"timeout", "timed out",
		"rate limit", "too many requests",
		"connection refused", "connection reset", "broken pipe",
		"temporary failure", "service unavailable", "gateway timeout",
	} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// RetryAfterOf extracts a Retry-After hint when the error carries one.
func RetryAfterOf(err error) *time.Duration {
	var lerr Error
	if errors.As(err, &lerr) {
		return lerr.RetryAfter()
	}
	return nil
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

func IsRateLimited(err error) bool {
	var e *RateLimitError
	if errors.As(err, &e) {
		return true
	}
	var q *QuotaExceededError
	return errors.As(err, &q)
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date (RFC 7231).
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
