package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrAuthentication   = errors.New("warehouse: authentication failed")
	ErrRateLimited      = errors.New("warehouse: rate limited")
	ErrTransient        = errors.New("warehouse: transient failure")
	ErrExhaustedRetries = errors.New("warehouse: retries exhausted")
	ErrQueryFailed      = errors.New("warehouse: query did not succeed")
	ErrProtocol         = errors.New("warehouse: protocol error")
	ErrConfiguration    = errors.New("warehouse: invalid configuration")
	ErrCancelled        = errors.New("warehouse: cancelled")
	ErrResponse         = errors.New("warehouse: request rejected")
)

// maxErrorBody bounds how much of an error response body is kept.
const maxErrorBody = 64 * 1024

// serviceError is the error body returned by the statement execution API.
type serviceError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// AuthenticationError is returned for 401 responses and for failures to
// acquire a credential. It is never retried.
type AuthenticationError struct {
	StatusCode int // zero when the credential could not be acquired
	ErrorCode  string
	Message    string
	Cause      error
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: credential acquisition: %v", ErrAuthentication, e.Cause)
	}
	return fmt.Sprintf("%s: %s (status code: %d)", ErrAuthentication, e.Message, e.StatusCode)
}

func (e *AuthenticationError) Unwrap() []error { return unwrapWith(ErrAuthentication, e.Cause) }

// RateLimitError is returned for 429 responses. RetryAfter carries the
// server's hint, or zero when none was sent. The transport does not retry
// these; backpressure is left to the caller.
type RateLimitError struct {
	RetryAfter time.Duration
	ErrorCode  string
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", ErrRateLimited, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", ErrRateLimited, e.Message)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// TransientError is a 5xx response or a network failure. The transport
// retries these and wraps the last one in an ExhaustedRetriesError.
type TransientError struct {
	StatusCode int // zero for network failures
	ErrorCode  string
	Message    string
	Cause      error
}

func (e *TransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", ErrTransient, e.Cause)
	}
	return fmt.Sprintf("%s: %s (status code: %d)", ErrTransient, e.Message, e.StatusCode)
}

func (e *TransientError) Unwrap() []error { return unwrapWith(ErrTransient, e.Cause) }

// ExhaustedRetriesError wraps the last transient failure once the retry
// budget is spent.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhaustedRetries, e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() []error { return unwrapWith(ErrExhaustedRetries, e.Last) }

// QueryFailedError reports a statement that reached a terminal state other
// than SUCCEEDED.
type QueryFailedError struct {
	StatementID string
	State       State
	ErrorCode   string
	Message     string
}

func (e *QueryFailedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no error details"
	}
	if e.ErrorCode != "" {
		return fmt.Sprintf("statement %s %s: %s: %s", e.StatementID, e.State, e.ErrorCode, msg)
	}
	return fmt.Sprintf("statement %s %s: %s", e.StatementID, e.State, msg)
}

func (e *QueryFailedError) Unwrap() error { return ErrQueryFailed }

// ProtocolError reports a response whose shape or content the client cannot
// accept: malformed JSON, an unexpected state transition, a broken chunk
// chain.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrProtocol, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrProtocol, e.Reason)
}

func (e *ProtocolError) Unwrap() []error { return unwrapWith(ErrProtocol, e.Cause) }

// ConfigurationError reports an invalid or missing setting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// CancelledError is returned when the caller's context ends. It unwraps to
// both ErrCancelled and the context error.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Cause)
}

func (e *CancelledError) Unwrap() []error { return unwrapWith(ErrCancelled, e.Cause) }

// ResponseError is any other non-200 response, such as 400 or 404, or a
// transport failure that is not worth retrying, such as a TLS handshake
// error. The latter has StatusCode 0 and carries the failure in Cause. It is
// not retried.
type ResponseError struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Cause      error
}

func (e *ResponseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrResponse, e.Message, e.Cause)
	}
	if e.ErrorCode != "" {
		return fmt.Sprintf("%s: %s: %s (status code: %d)", ErrResponse, e.ErrorCode, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status code: %d)", ErrResponse, e.Message, e.StatusCode)
}

func (e *ResponseError) Unwrap() []error { return unwrapWith(ErrResponse, e.Cause) }

func unwrapWith(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}
	return []error{sentinel, cause}
}

// cancelled converts a context error into a CancelledError.
func cancelled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &CancelledError{Cause: cause}
}

// classifyResponse turns a non-200 response into a typed error. It reads and
// closes the body.
func classifyResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var svc serviceError
	if json.Unmarshal(body, &svc) != nil || svc.Message == "" {
		svc.Message = strings.TrimSpace(string(body))
	}
	if svc.Message == "" {
		svc.Message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthenticationError{StatusCode: resp.StatusCode, ErrorCode: svc.ErrorCode, Message: svc.Message}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			ErrorCode:  svc.ErrorCode,
			Message:    svc.Message,
		}
	case resp.StatusCode >= 500:
		return &TransientError{StatusCode: resp.StatusCode, ErrorCode: svc.ErrorCode, Message: svc.Message}
	default:
		return &ResponseError{StatusCode: resp.StatusCode, ErrorCode: svc.ErrorCode, Message: svc.Message}
	}
}

// parseRetryAfter reads a Retry-After header given either as delay seconds or
// as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
