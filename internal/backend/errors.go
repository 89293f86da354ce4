package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes generation failures. The failover logic in the account
// pool branches on it: only KindAuthExpired triggers cooldown and a retry
// against another account, every other kind propagates to the caller.
type Kind string

const (
	// KindAuthExpired indicates the account's cookies are no longer valid.
	KindAuthExpired Kind = "AUTH_EXPIRED"

	// KindRateLimited indicates provider-side throttling.
	KindRateLimited Kind = "RATE_LIMITED"

	// KindTimeout indicates no result arrived within the request budget.
	KindTimeout Kind = "GENERATION_TIMEOUT"

	// KindBlocked indicates a policy refusal from the provider.
	KindBlocked Kind = "GENERATION_BLOCKED"

	// KindGenerationFailed is the generic terminal failure (malformed
	// response, download failure, upstream 5xx).
	KindGenerationFailed Kind = "GENERATION_FAILED"

	// KindAccountsUnavailable indicates every enabled account is cooling down.
	KindAccountsUnavailable Kind = "ACCOUNTS_UNAVAILABLE"

	// KindAccountsBusy indicates every account is saturated but healthy.
	KindAccountsBusy Kind = "ACCOUNTS_BUSY"

	// KindTooManyRequests indicates the global admission gate is saturated.
	KindTooManyRequests Kind = "TOO_MANY_REQUESTS"

	// KindNotFound indicates an unknown task id.
	KindNotFound Kind = "NOT_FOUND"

	// KindInvalidRequest indicates a malformed client request.
	KindInvalidRequest Kind = "INVALID_REQUEST"
)

// Error is the structured failure type shared by all generation paths.
type Error struct {
	Kind    Kind
	Message string

	// Binding carries provider identifiers observed before the failure,
	// so a failed task still exposes enough information for out-of-band
	// asset recovery.
	Binding *ProviderBinding

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err, or KindGenerationFailed for
// untyped errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindGenerationFailed
}

// AsError returns the typed error inside err, or a generic
// KindGenerationFailed wrapper when err carries no Kind.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return Wrap(KindGenerationFailed, "generation failed", err)
}

// IsAuthExpired reports whether err is an auth-expired failure.
// This is the only kind the pool recovers from locally.
func IsAuthExpired(err error) bool {
	return KindOf(err) == KindAuthExpired
}

// Code returns the stable machine-readable error code used on the wire.
func (e *Error) Code() string {
	switch e.Kind {
	case KindAuthExpired:
		return "cookies_expired"
	case KindRateLimited, KindTooManyRequests:
		return "rate_limit_exceeded"
	case KindTimeout:
		return "request_timeout"
	case KindBlocked:
		return "generation_blocked"
	case KindAccountsUnavailable:
		return "accounts_unavailable"
	case KindAccountsBusy:
		return "accounts_busy"
	case KindNotFound:
		return "task_not_found"
	case KindInvalidRequest:
		return "invalid_request_error"
	default:
		return "generation_failed"
	}
}

// Type returns the OpenAI-style error type bucket.
func (e *Error) Type() string {
	switch e.Kind {
	case KindAuthExpired, KindBlocked, KindAccountsUnavailable:
		return "service_error"
	case KindRateLimited, KindTooManyRequests, KindAccountsBusy, KindTimeout:
		return "server_error"
	case KindNotFound, KindInvalidRequest:
		return "invalid_request_error"
	default:
		return "generation_error"
	}
}

// HTTPStatus maps the kind to its HTTP status class. The mapping is
// 1:1 and must stay stable for API compatibility.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthExpired, KindAccountsUnavailable, KindBlocked:
		return http.StatusServiceUnavailable
	case KindRateLimited, KindTooManyRequests, KindAccountsBusy:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
