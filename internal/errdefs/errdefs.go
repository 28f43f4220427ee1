// Package errdefs defines the typed error taxonomy for the proxy pipeline.
//
// Every failure that can cross a component boundary is one of these kinds, so
// the worker's recovery loop and the HTTP layer branch on types instead of
// message text. The one legacy exception is quota detection, which must keep
// matching upstream message content for compatibility; that substring match
// lives in IsQuota and nowhere else.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a pipeline error.
type Kind int

const (
	KindInternal Kind = iota
	KindClientGone
	KindCancelled
	KindQuotaExceeded
	KindUpstream
	KindSessionNotReady
	KindEmptyResponse
	KindInternalTimeout
	KindTimeout
	KindRecoveryExhausted
	KindBadRequest
)

// String returns the metric/log label for the kind.
func (k Kind) String() string {
	switch k {
	case KindClientGone:
		return "client_gone"
	case KindCancelled:
		return "cancelled"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindUpstream:
		return "upstream"
	case KindSessionNotReady:
		return "session_not_ready"
	case KindEmptyResponse:
		return "empty_response"
	case KindInternalTimeout:
		return "internal_timeout"
	case KindTimeout:
		return "timeout"
	case KindRecoveryExhausted:
		return "recovery_exhausted"
	case KindBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Error is a pipeline error with HTTP semantics attached.
type Error struct {
	Kind       Kind
	ReqID      string
	Message    string
	Status     int // HTTP status surfaced to the caller
	RetryAfter int // seconds; 0 means no Retry-After header
	cause      error
}

func (e *Error) Error() string {
	if e.ReqID != "" {
		return fmt.Sprintf("[%s] %s", e.ReqID, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is matching against another *Error by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, status int, reqID, msg string) *Error {
	return &Error{Kind: kind, ReqID: reqID, Message: msg, Status: status}
}

// ClientGone reports that the caller disconnected. Never retried.
func ClientGone(reqID, msg string) *Error {
	if msg == "" {
		msg = "client closed request"
	}
	return newErr(KindClientGone, 499, reqID, msg)
}

// Cancelled reports an explicit cancel via the cancel endpoint.
func Cancelled(reqID string) *Error {
	return newErr(KindCancelled, 499, reqID, "request cancelled by user")
}

// Quota reports a quota or rate-limit rejection from the backend.
func Quota(reqID, msg string) *Error {
	e := newErr(KindQuotaExceeded, 429, reqID, msg)
	e.RetryAfter = 30
	return e
}

// Upstream reports a backend rejection that is not quota-related.
func Upstream(reqID string, status int, msg string) *Error {
	if status == 0 {
		status = 502
	}
	return newErr(KindUpstream, status, reqID, msg)
}

// SessionNotReady reports that the remote session cannot take requests.
func SessionNotReady(reqID string) *Error {
	e := newErr(KindSessionNotReady, 503, reqID, "session not ready")
	e.RetryAfter = 30
	return e
}

// EmptyResponse reports a completed upstream exchange that produced neither
// text nor function calls. Treated as a failure, not a zero-length answer.
func EmptyResponse(reqID string) *Error {
	return newErr(KindEmptyResponse, 502, reqID, "upstream completed but provided no content")
}

// InternalTimeout reports the capture channel going silent mid-response.
func InternalTimeout(reqID string) *Error {
	return newErr(KindInternalTimeout, 502, reqID, "capture channel timed out waiting for data")
}

// Timeout reports the outer completion deadline expiring. Terminal.
func Timeout(reqID, msg string) *Error {
	if msg == "" {
		msg = "processing timed out waiting for completion"
	}
	return newErr(KindTimeout, 504, reqID, msg)
}

// RecoveryExhausted reports that every auth profile has failed. Fatal.
func RecoveryExhausted(reqID, msg string) *Error {
	return newErr(KindRecoveryExhausted, 502, reqID, msg)
}

// BadRequest reports an invalid inbound request.
func BadRequest(reqID, msg string) *Error {
	return newErr(KindBadRequest, 400, reqID, msg)
}

// Internal wraps an unexpected error.
func Internal(reqID, msg string, cause error) *Error {
	e := newErr(KindInternal, 500, reqID, msg)
	e.cause = cause
	return e
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to an HTTP status code and Retry-After seconds.
func HTTPStatus(err error) (status, retryAfter int) {
	var e *Error
	if errors.As(err, &e) {
		return e.Status, e.RetryAfter
	}
	return 500, 0
}

// quotaMarkers are matched against lowercased error text. Kept for
// compatibility with upstream messages that carry no structure.
var quotaMarkers = []string{"quota", "429", "rate limit", "exceeded", "too many requests"}

// IsQuota reports whether err should trigger immediate auth-profile rotation.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindQuotaExceeded {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// IsTerminal reports whether err must bypass the recovery loop entirely.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindClientGone, KindCancelled, KindTimeout, KindRecoveryExhausted,
		KindSessionNotReady, KindBadRequest:
		return true
	}
	return false
}
