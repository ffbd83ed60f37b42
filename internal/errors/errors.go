package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrForbidden       = errors.New("forbidden")
	ErrTokenMissing    = errors.New("token missing")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrTokenExpired    = errors.New("token expired")
	ErrSendFailed      = errors.New("send failed")
	ErrInvalidUTF8     = errors.New("invalid UTF-8 bytes")
	ErrTimeout         = errors.New("timeout")
	ErrConnectionGone  = errors.New("connection gone")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Kind represents the category of a channel error.
type Kind string

const (
	KindHandshake         Kind = "handshake"
	KindInvalidUTF8       Kind = "invalid_utf8"
	KindProtocol          Kind = "protocol"
	KindAuthentication    Kind = "authentication"
	KindTokenMissing      Kind = "token_missing"
	KindTokenInvalid      Kind = "token_invalid"
	KindTokenExpired      Kind = "token_expired"
	KindPingsMissed       Kind = "pings_missed"
	KindServiceReportable Kind = "service_reportable"
	KindServiceParsing    Kind = "service_parsing"
	KindServiceInternal   Kind = "service_internal"
	KindSendFailed        Kind = "send_failed"
	KindHookFailed        Kind = "hook_failed"
)

// ChannelError is a structured error for channel operations.
type ChannelError struct {
	Kind        Kind
	Op          string // Operation that failed (e.g., "create_session", "invoke_client")
	PubClientID string // Connection the error belongs to, if any
	Err         error  // Underlying error
	StatusCode  int    // HTTP-like status code carried in Error envelopes
	Timestamp   time.Time
}

func (e *ChannelError) Error() string {
	if e.PubClientID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.PubClientID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ChannelError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrForbidden:
		return e.Kind == KindAuthentication || e.Kind == KindTokenMissing ||
			e.Kind == KindTokenInvalid || e.Kind == KindTokenExpired
	case ErrTokenMissing:
		return e.Kind == KindTokenMissing
	case ErrTokenInvalid:
		return e.Kind == KindTokenInvalid
	case ErrTokenExpired:
		return e.Kind == KindTokenExpired
	case ErrSendFailed:
		return e.Kind == KindSendFailed
	case ErrInvalidUTF8:
		return e.Kind == KindInvalidUTF8
	case ErrInvalidEnvelope:
		return e.Kind == KindProtocol
	}

	return errors.Is(e.Err, target)
}

// New creates a new ChannelError.
func New(kind Kind, op string, err error) *ChannelError {
	return &ChannelError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// WithClient adds the owning connection's pub_client_id to the error.
func (e *ChannelError) WithClient(pubClientID string) *ChannelError {
	e.PubClientID = pubClientID
	return e
}

// WithStatusCode adds an HTTP-like status code to the error.
func (e *ChannelError) WithStatusCode(code int) *ChannelError {
	e.StatusCode = code
	return e
}

// Reportable is an error that knows which status code and reason it maps to
// in a client-facing Error envelope.
type Reportable interface {
	error
	Status() int
	Reason() string
}

// reportable is the default Reportable implementation.
type reportable struct {
	status int
	reason string
}

func (r *reportable) Error() string  { return r.reason }
func (r *reportable) Status() int    { return r.status }
func (r *reportable) Reason() string { return r.reason }

// NewReportable creates an error carrying its own client-facing status and reason.
func NewReportable(status int, reason string) error {
	return &reportable{status: status, reason: reason}
}

// ClientStatus maps a service invocation error to the status code and reason
// string sent back to the client. Reason strings are short and stable; no
// stack traces or internal details leave the system.
func ClientStatus(err error) (int, string) {
	var rep Reportable
	if errors.As(err, &rep) {
		return rep.Status(), rep.Reason()
	}

	var chErr *ChannelError
	if errors.As(err, &chErr) {
		switch chErr.Kind {
		case KindServiceParsing:
			return http.StatusBadRequest, "I/O processing error"
		case KindServiceReportable:
			if chErr.StatusCode != 0 {
				return chErr.StatusCode, "Service error"
			}
		}
	}

	return http.StatusInternalServerError, "Internal server error"
}

// IsAuthError checks whether an error should be surfaced as Forbidden + close.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrForbidden)
}
