package dispatch

import "fmt"

// ErrorKind names one of the error conditions the dispatch engine
// recognizes (spec.md §7).
type ErrorKind string

const (
	AuthInvalid         ErrorKind = "AuthInvalid"
	RateLimited         ErrorKind = "RateLimited"
	QuotaExhausted      ErrorKind = "QuotaExhausted"
	EmptyResponse       ErrorKind = "EmptyResponse"
	UpstreamServerError ErrorKind = "UpstreamServerError"
	NetworkError        ErrorKind = "NetworkError"
	NoAccountsAvailable ErrorKind = "NoAccountsAvailable"
	MaxRetriesExceeded  ErrorKind = "MaxRetriesExceeded"
	BadRequest          ErrorKind = "BadRequest"
	UpstreamDisconnect  ErrorKind = "UpstreamDisconnect"
)

// Error is the error type the dispatch engine and its callers use. Kinds
// that reach the client (QuotaExhausted, NoAccountsAvailable,
// MaxRetriesExceeded) carry an HTTP status and, when known, a
// Retry-After duration in seconds (spec.md §7).
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter int // seconds; 0 means "unknown"
	Status     int // upstream status, populated for BadRequest passthrough
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus maps an error kind to the status surfaced to the client
// (spec.md §7). BadRequest passes the upstream status through unchanged.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case QuotaExhausted, NoAccountsAvailable, MaxRetriesExceeded:
		return 429
	case BadRequest:
		if e.Status != 0 {
			return e.Status
		}
		return 400
	default:
		return 500
	}
}
