package query

import "fmt"

// Kind classifies query failures.
type Kind string

const (
	// KindInvalidQuery is a client-side query error; retrying the same
	// query cannot succeed.
	KindInvalidQuery Kind = "invalid_query"

	// KindAuthentication means the backend rejected the token. The caller
	// should re-authenticate; this layer does not retry.
	KindAuthentication Kind = "authentication"

	// KindRateLimit means the backend is throttling. Surfaced as-is; any
	// backoff is a caller-level decision.
	KindRateLimit Kind = "rate_limit"

	// KindTransport is a network-level failure, wrapping the raw cause.
	KindTransport Kind = "transport"

	// KindUnknown covers everything the other kinds do not.
	KindUnknown Kind = "unknown"
)

// Error is a classified query failure. The message holds a sanitized
// excerpt of the backend's response, never the query text.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string

	cause error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("query failed (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("query failed (%s): %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}
