// Package audit keeps a local history of query executions. Events never
// contain query text or tokens; queries appear only as stable hashes.
package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"
)

// Event is one recorded query execution.
type Event struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	DurationMS    int64     `json:"duration_ms"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Profile       string    `json:"profile"`
	User          string    `json:"user,omitempty"`
	QueryHash     string    `json:"query_hash"`
	RowCount      int       `json:"row_count"`
	Cached        bool      `json:"cached"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// NewEvent starts an event for a query under a profile.
func NewEvent(profile, queryText string) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Profile:   profile,
		QueryHash: HashQuery(queryText),
	}
}

// WithCorrelationID attaches a correlation id to the event.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithUser attaches the authenticated principal to the event.
func (e *Event) WithUser(user string) *Event {
	e.User = user
	return e
}

// WithResult records the outcome of the execution.
func (e *Event) WithResult(success bool, errorMsg string, durationMS int64) *Event {
	e.Success = success
	e.ErrorMessage = errorMsg
	e.DurationMS = durationMS
	return e
}

// WithRows records the result shape.
func (e *Event) WithRows(rowCount int, cached bool) *Event {
	e.RowCount = rowCount
	e.Cached = cached
	return e
}

// HashQuery returns a short stable hash of the query text, so repeated
// queries are recognizable in the history without exposing the text.
func HashQuery(queryText string) string {
	sum := sha256.Sum256([]byte(queryText))
	return hex.EncodeToString(sum[:8])
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}
