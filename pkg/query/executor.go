package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/waldo1001/bctb/pkg/cache"
	"github.com/waldo1001/bctb/pkg/config"
	"github.com/waldo1001/bctb/pkg/telemetry"
)

// DefaultBaseURL is the Application Insights query API.
const DefaultBaseURL = "https://api.applicationinsights.io"

const (
	defaultRowLimit     = 1000
	defaultQueryTimeout = 30 * time.Second

	// maxErrorExcerpt bounds how much of a backend error body ends up in an
	// Error message.
	maxErrorExcerpt = 300
)

// Options tunes an Executor. Zero values take defaults.
type Options struct {
	// BaseURL overrides the backend endpoint; the profile's clusterUrl
	// overrides both.
	BaseURL string

	// RowLimit caps the rows returned (and cached) per query.
	RowLimit int

	// HTTPClient overrides the default client and its timeout.
	HTTPClient *http.Client
}

// Executor sends queries for one profile, consulting and populating the
// cache, and reporting every outcome through the telemetry gate.
type Executor struct {
	profile *config.ResolvedProfile
	store   *cache.Store
	gate    *telemetry.Gate

	client   *http.Client
	baseURL  string
	rowLimit int
}

// NewExecutor creates an executor for a resolved profile. store may be nil
// when the profile does not cache; gate must not be nil.
func NewExecutor(profile *config.ResolvedProfile, store *cache.Store, gate *telemetry.Gate, opts Options) *Executor {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultQueryTimeout}
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	rowLimit := opts.RowLimit
	if rowLimit <= 0 {
		rowLimit = defaultRowLimit
	}
	return &Executor{
		profile:  profile,
		store:    store,
		gate:     gate,
		client:   client,
		baseURL:  baseURL,
		rowLimit: rowLimit,
	}
}

// Execute runs one query with the given bearer token. Every call, hit or
// miss, success or failure, emits exactly one dependency event carrying
// duration, success flag, and a coarse result code. The query text itself
// never reaches telemetry.
func (e *Executor) Execute(ctx context.Context, queryText, token, correlationID string) (*Result, error) {
	start := time.Now()

	fingerprint := cache.Fingerprint(e.profile.Name, queryText, e.rowLimit)
	if e.cacheEnabled() {
		if raw, ok := e.store.Get(fingerprint); ok {
			result := &Result{}
			if err := json.Unmarshal(raw, result); err == nil {
				result.Cached = true
				e.emit(start, "cached", true)
				return result, nil
			}
			// A corrupt entry falls through to a fresh execution.
		}
	}

	result, err := e.executeRemote(ctx, queryText, token, correlationID)
	if err != nil {
		e.emit(start, resultCode(err), false)
		return nil, err
	}

	result.Summary.DurationMS = time.Since(start).Milliseconds()
	if e.profile.Sanitize.RemovePII {
		scrubResult(result)
	}

	if e.cacheEnabled() {
		if raw, err := json.Marshal(result); err == nil {
			if err := e.store.Set(fingerprint, raw, e.profile.Cache.TTLSeconds); err != nil {
				// A failed cache write does not fail the query.
				e.gate.TrackTrace("query cache write failed", map[string]string{
					"profile": e.profile.Name,
				})
			}
		}
	}

	e.emit(start, "200", true)
	return result, nil
}

func (e *Executor) cacheEnabled() bool {
	return e.store != nil && e.profile.Cache.Enabled
}

// executeRemote performs the HTTP round trip and classifies its outcome.
func (e *Executor) executeRemote(ctx context.Context, queryText, token, correlationID string) (*Result, error) {
	payload, err := json.Marshal(map[string]string{"query": queryText})
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "encoding query payload", cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: "building query request", cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if correlationID != "" {
		req.Header.Set("x-ms-correlation-id", correlationID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: "backend unreachable", cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: "reading backend response", cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var backend backendResponse
	if err := json.Unmarshal(body, &backend); err != nil {
		return nil, &Error{Kind: KindUnknown, StatusCode: resp.StatusCode, Message: "unexpected response shape", cause: err}
	}

	result := normalize(&backend)
	if len(result.Rows) > e.rowLimit {
		result.Rows = result.Rows[:e.rowLimit]
		result.Summary.RowCount = e.rowLimit
		result.Summary.Truncated = true
	}
	return result, nil
}

func (e *Executor) endpoint() string {
	base := e.baseURL
	if e.profile.ClusterURL != "" {
		base = e.profile.ClusterURL
	}
	return strings.TrimRight(base, "/") + "/v1/apps/" + e.profile.AppID + "/query"
}

// classifyStatus maps an HTTP failure to a query error kind, with a
// sanitized excerpt of the backend's own message.
func classifyStatus(status int, body []byte) *Error {
	excerpt := errorExcerpt(body)
	switch {
	case status == http.StatusBadRequest:
		return &Error{Kind: KindInvalidQuery, StatusCode: status, Message: excerpt}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuthentication, StatusCode: status, Message: "the backend rejected the token; re-authenticate and retry"}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimit, StatusCode: status, Message: "the backend is throttling requests"}
	default:
		return &Error{Kind: KindUnknown, StatusCode: status, Message: excerpt}
	}
}

// errorExcerpt pulls the backend's error message out of its JSON error
// envelope, falling back to the (truncated) raw body.
func errorExcerpt(body []byte) string {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return truncate(fmt.Sprintf("%s: %s", envelope.Error.Code, envelope.Error.Message))
	}
	return truncate(strings.TrimSpace(string(body)))
}

func truncate(s string) string {
	if len(s) > maxErrorExcerpt {
		return s[:maxErrorExcerpt] + "..."
	}
	return s
}

// resultCode derives the coarse code reported to telemetry.
func resultCode(err error) string {
	if qerr, ok := err.(*Error); ok {
		if qerr.StatusCode > 0 {
			return fmt.Sprintf("%d", qerr.StatusCode)
		}
		return string(qerr.Kind)
	}
	return string(KindUnknown)
}

// emit sends the single dependency event for one Execute call.
func (e *Executor) emit(start time.Time, code string, success bool) {
	e.gate.TrackDependency(telemetry.Dependency{
		Name:       "kusto_query",
		Target:     e.profile.Name,
		ResultCode: code,
		Duration:   time.Since(start),
		Success:    success,
	})
}
