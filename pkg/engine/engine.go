// Package engine ties the core together: profile resolution, per-profile
// authentication, cached query execution, and rate-limited usage telemetry.
// External surfaces (a CLI, an MCP server, an editor) call only this
// package.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waldo1001/bctb/pkg/audit"
	"github.com/waldo1001/bctb/pkg/auth"
	"github.com/waldo1001/bctb/pkg/cache"
	"github.com/waldo1001/bctb/pkg/config"
	"github.com/waldo1001/bctb/pkg/query"
	"github.com/waldo1001/bctb/pkg/telemetry"
)

// Options configures an Engine. Zero values take defaults.
type Options struct {
	// CacheDir roots the query result cache. Defaults to a cache directory
	// next to the configuration document.
	CacheDir string

	// Gate carries usage telemetry. Defaults to a disabled gate built from
	// the document's telemetry defaults.
	Gate *telemetry.Gate

	// QueryBaseURL overrides the backend endpoint, mainly for tests.
	QueryBaseURL string

	// RowLimit caps rows per query result.
	RowLimit int

	// HTTPClient overrides the query HTTP client.
	HTTPClient *http.Client

	// Audit overrides the query history logger. Defaults to what the
	// document's audit block configures, or a no-op logger.
	Audit audit.Logger
}

// Engine is the core façade. It owns one auth provider per profile so
// concurrent work against different profiles never shares tokens.
type Engine struct {
	opts    Options
	gate    *telemetry.Gate
	store   *cache.Store
	history audit.Logger

	mu        sync.Mutex
	doc       *config.Document
	resolved  map[string]*config.ResolvedProfile
	providers map[string]*auth.Provider

	// newProvider builds the auth provider for a profile. Tests swap it.
	newProvider func(*config.ResolvedProfile) (*auth.Provider, error)
}

// New creates an engine over a loaded configuration document.
func New(doc *config.Document, opts Options) *Engine {
	gate := opts.Gate
	if gate == nil {
		policy := doc.TelemetryDefaults()
		gate = telemetry.NewGate(telemetry.Config{
			Enabled:             policy.Enabled,
			MaxEventsPerSession: policy.MaxEventsPerSession,
			MaxEventsPerMinute:  policy.MaxEventsPerMinute,
			MaxIdenticalErrors:  policy.MaxIdenticalErrors,
			ErrorCooldown:       time.Duration(policy.ErrorCooldownMS) * time.Millisecond,
		}, nil)
	}

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = defaultCacheDir(doc)
	}

	history := opts.Audit
	if history == nil {
		history = historyFromDocument(doc)
	}

	return &Engine{
		opts:        opts,
		gate:        gate,
		store:       cache.NewStore(cacheDir),
		history:     history,
		doc:         doc,
		resolved:    make(map[string]*config.ResolvedProfile),
		providers:   make(map[string]*auth.Provider),
		newProvider: auth.ForProfile,
	}
}

// ResolveProfile resolves and validates a profile by name ("" selects the
// default). Resolved profiles are immutable and memoized until Reload.
func (e *Engine) ResolveProfile(name string) (*config.ResolvedProfile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if profile, ok := e.resolved[name]; ok {
		return profile, nil
	}

	profile, err := config.Resolve(e.doc, name)
	if err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	e.resolved[name] = profile
	return profile, nil
}

// AccessToken returns a valid bearer token for the profile, creating and
// caching the profile's auth provider on first use.
func (e *Engine) AccessToken(ctx context.Context, profile *config.ResolvedProfile) (string, error) {
	provider, err := e.providerFor(profile)
	if err != nil {
		return "", err
	}

	token, err := provider.GetAccessToken(ctx)
	if err != nil {
		e.gate.TrackException(err, map[string]string{
			"operation": "get_access_token",
			"profile":   profile.Name,
		})
		return "", err
	}
	return token, nil
}

func (e *Engine) providerFor(profile *config.ResolvedProfile) (*auth.Provider, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if provider, ok := e.providers[profile.Name]; ok {
		return provider, nil
	}
	provider, err := e.newProvider(profile)
	if err != nil {
		return nil, fmt.Errorf("creating auth provider: %w", err)
	}
	e.providers[profile.Name] = provider
	return provider, nil
}

// RunQuery executes a query under a profile with the given token. A blank
// correlation id gets a generated one.
func (e *Engine) RunQuery(ctx context.Context, profile *config.ResolvedProfile, queryText, token, correlationID string) (*query.Result, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	executor := query.NewExecutor(profile, e.store, e.gate, query.Options{
		BaseURL:    e.opts.QueryBaseURL,
		RowLimit:   e.opts.RowLimit,
		HTTPClient: e.opts.HTTPClient,
	})

	event := audit.NewEvent(profile.Name, queryText).WithCorrelationID(correlationID)
	start := time.Now()

	result, err := executor.Execute(ctx, queryText, token, correlationID)
	if err != nil {
		e.logHistory(ctx, event.WithResult(false, err.Error(), time.Since(start).Milliseconds()))
		e.gate.TrackException(err, map[string]string{
			"operation":     "run_query",
			"profile":       profile.Name,
			"correlationId": correlationID,
		})
		return nil, err
	}

	e.logHistory(ctx, event.
		WithResult(true, "", time.Since(start).Milliseconds()).
		WithRows(result.Summary.RowCount, result.Cached))
	return result, nil
}

// History retrieves recorded query executions, oldest first.
func (e *Engine) History(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	return e.history.Query(ctx, filter) //nolint:wrapcheck // history errors already carry context
}

func (e *Engine) logHistory(ctx context.Context, event *audit.Event) {
	if err := e.history.Log(ctx, *event); err != nil {
		e.gate.TrackTrace("audit_log_write_failed", map[string]string{"error": err.Error()})
	}
}

// Close releases the query history log.
func (e *Engine) Close() error {
	return e.history.Close() //nolint:wrapcheck // close errors already carry context
}

// Reload swaps the configuration document and drops every resolved profile
// and auth provider; profiles re-resolve lazily against the new document.
func (e *Engine) Reload(doc *config.Document) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = doc
	e.resolved = make(map[string]*config.ResolvedProfile)
	e.providers = make(map[string]*auth.Provider)
}

// Profiles lists the declared profile names, sorted. A flat document has a
// single implicit profile.
func (e *Engine) Profiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.doc.HasProfiles() {
		return []string{"default"}
	}
	names := e.doc.ProfileNames()
	sort.Strings(names)
	return names
}

// DefaultProfile returns the document's default profile pointer, if any.
func (e *Engine) DefaultProfile() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.DefaultProfile()
}

// ClearCache removes every cached query result.
func (e *Engine) ClearCache() error {
	return e.store.Clear()
}

// TrackEvent forwards to the telemetry gate. Fire-and-forget.
func (e *Engine) TrackEvent(name string, properties map[string]string, measurements map[string]float64) {
	e.gate.TrackEvent(name, properties, measurements)
}

// TrackTrace forwards to the telemetry gate. Fire-and-forget.
func (e *Engine) TrackTrace(message string, properties map[string]string) {
	e.gate.TrackTrace(message, properties)
}

// TrackException forwards to the telemetry gate. Fire-and-forget.
func (e *Engine) TrackException(err error, properties map[string]string) {
	e.gate.TrackException(err, properties)
}

// historyFromDocument builds the query history logger the document asks
// for. History is off unless the audit block enables it.
func historyFromDocument(doc *config.Document) audit.Logger {
	policy := doc.AuditDefaults()
	if !policy.Enabled {
		return audit.NopLogger{}
	}
	path := policy.Path
	if path == "" {
		path = filepath.Join(filepath.Dir(defaultCacheDir(doc)), "audit.jsonl")
	}
	return audit.NewFileLogger(path)
}

// defaultCacheDir places the cache next to the configuration document, or
// under the system temp directory for documents not loaded from a file.
// The directory itself stays uncreated until the first cache write.
func defaultCacheDir(doc *config.Document) string {
	if doc.Path != "" {
		return filepath.Join(filepath.Dir(doc.Path), "cache")
	}
	return filepath.Join(os.TempDir(), "bctb-cache")
}
