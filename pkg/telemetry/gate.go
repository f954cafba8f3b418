// Package telemetry emits usage telemetry through a rate-limited gate, so a
// misbehaving caller cannot flood the observability backend. Tracking calls
// are fire-and-forget: a failure anywhere inside the gate or its sink never
// propagates to the caller.
package telemetry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ItemType distinguishes the four kinds of tracked items.
type ItemType string

const (
	// ItemEvent is a named occurrence.
	ItemEvent ItemType = "event"

	// ItemDependency is an outbound call with duration and outcome.
	ItemDependency ItemType = "dependency"

	// ItemException is an error occurrence.
	ItemException ItemType = "exception"

	// ItemTrace is a free-form diagnostic message.
	ItemTrace ItemType = "trace"
)

// Item is one telemetry envelope handed to the sink. Properties carry only
// coarse classifications; secrets, tokens, and raw query text never appear.
type Item struct {
	Type         ItemType
	Name         string
	Properties   map[string]string
	Measurements map[string]float64
}

// Dependency describes an outbound backend call.
type Dependency struct {
	Name       string
	Target     string
	ResultCode string
	Duration   time.Duration
	Success    bool
}

// Sink receives items that pass the gate.
type Sink interface {
	Send(item Item) error
}

// Config bounds telemetry volume. Zero limits take the defaults.
type Config struct {
	Enabled             bool
	MaxEventsPerSession int
	MaxEventsPerMinute  int
	MaxIdenticalErrors  int
	ErrorCooldown       time.Duration
}

const (
	defaultMaxEventsPerSession = 500
	defaultMaxEventsPerMinute  = 60
	defaultMaxIdenticalErrors  = 5
	defaultErrorCooldown       = time.Minute

	// windowSeconds is the width of the sliding per-minute window.
	windowSeconds = 60
)

func (c Config) withDefaults() Config {
	if c.MaxEventsPerSession == 0 {
		c.MaxEventsPerSession = defaultMaxEventsPerSession
	}
	if c.MaxEventsPerMinute == 0 {
		c.MaxEventsPerMinute = defaultMaxEventsPerMinute
	}
	if c.MaxIdenticalErrors == 0 {
		c.MaxIdenticalErrors = defaultMaxIdenticalErrors
	}
	if c.ErrorCooldown == 0 {
		c.ErrorCooldown = defaultErrorCooldown
	}
	return c
}

// errorState tracks one error signature's occurrences inside the cooldown
// window.
type errorState struct {
	count       int
	throttled   bool
	windowStart time.Time
}

// Gate wraps telemetry emission with session, per-minute, and per-error
// rate limits. Counters are mutated under a mutex so overlapping callers in
// one process stay consistent. Construct one gate per process (or per
// profile when isolation is wanted) and pass it by reference; there is no
// ambient global state.
type Gate struct {
	cfg  Config
	sink Sink
	now  func() time.Time

	mu           sync.Mutex
	sessionCount int
	bucketCounts [windowSeconds]int
	bucketStamps [windowSeconds]int64
	errors       map[string]*errorState
}

// NewGate creates a gate in front of a sink. A nil sink logs items through
// slog at debug level.
func NewGate(cfg Config, sink Sink) *Gate {
	if sink == nil {
		sink = slogSink{}
	}
	return &Gate{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		now:    time.Now,
		errors: make(map[string]*errorState),
	}
}

// TrackEvent records a named event. No-op when the gate is disabled or a
// limit is reached; the caller is never told either way.
func (g *Gate) TrackEvent(name string, properties map[string]string, measurements map[string]float64) {
	g.track(Item{Type: ItemEvent, Name: name, Properties: properties, Measurements: measurements})
}

// TrackDependency records an outbound backend call.
func (g *Gate) TrackDependency(dep Dependency) {
	g.track(Item{
		Type: ItemDependency,
		Name: dep.Name,
		Properties: map[string]string{
			"target":     dep.Target,
			"resultCode": dep.ResultCode,
			"success":    fmt.Sprintf("%t", dep.Success),
		},
		Measurements: map[string]float64{
			"durationMs": float64(dep.Duration.Milliseconds()),
		},
	})
}

// TrackTrace records a diagnostic message.
func (g *Gate) TrackTrace(message string, properties map[string]string) {
	g.track(Item{Type: ItemTrace, Name: message, Properties: properties})
}

// TrackException records an error occurrence. Identical errors are capped:
// once a signature hits MaxIdenticalErrors it is suppressed for the
// cooldown period, and the suppression transition itself emits one
// throttled marker so operators can see that throttling happened.
func (g *Gate) TrackException(err error, properties map[string]string) {
	if err == nil {
		return
	}
	g.mu.Lock()
	if !g.cfg.Enabled {
		g.mu.Unlock()
		return
	}

	signature := errorSignature(err)
	state, ok := g.errors[signature]
	if !ok || g.now().Sub(state.windowStart) >= g.cfg.ErrorCooldown {
		state = &errorState{windowStart: g.now()}
		g.errors[signature] = state
	}

	if state.throttled {
		g.mu.Unlock()
		return
	}

	state.count++
	if state.count > g.cfg.MaxIdenticalErrors {
		state.throttled = true
		marker := Item{
			Type: ItemEvent,
			Name: "telemetry_throttled",
			Properties: map[string]string{
				"signature": signature,
				"reason":    "max_identical_errors",
			},
		}
		allowed := g.allowLocked()
		g.mu.Unlock()
		if allowed {
			g.send(marker)
		}
		return
	}

	item := Item{
		Type:       ItemException,
		Name:       sanitizeMessage(err.Error()),
		Properties: withProperty(properties, "signature", signature),
	}
	allowed := g.allowLocked()
	g.mu.Unlock()
	if allowed {
		g.send(item)
	}
}

// track applies the global limits and forwards to the sink.
func (g *Gate) track(item Item) {
	g.mu.Lock()
	if !g.cfg.Enabled {
		g.mu.Unlock()
		return
	}
	allowed := g.allowLocked()
	g.mu.Unlock()

	if allowed {
		g.send(item)
	}
}

// allowLocked consumes budget from the session and per-minute limits.
// Callers hold g.mu.
func (g *Gate) allowLocked() bool {
	if g.sessionCount >= g.cfg.MaxEventsPerSession {
		return false
	}

	second := g.now().Unix()
	if g.windowSumLocked(second) >= g.cfg.MaxEventsPerMinute {
		return false
	}

	idx := second % windowSeconds
	if g.bucketStamps[idx] != second {
		g.bucketStamps[idx] = second
		g.bucketCounts[idx] = 0
	}
	g.bucketCounts[idx]++
	g.sessionCount++
	return true
}

// windowSumLocked sums the per-second buckets still inside the window.
func (g *Gate) windowSumLocked(nowSecond int64) int {
	sum := 0
	for i := range windowSeconds {
		if nowSecond-g.bucketStamps[i] < windowSeconds {
			sum += g.bucketCounts[i]
		}
	}
	return sum
}

// send hands an item to the sink, swallowing errors and panics. Telemetry
// must never fail the primary operation.
func (g *Gate) send(item Item) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("telemetry sink panicked", "panic", r)
		}
	}()
	if err := g.sink.Send(item); err != nil {
		slog.Debug("telemetry sink error", "error", err)
	}
}

func withProperty(properties map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(properties)+1)
	for k, v := range properties {
		out[k] = v
	}
	out[key] = value
	return out
}

// slogSink logs items instead of shipping them anywhere. The default when
// no real sink is wired.
type slogSink struct{}

func (slogSink) Send(item Item) error {
	slog.Debug("telemetry", "type", item.Type, "name", item.Name, "properties", item.Properties)
	return nil
}
