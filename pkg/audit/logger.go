package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger records and retrieves query history events.
type Logger interface {
	// Log records an event.
	Log(ctx context.Context, event Event) error

	// Query retrieves events matching the filter, oldest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// QueryFilter defines criteria for querying the history.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Profile   string
	Success   *bool
	Limit     int
}

// NopLogger discards everything. Used when history is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) error { return nil }

func (NopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return nil, nil }

func (NopLogger) Close() error { return nil }

// FileLogger appends events to a JSON-lines file. The file and its parent
// directory are created on the first write.
type FileLogger struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileLogger creates a logger writing to the given path.
func NewFileLogger(path string) *FileLogger {
	return &FileLogger{path: path}
}

// Log appends the event as one JSON line.
func (l *FileLogger) Log(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.openLocked(); err != nil {
		return err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// Query scans the file and returns matching events oldest first. Lines that
// fail to parse are skipped so one corrupt write cannot poison the history.
func (l *FileLogger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err //nolint:wrapcheck // context errors pass through
		}
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if !matches(event, filter) {
			continue
		}
		events = append(events, event)
		if filter.Limit > 0 && len(events) == filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return events, nil
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("closing audit log: %w", err)
	}
	return nil
}

func (l *FileLogger) openLocked() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("creating audit log directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	l.file = file
	return nil
}

func matches(event Event, filter QueryFilter) bool {
	if filter.Profile != "" && event.Profile != filter.Profile {
		return false
	}
	if filter.Success != nil && event.Success != *filter.Success {
		return false
	}
	if filter.StartTime != nil && event.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && event.Timestamp.After(*filter.EndTime) {
		return false
	}
	return true
}
