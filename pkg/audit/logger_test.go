package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBuilders(t *testing.T) {
	event := NewEvent("prod", "traces | count").
		WithCorrelationID("corr-1").
		WithUser("alice@contoso.com").
		WithResult(true, "", 42).
		WithRows(10, true)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "prod", event.Profile)
	assert.Equal(t, "corr-1", event.CorrelationID)
	assert.Equal(t, "alice@contoso.com", event.User)
	assert.True(t, event.Success)
	assert.Equal(t, int64(42), event.DurationMS)
	assert.Equal(t, 10, event.RowCount)
	assert.True(t, event.Cached)
}

func TestEventNeverStoresQueryText(t *testing.T) {
	query := "traces | where customDimensions.secret == 'hunter2'"
	event := NewEvent("dev", query)

	assert.Equal(t, HashQuery(query), event.QueryHash)
	assert.NotContains(t, event.QueryHash, "hunter2")
	assert.Len(t, event.QueryHash, 16)
}

func TestHashQueryStable(t *testing.T) {
	assert.Equal(t, HashQuery("traces | count"), HashQuery("traces | count"))
	assert.NotEqual(t, HashQuery("traces | count"), HashQuery("requests | count"))
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "audit.jsonl")
	logger := NewFileLogger(path)
	defer logger.Close()

	ctx := context.Background()
	require.NoError(t, logger.Log(ctx, *NewEvent("dev", "traces | count").WithResult(true, "", 10)))
	require.NoError(t, logger.Log(ctx, *NewEvent("prod", "requests | count").WithResult(false, "boom", 20)))

	events, err := logger.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "dev", events[0].Profile)
	assert.Equal(t, "prod", events[1].Profile)
}

func TestFileLoggerFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewFileLogger(path)
	defer logger.Close()

	ctx := context.Background()
	for range 3 {
		require.NoError(t, logger.Log(ctx, *NewEvent("dev", "q").WithResult(true, "", 1)))
	}
	require.NoError(t, logger.Log(ctx, *NewEvent("prod", "q").WithResult(false, "boom", 1)))

	byProfile, err := logger.Query(ctx, QueryFilter{Profile: "prod"})
	require.NoError(t, err)
	require.Len(t, byProfile, 1)
	assert.Equal(t, "boom", byProfile[0].ErrorMessage)

	failed := false
	succeeded, err := logger.Query(ctx, QueryFilter{Success: &failed})
	require.NoError(t, err)
	assert.Len(t, succeeded, 1)

	limited, err := logger.Query(ctx, QueryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFileLoggerTimeWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewFileLogger(path)
	defer logger.Close()

	ctx := context.Background()
	old := *NewEvent("dev", "q")
	old.Timestamp = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, logger.Log(ctx, old))
	require.NoError(t, logger.Log(ctx, *NewEvent("dev", "q")))

	cutoff := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	recent, err := logger.Query(ctx, QueryFilter{StartTime: &cutoff})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestFileLoggerSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewFileLogger(path)
	defer logger.Close()

	ctx := context.Background()
	require.NoError(t, logger.Log(ctx, *NewEvent("dev", "q")))
	require.NoError(t, logger.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, logger.Log(ctx, *NewEvent("prod", "q")))

	events, err := logger.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFileLoggerQueryMissingFile(t *testing.T) {
	logger := NewFileLogger(filepath.Join(t.TempDir(), "never-written.jsonl"))
	events, err := logger.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFileLoggerConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewFileLogger(path)
	defer logger.Close()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = logger.Log(context.Background(), *NewEvent("dev", "q"))
		}()
	}
	wg.Wait()

	events, err := logger.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger{}
	require.NoError(t, logger.Log(context.Background(), *NewEvent("dev", "q")))
	events, err := logger.Query(context.Background(), QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	require.NoError(t, logger.Close())
}
