package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldo1001/bctb/pkg/audit"
	"github.com/waldo1001/bctb/pkg/config"
	"github.com/waldo1001/bctb/pkg/engine"
)

const testConfigDoc = `{
	"defaultProfile": "dev",
	"profiles": {
		"dev": {
			"appId": "dev-app",
			"authFlow": "hostdelegated",
			"cache": {"enabled": true, "ttlSeconds": 60}
		},
		"prod": {
			"appId": "prod-app",
			"authFlow": "clientcredentials",
			"tenantId": "tenant-1",
			"clientId": "client-1",
			"clientSecret": "s3cret-value"
		}
	}
}`

func newTestServer(t *testing.T, opts engine.Options) *Server {
	t.Helper()
	raw := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(testConfigDoc), &raw))
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	eng := engine.New(config.NewDocument(raw), opts)

	s, err := New(Options{Engine: eng})
	require.NoError(t, err)
	return s
}

// connectTestClient connects an in-memory MCP client to a server and returns
// the session. The caller must call cleanup() when done.
func connectTestClient(t *testing.T, server *mcp.Server) (session *mcp.ClientSession, cleanup func()) {
	t.Helper()
	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()

	serverSession, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0"}, nil)
	clientSession, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)

	cleanup = func() {
		_ = clientSession.Close()
		_ = serverSession.Close()
	}
	return clientSession, cleanup
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestListTools(t *testing.T) {
	s := newTestServer(t, engine.Options{})
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	listing, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	names := make([]string, 0, len(listing.Tools))
	for _, tool := range listing.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_profiles", "resolve_profile", "run_query", "query_history", "clear_cache"}, names)
}

func TestListProfilesTool(t *testing.T) {
	s := newTestServer(t, engine.Options{})
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	result := callTool(t, session, "list_profiles", nil)
	require.False(t, result.IsError)

	var listing profileListing
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &listing))
	assert.Equal(t, []string{"dev", "prod"}, listing.Profiles)
	assert.Equal(t, "dev", listing.DefaultProfile)
}

func TestResolveProfileRedactsSecret(t *testing.T) {
	s := newTestServer(t, engine.Options{})
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	result := callTool(t, session, "resolve_profile", map[string]any{"profile": "prod"})
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.NotContains(t, text, "s3cret-value")

	var profile config.ResolvedProfile
	require.NoError(t, json.Unmarshal([]byte(text), &profile))
	assert.Equal(t, "prod", profile.Name)
	assert.Equal(t, "[REDACTED]", profile.ClientSecret)
	assert.Equal(t, "prod-app", profile.AppID)
}

func TestResolveProfileUnknown(t *testing.T) {
	s := newTestServer(t, engine.Options{})
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	result := callTool(t, session, "resolve_profile", map[string]any{"profile": "staging"})
	require.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "staging")
}

const queryBackendBody = `{
	"tables": [{
		"name": "PrimaryResult",
		"columns": [{"name": "message", "type": "string"}],
		"rows": [["hello"]]
	}]
}`

func TestRunQueryTool(t *testing.T) {
	t.Setenv("BCTB_ACCESS_TOKEN", "env-token")

	var hits int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "Bearer env-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(queryBackendBody))
	}))
	defer backend.Close()

	s := newTestServer(t, engine.Options{QueryBaseURL: backend.URL})
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	result := callTool(t, session, "run_query", map[string]any{
		"profile": "dev",
		"query":   "traces | take 1",
	})
	require.False(t, result.IsError, resultText(t, result))

	var parsed struct {
		Rows    [][]any `json:"rows"`
		Cached  bool    `json:"cached"`
		Summary struct {
			RowCount int `json:"rowCount"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &parsed))
	assert.Equal(t, 1, parsed.Summary.RowCount)
	assert.False(t, parsed.Cached)

	// Second call is served from the profile's cache.
	again := callTool(t, session, "run_query", map[string]any{
		"profile": "dev",
		"query":   "traces | take 1",
	})
	require.False(t, again.IsError)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, again)), &parsed))
	assert.True(t, parsed.Cached)
	assert.Equal(t, 1, hits)
}

func TestRunQueryEmptyQuery(t *testing.T) {
	s := newTestServer(t, engine.Options{})
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	result := callTool(t, session, "run_query", map[string]any{"profile": "dev", "query": "   "})
	require.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "query must not be empty")
}

func TestRunQueryTokenFailure(t *testing.T) {
	t.Setenv("BCTB_ACCESS_TOKEN", "")

	s := newTestServer(t, engine.Options{})
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	result := callTool(t, session, "run_query", map[string]any{
		"profile": "dev",
		"query":   "traces | take 1",
	})
	require.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "BCTB_ACCESS_TOKEN")
}

func TestQueryHistoryTool(t *testing.T) {
	t.Setenv("BCTB_ACCESS_TOKEN", "env-token")

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(queryBackendBody))
	}))
	defer backend.Close()

	s := newTestServer(t, engine.Options{
		QueryBaseURL: backend.URL,
		Audit:        audit.NewFileLogger(filepath.Join(t.TempDir(), "audit.jsonl")),
	})
	defer s.Close()
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	run := callTool(t, session, "run_query", map[string]any{"profile": "dev", "query": "traces | take 1"})
	require.False(t, run.IsError, resultText(t, run))

	result := callTool(t, session, "query_history", map[string]any{"profile": "dev"})
	require.False(t, result.IsError)

	var history struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &history))
	require.Len(t, history.Events, 1)
	assert.True(t, history.Events[0].Success)
	assert.NotContains(t, resultText(t, result), "traces | take 1")
}

func TestClearCacheTool(t *testing.T) {
	s := newTestServer(t, engine.Options{})
	session, cleanup := connectTestClient(t, s.MCPServer())
	defer cleanup()

	result := callTool(t, session, "clear_cache", nil)
	require.False(t, result.IsError)
	assert.Equal(t, "cache cleared", resultText(t, result))
}

func TestProfileResource(t *testing.T) {
	s := newTestServer(t, engine.Options{})

	req := &mcp.ReadResourceRequest{Params: &mcp.ReadResourceParams{URI: "profile://dev"}}
	result, err := s.handleProfileResource(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
	assert.Equal(t, "profile://dev", result.Contents[0].URI)
	assert.Equal(t, "application/json", result.Contents[0].MIMEType)

	var profile config.ResolvedProfile
	require.NoError(t, json.Unmarshal([]byte(result.Contents[0].Text), &profile))
	assert.Equal(t, "dev", profile.Name)
	assert.Equal(t, "dev-app", profile.AppID)
}

func TestProfileResourceUnknown(t *testing.T) {
	s := newTestServer(t, engine.Options{})

	req := &mcp.ReadResourceRequest{Params: &mcp.ReadResourceParams{URI: "profile://nope"}}
	_, err := s.handleProfileResource(context.Background(), req)
	require.Error(t, err)
}

func TestParseTemplateVars(t *testing.T) {
	vars, err := parseTemplateVars(profileTemplateURI, "profile://dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", vars["name"])

	_, err = parseTemplateVars(profileTemplateURI, "schema://thing")
	assert.Error(t, err)
}
