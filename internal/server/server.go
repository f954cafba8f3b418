// Package server assembles the MCP surface over the query engine:
// configuration loading, tool registration, and the profile resource.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosida95/uritemplate/v3"

	"github.com/waldo1001/bctb/pkg/audit"
	"github.com/waldo1001/bctb/pkg/config"
	"github.com/waldo1001/bctb/pkg/engine"
)

// Version is the server version reported to MCP clients.
const Version = "0.2.0"

const serverName = "bctb-mcp"

// profileTemplateURI exposes resolved profiles as readable resources.
const profileTemplateURI = "profile://{name}"

const redactedSecret = "[REDACTED]"

// Server wires the engine into an MCP server.
type Server struct {
	mcpServer *mcp.Server
	engine    *engine.Engine
	logger    *slog.Logger
}

// Options configures server construction.
type Options struct {
	// ConfigPath points at an explicit configuration file. Empty uses the
	// standard discovery order.
	ConfigPath string

	// Engine overrides engine construction, mainly for tests. When set,
	// ConfigPath is ignored.
	Engine *engine.Engine

	Logger *slog.Logger
}

// New loads configuration and builds a ready-to-run server.
func New(opts Options) (*Server, error) {
	eng := opts.Engine
	if eng == nil {
		doc, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
		eng = engine.New(doc, engine.Options{})
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: Version,
		}, nil),
		engine: eng,
		logger: logger,
	}

	s.registerTools()
	s.registerProfileResource()
	s.engine.TrackEvent("server_started", map[string]string{"version": Version}, nil)

	return s, nil
}

// MCPServer exposes the underlying MCP server, mainly for tests.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Run serves MCP over the given transport until the context is cancelled
// or the transport closes.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("serving", "name", serverName, "version", Version)
	return s.mcpServer.Run(ctx, transport) //nolint:wrapcheck // transport errors surface as-is
}

// Close releases engine resources.
func (s *Server) Close() error {
	return s.engine.Close() //nolint:wrapcheck // close errors already carry context
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "list_profiles",
		Description: "List the configured telemetry profiles and which one is the default. " +
			"Call this first to discover what environments are available.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ listProfilesInput) (*mcp.CallToolResult, any, error) {
		return s.handleListProfiles(ctx, req)
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "resolve_profile",
		Description: "Resolve a profile by name, applying inheritance, workspace defaults, and " +
			"environment variable expansion. Secrets are redacted in the output.",
	}, s.handleResolveProfile)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "run_query",
		Description: "Execute a KQL query against the profile's Application Insights resource. " +
			"Results are cached per profile when the profile enables caching.",
	}, s.handleRunQuery)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "query_history",
		Description: "List recorded query executions from the local history log. " +
			"History stores query hashes and outcomes, never query text.",
	}, s.handleQueryHistory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "clear_cache",
		Description: "Remove all cached query results.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ clearCacheInput) (*mcp.CallToolResult, any, error) {
		return s.handleClearCache(ctx, req)
	})
}

type listProfilesInput struct{}

type clearCacheInput struct{}

type resolveProfileInput struct {
	Profile string `json:"profile,omitempty" jsonschema:"Profile name. Empty selects the default profile."`
}

type runQueryInput struct {
	Profile       string `json:"profile,omitempty" jsonschema:"Profile name. Empty selects the default profile."`
	Query         string `json:"query" jsonschema:"The KQL query text."`
	CorrelationID string `json:"correlationId,omitempty" jsonschema:"Optional correlation id; generated when empty."`
}

type profileListing struct {
	Profiles       []string `json:"profiles"`
	DefaultProfile string   `json:"defaultProfile,omitempty"`
}

func (s *Server) handleListProfiles(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, any, error) {
	listing := profileListing{
		Profiles:       s.engine.Profiles(),
		DefaultProfile: s.engine.DefaultProfile(),
	}
	return jsonResult(listing)
}

func (s *Server) handleResolveProfile(_ context.Context, _ *mcp.CallToolRequest, input resolveProfileInput) (*mcp.CallToolResult, any, error) {
	profile, err := s.engine.ResolveProfile(input.Profile)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(redactProfile(profile))
}

func (s *Server) handleRunQuery(ctx context.Context, _ *mcp.CallToolRequest, input runQueryInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return errorResult(errors.New("query must not be empty")), nil, nil
	}

	profile, err := s.engine.ResolveProfile(input.Profile)
	if err != nil {
		return errorResult(err), nil, nil
	}

	token, err := s.engine.AccessToken(ctx, profile)
	if err != nil {
		return errorResult(err), nil, nil
	}

	result, err := s.engine.RunQuery(ctx, profile, input.Query, token, input.CorrelationID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(result)
}

type queryHistoryInput struct {
	Profile string `json:"profile,omitempty" jsonschema:"Only show executions for this profile."`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum number of events to return."`
}

type queryHistoryResult struct {
	Events []audit.Event `json:"events"`
}

func (s *Server) handleQueryHistory(ctx context.Context, _ *mcp.CallToolRequest, input queryHistoryInput) (*mcp.CallToolResult, any, error) {
	events, err := s.engine.History(ctx, audit.QueryFilter{
		Profile: input.Profile,
		Limit:   input.Limit,
	})
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(queryHistoryResult{Events: events})
}

func (s *Server) handleClearCache(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, any, error) {
	if err := s.engine.ClearCache(); err != nil {
		return errorResult(fmt.Errorf("clearing cache: %w", err)), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "cache cleared"}},
	}, nil, nil
}

func (s *Server) registerProfileResource() {
	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: profileTemplateURI,
		Name:        "Telemetry Profile",
		Description: "A resolved telemetry profile with inheritance applied and secrets redacted",
		MIMEType:    "application/json",
	}, s.handleProfileResource)
}

func (s *Server) handleProfileResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	vars, err := parseTemplateVars(profileTemplateURI, uri)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is
	}

	name := vars["name"]
	if name == "" {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is
	}

	profile, err := s.engine.ResolveProfile(name)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is
	}
	return marshalResourceResult(uri, redactProfile(profile))
}

// parseTemplateVars extracts named variables from a URI using a URI template.
func parseTemplateVars(templateStr, uri string) (map[string]string, error) {
	tmpl, err := uritemplate.New(templateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid template %q: %w", templateStr, err)
	}

	match := tmpl.Match(uri)
	if match == nil {
		return nil, fmt.Errorf("uri %q does not match template %q", uri, templateStr)
	}

	vars := make(map[string]string)
	for _, name := range tmpl.Varnames() {
		vars[name] = match.Get(name).String()
	}
	return vars, nil
}

// redactProfile returns a copy safe to show to clients. Tokens and secrets
// never leave the process.
func redactProfile(profile *config.ResolvedProfile) *config.ResolvedProfile {
	redacted := *profile
	if redacted.ClientSecret != "" {
		redacted.ClientSecret = redactedSecret
	}
	return &redacted
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult wraps a tool failure. MCP protocol: tool errors are returned
// in CallToolResult.IsError, not as Go errors.
func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + err.Error()}},
		IsError: true,
	}
}

// marshalResourceResult marshals a value to JSON and wraps it in a ReadResourceResult.
func marshalResourceResult(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling resource %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}
