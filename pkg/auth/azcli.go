package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Resource is the fixed resource scope tokens are requested for: the
// Application Insights query API.
const Resource = "https://api.applicationinsights.io"

// azTokenOutput is the shape of `az account get-access-token --output json`.
// Older CLI versions emit expiresOn as a local-time string; newer versions
// add expires_on as unix seconds.
type azTokenOutput struct {
	AccessToken  string `json:"accessToken"`
	ExpiresOn    string `json:"expiresOn"`
	ExpiresOnTS  int64  `json:"expires_on"`
	Subscription string `json:"subscription"`
	Tenant       string `json:"tenant"`
}

// AzCLIStrategy shells out to a locally installed Azure CLI and reuses its
// cached login session.
type AzCLIStrategy struct {
	// runCommand executes the CLI. Overridable in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

// NewAzCLIStrategy creates the delegated-CLI strategy.
func NewAzCLIStrategy() *AzCLIStrategy {
	return &AzCLIStrategy{runCommand: runCommand}
}

// Name implements Strategy.
func (*AzCLIStrategy) Name() string {
	return "azcli"
}

// Acquire fetches a token for the Application Insights resource from the
// CLI's cached login.
func (s *AzCLIStrategy) Acquire(ctx context.Context) (*Token, error) {
	stdout, stderr, err := s.runCommand(ctx, "az",
		"account", "get-access-token", "--resource", Resource, "--output", "json")
	if err != nil {
		return nil, classifyAzError(err, string(stderr))
	}

	var out azTokenOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return nil, &Error{
			Kind:     KindAuthFailed,
			Strategy: "azcli",
			Message:  "could not parse CLI token output",
			cause:    err,
		}
	}
	if out.AccessToken == "" {
		return nil, &Error{
			Kind:     KindAuthFailed,
			Strategy: "azcli",
			Message:  "CLI returned no access token",
		}
	}

	return &Token{
		Authenticated: true,
		AccessToken:   out.AccessToken,
		User:          tokenUser(out.AccessToken),
		ExpiresOn:     azExpiry(out),
	}, nil
}

// classifyAzError distinguishes "CLI not installed" from "not logged in"
// from everything else, each with its own remediation.
func classifyAzError(err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return &Error{
			Kind:        KindCLINotInstalled,
			Strategy:    "azcli",
			Message:     "the az CLI is not installed",
			Remediation: "install the Azure CLI from https://aka.ms/azure-cli or switch the profile to another authFlow",
			cause:       err,
		}
	}
	if strings.Contains(stderr, "az login") || strings.Contains(stderr, "AADSTS") {
		return &Error{
			Kind:        KindNotLoggedIn,
			Strategy:    "azcli",
			Message:     "no active Azure CLI session",
			Remediation: "run 'az login' and retry",
			cause:       err,
		}
	}
	return &Error{
		Kind:        KindAuthFailed,
		Strategy:    "azcli",
		Message:     fmt.Sprintf("az account get-access-token failed: %s", firstLine(stderr)),
		Remediation: "run 'az account get-access-token' manually to diagnose",
		cause:       err,
	}
}

// azExpiry extracts the token expiry, preferring the unix timestamp, then
// the local-time string, then the JWT exp claim, then a conservative guess.
func azExpiry(out azTokenOutput) time.Time {
	if out.ExpiresOnTS > 0 {
		return time.Unix(out.ExpiresOnTS, 0)
	}
	for _, layout := range []string{"2006-01-02 15:04:05.000000", "2006-01-02 15:04:05"} {
		if ts, err := time.ParseInLocation(layout, out.ExpiresOn, time.Local); err == nil {
			return ts
		}
	}
	if exp := tokenExpiry(out.AccessToken); !exp.IsZero() {
		return exp
	}
	return time.Now().Add(safetyMargin)
}

// tokenExpiry reads the exp claim from a JWT without verifying it. The
// backend is the verifier; locally the claim only schedules the refresh.
func tokenExpiry(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// tokenUser reads the signed-in identity from a JWT's claims, if present.
func tokenUser(accessToken string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return ""
	}
	for _, claim := range []string{"preferred_username", "upn", "unique_name", "appid"} {
		if user, ok := claims[claim].(string); ok && user != "" {
			return user
		}
	}
	return ""
}

// runCommand executes a command and captures stdout and stderr separately.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "no error output"
	}
	return s
}
