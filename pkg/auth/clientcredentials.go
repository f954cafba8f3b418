package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClientCredentialsStrategy exchanges a client id/secret pair for a token.
// Fully non-interactive.
type ClientCredentialsStrategy struct {
	tenantID     string
	clientID     string
	clientSecret string

	client    *http.Client
	loginBase string
	now       func() time.Time
}

// NewClientCredentialsStrategy creates the client-credentials strategy.
func NewClientCredentialsStrategy(tenantID, clientID, clientSecret string) *ClientCredentialsStrategy {
	return &ClientCredentialsStrategy{
		tenantID:     tenantID,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 30 * time.Second},
		loginBase:    defaultLoginBase,
		now:          time.Now,
	}
}

// Name implements Strategy.
func (*ClientCredentialsStrategy) Name() string {
	return "clientcredentials"
}

// Acquire performs the client_credentials grant. It fails fast when either
// credential is absent rather than sending a doomed request.
func (s *ClientCredentialsStrategy) Acquire(ctx context.Context) (*Token, error) {
	if s.clientID == "" || s.clientSecret == "" {
		return nil, &Error{
			Kind:        KindMissingCredentials,
			Strategy:    "clientcredentials",
			Message:     "clientId and clientSecret are both required",
			Remediation: "set clientId and clientSecret on the profile, or reference them as ${VAR} from the environment",
		}
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
		"scope":         {Resource + "/.default"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.loginBase+"/"+s.tenantID+"/oauth2/v2.0/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &Error{
			Kind:     KindAuthFailed,
			Strategy: "clientcredentials",
			Message:  "token request failed",
			cause:    err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &Error{
			Kind:     KindAuthFailed,
			Strategy: "clientcredentials",
			Message:  fmt.Sprintf("unexpected token response (status %d)", resp.StatusCode),
			cause:    err,
		}
	}
	if token.Error != "" || token.AccessToken == "" {
		return nil, &Error{
			Kind:        KindAuthFailed,
			Strategy:    "clientcredentials",
			Message:     fmt.Sprintf("token endpoint returned %s: %s", token.Error, token.Description),
			Remediation: "verify the tenantId, clientId, and clientSecret on the profile",
		}
	}

	return &Token{
		Authenticated: true,
		AccessToken:   token.AccessToken,
		User:          s.clientID,
		ExpiresOn:     s.now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}, nil
}
