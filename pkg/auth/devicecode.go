package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// defaultLoginBase is the AAD v2 authority.
const defaultLoginBase = "https://login.microsoftonline.com"

// defaultPublicClientID is the Azure CLI's well-known public client id,
// usable for device-code sign-in when the profile does not register its own
// application.
const defaultPublicClientID = "04b07795-8ddb-461a-bbee-02f9e1bf7b46"

// DeviceCodeStrategy performs the interactive device authorization grant.
// Acquire blocks until the user completes sign-in in a browser, which can
// take a human-timescale interval; cancel the context to give up.
type DeviceCodeStrategy struct {
	tenantID string
	clientID string

	// Prompt receives the sign-in instructions for the user. Defaults to
	// writing on stderr so stdout stays clean for protocol traffic.
	Prompt func(verificationURI, userCode string)

	client    *http.Client
	loginBase string
	now       func() time.Time
}

// NewDeviceCodeStrategy creates the device-code strategy for a tenant.
func NewDeviceCodeStrategy(tenantID, clientID string) *DeviceCodeStrategy {
	if clientID == "" {
		clientID = defaultPublicClientID
	}
	return &DeviceCodeStrategy{
		tenantID: tenantID,
		clientID: clientID,
		Prompt: func(verificationURI, userCode string) {
			fmt.Fprintf(os.Stderr, "To sign in, open %s and enter the code %s\n", verificationURI, userCode)
		},
		client:    &http.Client{Timeout: 30 * time.Second},
		loginBase: defaultLoginBase,
		now:       time.Now,
	}
}

// Name implements Strategy.
func (*DeviceCodeStrategy) Name() string {
	return "devicecode"
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Acquire starts the device authorization grant and polls the token
// endpoint until the user finishes sign-in, the code expires, or ctx ends.
func (s *DeviceCodeStrategy) Acquire(ctx context.Context) (*Token, error) {
	code, err := s.requestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}

	s.Prompt(code.VerificationURI, code.UserCode)

	interval := time.Duration(code.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := s.now().Add(time.Duration(code.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return nil, &Error{
				Kind:     KindAuthFailed,
				Strategy: "devicecode",
				Message:  "sign-in canceled before completion",
				cause:    ctx.Err(),
			}
		case <-time.After(interval):
		}

		if s.now().After(deadline) {
			return nil, &Error{
				Kind:        KindAuthFailed,
				Strategy:    "devicecode",
				Message:     "the device code expired before sign-in completed",
				Remediation: "start the sign-in again and enter the code promptly",
			}
		}

		token, retry, err := s.pollToken(ctx, code.DeviceCode, &interval)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return token, nil
	}
}

func (s *DeviceCodeStrategy) requestDeviceCode(ctx context.Context) (*deviceCodeResponse, error) {
	form := url.Values{
		"client_id": {s.clientID},
		"scope":     {Resource + "/.default"},
	}
	body, err := s.postForm(ctx, s.loginBase+"/"+s.tenantID+"/oauth2/v2.0/devicecode", form)
	if err != nil {
		return nil, &Error{
			Kind:        KindAuthFailed,
			Strategy:    "devicecode",
			Message:     "could not start the device sign-in",
			Remediation: "check the profile's tenantId and network connectivity",
			cause:       err,
		}
	}

	var code deviceCodeResponse
	if err := json.Unmarshal(body, &code); err != nil || code.DeviceCode == "" {
		return nil, &Error{
			Kind:     KindAuthFailed,
			Strategy: "devicecode",
			Message:  "unexpected device code response",
			cause:    err,
		}
	}
	return &code, nil
}

// pollToken asks the token endpoint once. retry is true while the user has
// not finished sign-in yet; slow_down grows the polling interval.
func (s *DeviceCodeStrategy) pollToken(ctx context.Context, deviceCode string, interval *time.Duration) (*Token, bool, error) {
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {s.clientID},
		"device_code": {deviceCode},
	}
	body, err := s.postForm(ctx, s.loginBase+"/"+s.tenantID+"/oauth2/v2.0/token", form)
	if err != nil {
		return nil, false, &Error{
			Kind:     KindAuthFailed,
			Strategy: "devicecode",
			Message:  "token request failed",
			cause:    err,
		}
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, false, &Error{
			Kind:     KindAuthFailed,
			Strategy: "devicecode",
			Message:  "unexpected token response",
			cause:    err,
		}
	}

	switch token.Error {
	case "":
	case "authorization_pending":
		return nil, true, nil
	case "slow_down":
		*interval += 5 * time.Second
		return nil, true, nil
	case "expired_token":
		return nil, false, &Error{
			Kind:        KindAuthFailed,
			Strategy:    "devicecode",
			Message:     "the device code expired before sign-in completed",
			Remediation: "start the sign-in again and enter the code promptly",
		}
	case "access_denied":
		return nil, false, &Error{
			Kind:        KindAuthFailed,
			Strategy:    "devicecode",
			Message:     "sign-in was declined",
			Remediation: "approve the sign-in request, or use a different account",
		}
	default:
		return nil, false, &Error{
			Kind:     KindAuthFailed,
			Strategy: "devicecode",
			Message:  fmt.Sprintf("token endpoint returned %s: %s", token.Error, token.Description),
		}
	}

	return &Token{
		Authenticated: true,
		AccessToken:   token.AccessToken,
		User:          tokenUser(token.AccessToken),
		ExpiresOn:     s.now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}, false, nil
}

// postForm sends a form POST and returns the body for both success and
// OAuth-style error statuses, since AAD reports pending states as 400s.
func (s *DeviceCodeStrategy) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return body, nil
}
