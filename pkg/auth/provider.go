// Package auth acquires bearer tokens for resolved connection profiles.
//
// A Provider owns the cached token for exactly one profile. Callers that
// switch between profiles must hold one Provider per profile; sharing a
// Provider across profiles would leak tokens between backends.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/waldo1001/bctb/pkg/config"
)

// safetyMargin is how long before expiry a cached token is refreshed.
const safetyMargin = 5 * time.Minute

// Token is the uniform result of every authentication strategy. Callers and
// the session cache never branch on which strategy produced it.
type Token struct {
	Authenticated bool
	AccessToken   string
	User          string
	ExpiresOn     time.Time
}

// Strategy is one of the four interchangeable ways to obtain a token.
type Strategy interface {
	// Name identifies the strategy in errors and telemetry.
	Name() string

	// Acquire obtains a fresh token. The device-code strategy blocks for a
	// human-timescale interval; the context bounds every strategy.
	Acquire(ctx context.Context) (*Token, error)
}

// Provider caches a token per profile and refreshes it through the selected
// strategy once the expiry safety margin is reached.
type Provider struct {
	strategy Strategy

	mu      sync.Mutex
	session *Token

	now func() time.Time
}

// NewProvider creates a provider around an explicit strategy.
func NewProvider(strategy Strategy) *Provider {
	return &Provider{strategy: strategy, now: time.Now}
}

// ForProfile creates a provider with the strategy selected by the profile's
// authFlow. The selection happens once, here; there is no per-call dispatch
// on a string flag.
func ForProfile(profile *config.ResolvedProfile) (*Provider, error) {
	var strategy Strategy
	switch profile.AuthFlow {
	case config.AuthFlowAzCLI, "":
		strategy = NewAzCLIStrategy()
	case config.AuthFlowDeviceCode:
		strategy = NewDeviceCodeStrategy(profile.TenantID, profile.ClientID)
	case config.AuthFlowClientCredentials:
		strategy = NewClientCredentialsStrategy(profile.TenantID, profile.ClientID, profile.ClientSecret)
	case config.AuthFlowHostDelegated:
		strategy = NewHostDelegatedStrategy(profile.TokenEnvVar)
	default:
		return nil, fmt.Errorf("profile %q: unknown authFlow %q", profile.Name, profile.AuthFlow)
	}
	return NewProvider(strategy), nil
}

// GetAccessToken returns a valid bearer token for the provider's profile,
// reusing the cached session while it stays outside the safety margin.
func (p *Provider) GetAccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil && p.now().Before(p.session.ExpiresOn.Add(-safetyMargin)) {
		return p.session.AccessToken, nil
	}

	token, err := p.strategy.Acquire(ctx)
	if err != nil {
		return "", err
	}

	p.session = token
	return token.AccessToken, nil
}

// Invalidate drops the cached session so the next call re-authenticates.
// Useful after the backend rejects a token that should still be valid.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
}

// StrategyName returns the name of the underlying strategy.
func (p *Provider) StrategyName() string {
	return p.strategy.Name()
}
