package auth

import (
	"context"
	"fmt"
	"os"
	"time"
)

// HostDelegatedStrategy reuses a short-lived token injected by the hosting
// environment through an environment variable. The token is re-read on each
// Acquire, so once the cached session nears expiry the provider picks up
// whatever the host has injected since.
type HostDelegatedStrategy struct {
	envVar string

	lookupEnv func(string) (string, bool)
	now       func() time.Time
}

// NewHostDelegatedStrategy creates the host-delegated strategy reading the
// given environment variable.
func NewHostDelegatedStrategy(envVar string) *HostDelegatedStrategy {
	return &HostDelegatedStrategy{
		envVar:    envVar,
		lookupEnv: os.LookupEnv,
		now:       time.Now,
	}
}

// Name implements Strategy.
func (*HostDelegatedStrategy) Name() string {
	return "hostdelegated"
}

// Acquire reads the injected token. Unlike the other strategies there is no
// exchange to perform; a missing token is an environment problem, and the
// remediation says so explicitly.
func (s *HostDelegatedStrategy) Acquire(_ context.Context) (*Token, error) {
	raw, ok := s.lookupEnv(s.envVar)
	if !ok || raw == "" {
		return nil, &Error{
			Kind:     KindTokenUnavailable,
			Strategy: "hostdelegated",
			Message:  fmt.Sprintf("no token found in %s", s.envVar),
			Remediation: fmt.Sprintf(
				"the hosting environment must inject a bearer token into %s before starting; "+
					"if you are running outside such a host, switch the profile's authFlow to azcli, devicecode, or clientcredentials",
				s.envVar),
		}
	}

	expiresOn := tokenExpiry(raw)
	if expiresOn.IsZero() {
		// Opaque token: trust it for a short window, then re-read.
		expiresOn = s.now().Add(safetyMargin + 10*time.Minute)
	}

	return &Token{
		Authenticated: true,
		AccessToken:   raw,
		User:          tokenUser(raw),
		ExpiresOn:     expiresOn,
	}, nil
}
