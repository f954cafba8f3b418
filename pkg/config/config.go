// Package config loads configuration documents and resolves named,
// inheritable connection profiles for the telemetry backend.
package config

import (
	"fmt"
	"strings"
)

// AuthFlow selects the authentication strategy for a profile.
type AuthFlow string

const (
	// AuthFlowAzCLI obtains a token from a local Azure CLI login session.
	AuthFlowAzCLI AuthFlow = "azcli"

	// AuthFlowDeviceCode performs the interactive device authorization grant.
	AuthFlowDeviceCode AuthFlow = "devicecode"

	// AuthFlowClientCredentials exchanges a client id/secret for a token.
	AuthFlowClientCredentials AuthFlow = "clientcredentials"

	// AuthFlowHostDelegated reuses a short-lived token injected by the
	// hosting environment.
	AuthFlowHostDelegated AuthFlow = "hostdelegated"
)

// ValidAuthFlows is the closed set of recognized auth flows.
var ValidAuthFlows = map[AuthFlow]bool{
	AuthFlowAzCLI:             true,
	AuthFlowDeviceCode:        true,
	AuthFlowClientCredentials: true,
	AuthFlowHostDelegated:     true,
}

// CachePolicy configures per-query result caching for a profile.
type CachePolicy struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	TTLSeconds int  `json:"ttlSeconds" yaml:"ttlSeconds"`
}

// SanitizePolicy configures PII removal from query results.
type SanitizePolicy struct {
	RemovePII bool `json:"removePii" yaml:"removePii"`
}

// TelemetryPolicy configures usage telemetry emission and its rate limits.
type TelemetryPolicy struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	MaxEventsPerSession int  `json:"maxEventsPerSession" yaml:"maxEventsPerSession"`
	MaxEventsPerMinute  int  `json:"maxEventsPerMinute" yaml:"maxEventsPerMinute"`
	MaxIdenticalErrors  int  `json:"maxIdenticalErrors" yaml:"maxIdenticalErrors"`
	ErrorCooldownMS     int  `json:"errorCooldownMs" yaml:"errorCooldownMs"`
}

// AuditPolicy controls the local query history log. It is a document-wide
// setting, never per profile.
type AuditPolicy struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ResolvedProfile is a profile with inheritance, document defaults, and
// environment substitution fully applied. No further lookups are needed:
// there is no extends reference and no unexpanded ${VAR} token left.
type ResolvedProfile struct {
	Name           string          `json:"name"`
	ConnectionName string          `json:"connectionName"`
	TenantID       string          `json:"tenantId"`
	AuthFlow       AuthFlow        `json:"authFlow"`
	ClientID       string          `json:"clientId"`
	ClientSecret   string          `json:"clientSecret"`
	AppID          string          `json:"appId"`
	ClusterURL     string          `json:"clusterUrl"`
	TokenEnvVar    string          `json:"tokenEnvVar"`
	Cache          CachePolicy     `json:"cache"`
	Sanitize       SanitizePolicy  `json:"sanitize"`
	Telemetry      TelemetryPolicy `json:"telemetry"`
	Advanced       map[string]any  `json:"advanced,omitempty"`
}

// Validate checks that the resolved profile is usable. It reports every
// problem at once so a blank ${VAR} expansion still surfaces as a specific
// configuration error instead of an opaque downstream auth failure.
func (p *ResolvedProfile) Validate() error {
	var errs []string

	if p.AppID == "" && p.ClusterURL == "" {
		errs = append(errs, "profile must set appId or clusterUrl")
	}
	if p.AuthFlow != "" && !ValidAuthFlows[p.AuthFlow] {
		errs = append(errs, fmt.Sprintf("unknown authFlow %q", p.AuthFlow))
	}
	switch p.AuthFlow {
	case AuthFlowDeviceCode, AuthFlowClientCredentials:
		if p.TenantID == "" {
			errs = append(errs, fmt.Sprintf("authFlow %q requires tenantId", p.AuthFlow))
		}
	case AuthFlowAzCLI, AuthFlowHostDelegated, "":
	}
	if p.Cache.Enabled && p.Cache.TTLSeconds < 0 {
		errs = append(errs, "cache.ttlSeconds must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("profile %q validation errors: %s", p.Name, strings.Join(errs, "; "))
	}
	return nil
}

// applyProfileDefaults fills defaults on a resolved profile.
func applyProfileDefaults(p *ResolvedProfile) {
	if p.AuthFlow == "" {
		p.AuthFlow = AuthFlowAzCLI
	}
	if p.Cache.Enabled && p.Cache.TTLSeconds == 0 {
		p.Cache.TTLSeconds = defaultCacheTTLSeconds
	}
	if p.TokenEnvVar == "" {
		p.TokenEnvVar = DefaultTokenEnvVar
	}
}

const defaultCacheTTLSeconds = 3600

// DefaultTokenEnvVar is the environment variable the host-delegated auth
// flow reads when the profile does not name its own.
const DefaultTokenEnvVar = "BCTB_ACCESS_TOKEN"
