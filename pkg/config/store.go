package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when no configuration document exists at any
// of the discovery locations. It is terminal for the caller, not retried.
var ErrConfigNotFound = errors.New("no bctb configuration found")

// ConfigDirName is the directory that holds a configuration document,
// relative to the working directory, the workspace root, or the user home.
const ConfigDirName = ".bctb"

// WorkspaceEnvVar names the workspace root supplied by the caller.
const WorkspaceEnvVar = "BCTB_WORKSPACE"

// ProfileEnvVar overrides the profile selected by resolution.
const ProfileEnvVar = "BCTB_PROFILE"

// configFileNames are tried in order inside each candidate directory.
var configFileNames = []string{"config.json", "config.yaml", "config.yml"}

// Document is a raw configuration document: either a single implicit
// profile (backward-compatible flat document) or a named map of profiles
// with a defaultProfile pointer and document-wide defaults.
//
// The document keeps the decoded tree as generic maps because inheritance
// merging operates on open-ended profile records.
type Document struct {
	Path string

	raw map[string]any
}

// Load discovers and parses a configuration document. Resolution order,
// first match wins: the explicit path argument, the working directory, the
// workspace root (BCTB_WORKSPACE), the user home directory.
func Load(explicitPath string) (*Document, error) {
	if explicitPath != "" {
		return loadFile(explicitPath)
	}

	for _, dir := range candidateDirs() {
		for _, name := range configFileNames {
			path := filepath.Join(dir, ConfigDirName, name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			return loadFile(path)
		}
	}

	return nil, ErrConfigNotFound
}

func candidateDirs() []string {
	dirs := make([]string, 0, 3)
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if ws := os.Getenv(WorkspaceEnvVar); ws != "" {
		dirs = append(dirs, ws)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	return dirs
}

func loadFile(path string) (*Document, error) {
	// #nosec G304 -- path is discovered from fixed locations or CLI args
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes a configuration document from raw bytes. YAML files are
// recognized by extension; everything else is treated as JSON.
func Parse(path string, data []byte) (*Document, error) {
	raw := map[string]any{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	return &Document{Path: path, raw: raw}, nil
}

// NewDocument builds a document from an already-decoded tree. Intended for
// callers that obtain configuration from somewhere other than a file.
func NewDocument(raw map[string]any) *Document {
	return &Document{raw: raw}
}

// HasProfiles reports whether the document carries a named profiles map, as
// opposed to being a single implicit profile.
func (d *Document) HasProfiles() bool {
	_, ok := d.profiles()
	return ok
}

// ProfileNames returns the names of all declared profiles.
func (d *Document) ProfileNames() []string {
	profiles, ok := d.profiles()
	if !ok {
		return nil
	}
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	return names
}

// DefaultProfile returns the document's defaultProfile pointer, if any.
func (d *Document) DefaultProfile() string {
	name, _ := d.raw["defaultProfile"].(string)
	return name
}

// TelemetryDefaults returns the document-wide telemetry policy block.
func (d *Document) TelemetryDefaults() TelemetryPolicy {
	var policy TelemetryPolicy
	block, ok := d.raw["telemetry"].(map[string]any)
	if !ok {
		return policy
	}
	decodeRecord(block, &policy)
	return policy
}

// AuditDefaults returns the document-wide query history policy block.
func (d *Document) AuditDefaults() AuditPolicy {
	var policy AuditPolicy
	block, ok := d.raw["audit"].(map[string]any)
	if !ok {
		return policy
	}
	decodeRecord(block, &policy)
	return policy
}

func (d *Document) profiles() (map[string]map[string]any, bool) {
	block, ok := d.raw["profiles"].(map[string]any)
	if !ok {
		return nil, false
	}
	profiles := make(map[string]map[string]any, len(block))
	for name, value := range block {
		record, ok := value.(map[string]any)
		if !ok {
			record = map[string]any{}
		}
		profiles[name] = record
	}
	return profiles, true
}

// defaultsFor returns the document-wide defaults block for a profile field.
func (d *Document) defaultsFor(key string) (map[string]any, bool) {
	block, ok := d.raw[key].(map[string]any)
	return block, ok
}
