package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrNoProfileSpecified is returned when a document declares more than one
// profile and neither the caller, the BCTB_PROFILE environment variable, nor
// the document's defaultProfile selects one.
var ErrNoProfileSpecified = errors.New("no profile specified and no defaultProfile set")

// ProfileNotFoundError reports a profile name that does not exist in the
// document, either as the resolution target or as an extends parent.
type ProfileNotFoundError struct {
	Name string
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("profile %q not found", e.Name)
}

// CircularInheritanceError reports a cycle in the extends graph. Cycle holds
// the full walk, ending with the profile that closed the loop.
type CircularInheritanceError struct {
	Cycle []string
}

func (e *CircularInheritanceError) Error() string {
	return "circular profile inheritance: " + strings.Join(e.Cycle, " -> ")
}

// extendsKey references a parent profile inside a profile record. It is
// stripped from the merged result.
const extendsKey = "extends"

// Resolve flattens a named profile against the document: inheritance chain,
// deep merge, document defaults, and ${VAR} environment expansion. The
// result is fully concrete, and resolution is idempotent.
func Resolve(doc *Document, profileName string) (*ResolvedProfile, error) {
	if profileName != "" && strings.TrimSpace(profileName) == "" {
		return nil, fmt.Errorf("invalid profile name %q", profileName)
	}

	profiles, ok := doc.profiles()
	if !ok {
		// Backward-compatible mode: the whole document is one profile. A
		// name already embedded in the document survives, which keeps
		// resolution idempotent for round-tripped profiles.
		return finalize("default", doc.raw, true)
	}

	name, err := targetProfileName(doc, profiles, profileName)
	if err != nil {
		return nil, err
	}

	chain, err := inheritanceChain(profiles, name)
	if err != nil {
		return nil, err
	}

	// Merge from the root ancestor downward: each child overrides its parent.
	merged := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		merged = deepMerge(merged, profiles[chain[i]])
	}
	delete(merged, extendsKey)

	// Document-level defaults apply only where the profile is silent.
	for _, key := range []string{"cache", "sanitize", "telemetry"} {
		defaults, ok := doc.defaultsFor(key)
		if !ok {
			continue
		}
		block, _ := merged[key].(map[string]any)
		merged[key] = deepMerge(copyRecord(defaults), block)
	}

	return finalize(name, merged, false)
}

// targetProfileName picks the profile to resolve: explicit argument, then
// the BCTB_PROFILE override, then the document's defaultProfile. A document
// with exactly one profile needs no selector.
func targetProfileName(doc *Document, profiles map[string]map[string]any, explicit string) (string, error) {
	name := explicit
	if name == "" {
		name = os.Getenv(ProfileEnvVar)
	}
	if name == "" {
		name = doc.DefaultProfile()
	}
	if name == "" {
		if len(profiles) == 1 {
			for only := range profiles {
				return only, nil
			}
		}
		return "", ErrNoProfileSpecified
	}
	if _, ok := profiles[name]; !ok {
		return "", &ProfileNotFoundError{Name: name}
	}
	return name, nil
}

// inheritanceChain walks the extends graph from the target profile up,
// returning child-first order. Cycles are detected with a visited set before
// any merge work, so a long cycle terminates instead of recursing.
func inheritanceChain(profiles map[string]map[string]any, name string) ([]string, error) {
	var chain []string
	visited := map[string]bool{}

	for current := name; current != ""; {
		if visited[current] {
			return nil, &CircularInheritanceError{Cycle: append(chain, current)}
		}
		record, ok := profiles[current]
		if !ok {
			return nil, &ProfileNotFoundError{Name: current}
		}
		visited[current] = true
		chain = append(chain, current)

		parent, _ := record[extendsKey].(string)
		current = parent
	}

	return chain, nil
}

// deepMerge overlays src on dst. Nested records merge recursively; arrays
// and scalars from src replace the dst value wholesale. Presence in src is
// what matters: explicit false and empty-string values override. The inputs
// are not mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := copyRecord(dst)
	for key, value := range src {
		srcRecord, srcIsRecord := value.(map[string]any)
		dstRecord, dstIsRecord := out[key].(map[string]any)
		if srcIsRecord && dstIsRecord {
			out[key] = deepMerge(dstRecord, srcRecord)
			continue
		}
		out[key] = value
	}
	return out
}

func copyRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for key, value := range record {
		if nested, ok := value.(map[string]any); ok {
			out[key] = copyRecord(nested)
			continue
		}
		out[key] = value
	}
	return out
}

// envVarPattern matches ${VAR_NAME} tokens in string values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv substitutes ${VAR} tokens from the process environment in every
// string value, recursively through nested records and arrays. An unset
// variable expands to the empty string; Validate on the resolved profile is
// what catches a required field left blank.
func expandEnv(value any) any {
	switch v := value.(type) {
	case string:
		return envVarPattern.ReplaceAllStringFunc(v, func(match string) string {
			return os.Getenv(match[2 : len(match)-1])
		})
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, nested := range v {
			out[key] = expandEnv(nested)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, nested := range v {
			out[i] = expandEnv(nested)
		}
		return out
	default:
		return value
	}
}

// finalize expands environment variables, decodes the merged record into a
// typed profile, and applies field defaults.
func finalize(name string, record map[string]any, keepEmbeddedName bool) (*ResolvedProfile, error) {
	expanded, _ := expandEnv(record).(map[string]any)

	profile := &ResolvedProfile{}
	if err := decodeRecord(expanded, profile); err != nil {
		return nil, fmt.Errorf("decoding profile %q: %w", name, err)
	}
	if !keepEmbeddedName || profile.Name == "" {
		profile.Name = name
	}
	applyProfileDefaults(profile)

	return profile, nil
}

// decodeRecord converts a generic record into a typed value through a JSON
// round trip, so profile records and document defaults share one shape.
func decodeRecord(record map[string]any, target any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}
