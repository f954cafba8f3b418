// Package cache provides a content-addressed, TTL-bound store for query
// results, keyed by a stable fingerprint of the work that produced them.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Entry is one cached query result on disk.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	CreatedAt   time.Time       `json:"createdAt"`
	TTLSeconds  int             `json:"ttlSeconds"`
	Result      json.RawMessage `json:"result"`
}

// Store is a file-backed cache: one JSON file per fingerprint. The backing
// directory is created lazily on the first Set, so workspaces that never
// cache never acquire cache artifacts on disk.
//
// Concurrent writers to the same fingerprint race benignly: last writer
// wins, and both results are equivalent for a deterministic query.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates a store rooted at dir. The directory is not created here.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Fingerprint derives the stable cache key for one unit of query work. The
// query text is normalized so whitespace-only differences share an entry.
func Fingerprint(profileName, queryText string, rowLimit int) string {
	h := sha256.New()
	h.Write([]byte(profileName))
	h.Write([]byte{0})
	h.Write([]byte(normalizeQuery(queryText)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(rowLimit)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeQuery collapses runs of whitespace to single spaces and trims.
func normalizeQuery(queryText string) string {
	return strings.Join(strings.Fields(queryText), " ")
}

// Get returns the cached result for a fingerprint. Absent, unreadable, and
// expired entries are all a miss; expired entries stay on disk until the
// next Set overwrites them.
func (s *Store) Get(fingerprint string) (json.RawMessage, bool) {
	// #nosec G304 -- the path is derived from a hex fingerprint under our dir
	data, err := os.ReadFile(s.entryPath(fingerprint))
	if err != nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}

	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if s.now().Sub(entry.CreatedAt) >= ttl {
		return nil, false
	}
	return entry.Result, true
}

// Set stores a result under a fingerprint, creating the cache directory on
// first use.
func (s *Store) Set(fingerprint string, result json.RawMessage, ttlSeconds int) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	entry := Entry{
		Fingerprint: fingerprint,
		CreatedAt:   s.now(),
		TTLSeconds:  ttlSeconds,
		Result:      result,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	if err := os.WriteFile(s.entryPath(fingerprint), data, 0o600); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Clear removes every cache entry. A cache directory that was never created
// is already clear.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing cache directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entryExt) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("removing cache entry: %w", err)
		}
	}
	return nil
}

const entryExt = ".json"

func (s *Store) entryPath(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint+entryExt)
}
