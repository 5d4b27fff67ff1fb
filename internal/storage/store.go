// Package storage implements the file-backed, TTL-indexed store for OAuth
// artifacts: inbound sessions and client registrations, authorization codes
// and requests, and per-upstream credential bundles.
//
// Records are flat JSON files named <prefix><id>.json under a single
// directory. Every record carries `expires` and `createdAt` epoch-millisecond
// fields alongside its payload; a background sweeper removes expired and
// corrupt files. Writes go through a temp file plus atomic rename so readers
// never observe a partial record.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"onemcp/pkg/logging"
)

// Category identifies one kind of stored artifact. The value is the
// filename prefix.
type Category string

const (
	// CategoryAuthCode holds inbound AS authorization codes.
	CategoryAuthCode Category = "auth_code_"

	// CategoryAuthRequest holds pending inbound authorization requests.
	CategoryAuthRequest Category = "auth_req_"

	// CategorySession holds inbound access-token bindings and client
	// registrations.
	CategorySession Category = "session_"

	// CategoryClientInfo holds outbound dynamic-registration results.
	CategoryClientInfo Category = "client_"

	// CategoryTokens holds outbound access/refresh token bundles.
	CategoryTokens Category = "tokens_"

	// CategoryVerifier holds outbound PKCE code verifiers.
	CategoryVerifier Category = "verifier_"

	// CategoryState holds outbound CSRF state values.
	CategoryState Category = "state_"
)

// Default TTLs per category.
const (
	TTLAuthCode    = 60 * time.Second
	TTLAuthRequest = 10 * time.Minute
	TTLSession     = 24 * time.Hour
	TTLClientInfo  = 30 * 24 * time.Hour
	TTLTokens      = time.Hour
	TTLVerifier    = 10 * time.Minute
	TTLState       = 10 * time.Minute
)

// DefaultTTL returns the default TTL for a category.
func (c Category) DefaultTTL() time.Duration {
	switch c {
	case CategoryAuthCode:
		return TTLAuthCode
	case CategoryAuthRequest:
		return TTLAuthRequest
	case CategorySession:
		return TTLSession
	case CategoryClientInfo:
		return TTLClientInfo
	case CategoryTokens:
		return TTLTokens
	case CategoryVerifier:
		return TTLVerifier
	case CategoryState:
		return TTLState
	default:
		return time.Hour
	}
}

// sweepInterval is how often the background sweeper runs.
const sweepInterval = 5 * time.Minute

// idPattern constrains record ids so the joined filename can never escape
// the storage directory.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ErrInvalidID is returned for ids that fail validation. Such ids never
// touch the filesystem.
type ErrInvalidID struct {
	ID string
}

func (e *ErrInvalidID) Error() string {
	return fmt.Sprintf("invalid storage id %q: must match [A-Za-z0-9_.-], max 128 chars", e.ID)
}

// Store is the file-backed TTL store. All methods are safe for concurrent use.
type Store struct {
	dir string

	mu sync.Mutex // serializes sweeps against shutdown

	stopSweep chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates the storage directory (0700) if needed and starts the
// background sweeper.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session storage directory %s: %w", dir, err)
	}

	s := &Store{
		dir:       dir,
		stopSweep: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.sweepLoop()

	logging.Debug("Storage", "Session store opened at %s", dir)
	return s, nil
}

// Write persists payload under the category and id with the given TTL.
// A ttl of zero uses the category default. The payload must marshal to a
// JSON object; `expires` and `createdAt` are added to it.
func (s *Store) Write(category Category, id string, payload interface{}, ttl time.Duration) error {
	if !idPattern.MatchString(id) {
		return &ErrInvalidID{ID: id}
	}
	if ttl <= 0 {
		ttl = category.DefaultTTL()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode record %s%s: %w", category, id, err)
	}

	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("record %s%s is not a JSON object: %w", category, id, err)
	}

	now := time.Now()
	record["createdAt"] = now.UnixMilli()
	record["expires"] = now.Add(ttl).UnixMilli()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record %s%s: %w", category, id, err)
	}

	final := s.path(category, id)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write record %s%s: %w", category, id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s%s: %w", category, id, err)
	}

	// Atomic rename: readers see either the old record or the new one.
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit record %s%s: %w", category, id, err)
	}

	return nil
}

// Read decodes the record into out. Returns (false, nil) if the record is
// absent, unreadable, or malformed; read errors are logged, not propagated.
// Expiry is not checked here; expired records are removed by the sweeper,
// and callers that care may inspect the record's expires field via ReadRaw.
func (s *Store) Read(category Category, id string, out interface{}) (bool, error) {
	if !idPattern.MatchString(id) {
		return false, &ErrInvalidID{ID: id}
	}

	data, err := os.ReadFile(s.path(category, id))
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("Storage", "Failed to read record %s%s: %v", category, id, err)
		}
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		logging.Warn("Storage", "Malformed record %s%s: %v", category, id, err)
		return false, nil
	}

	return true, nil
}

// ReadRaw returns the full decoded record including the expires and
// createdAt bookkeeping fields.
func (s *Store) ReadRaw(category Category, id string) (map[string]interface{}, bool) {
	var record map[string]interface{}
	ok, err := s.Read(category, id, &record)
	if err != nil || !ok {
		return nil, false
	}
	return record, true
}

// Delete removes a record. Returns true if a file was removed.
func (s *Store) Delete(category Category, id string) (bool, error) {
	if !idPattern.MatchString(id) {
		return false, &ErrInvalidID{ID: id}
	}

	err := os.Remove(s.path(category, id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete record %s%s: %w", category, id, err)
	}
	return true, nil
}

// Sweep removes expired records and files that are not valid JSON.
// Files without an expires field are kept. Returns the number removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logging.Warn("Storage", "Sweep failed to list %s: %v", s.dir, err)
		return 0
	}

	now := time.Now().UnixMilli()
	removed := 0

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var record map[string]interface{}
		if err := json.Unmarshal(data, &record); err != nil {
			// Corrupt records are useless to every reader; drop them.
			if os.Remove(path) == nil {
				removed++
				logging.Debug("Storage", "Swept corrupt record %s", name)
			}
			continue
		}

		expires, ok := record["expires"].(float64)
		if !ok {
			continue
		}
		if int64(expires) < now {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		logging.Debug("Storage", "Sweep removed %d expired record(s)", removed)
	}
	return removed
}

// Shutdown stops the background sweeper. Idempotent.
func (s *Store) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
	<-s.done
}

func (s *Store) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopSweep:
			return
		}
	}
}

func (s *Store) path(category Category, id string) string {
	return filepath.Join(s.dir, string(category)+id+".json")
}
