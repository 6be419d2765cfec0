// Package state models per-stream bookmarks and persists them atomically,
// the way a Singer runtime checkpoints progress between STATE messages.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Bookmark is the last-known position for one stream. Value holds either a
// replication-key scalar (string/number, for sorted streams) or an LSN
// (for log-based streams, which track a running maximum rather than the
// most recently emitted value — see Store.AdvanceMax).
type Bookmark struct {
	ReplicationKey string      `json:"replication_key,omitempty"`
	Value          interface{} `json:"value,omitempty"`
}

// Store holds one Bookmark per stream id and can persist itself to disk.
type Store struct {
	mu        sync.Mutex
	path      string
	bookmarks map[string]Bookmark
}

// Load reads a state file at path, if it exists, or returns an empty Store
// bound to that path for later Save calls.
func Load(path string) (*Store, error) {
	s := &Store{path: path, bookmarks: make(map[string]Bookmark)}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: reading %s: %w", path, err)
	}

	var raw struct {
		Bookmarks map[string]Bookmark `json:"bookmarks"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("state: parsing %s: %w", path, err)
		}
	}
	if raw.Bookmarks != nil {
		s.bookmarks = raw.Bookmarks
	}
	return s, nil
}

// Get returns the bookmark for streamID, and whether one was present.
func (s *Store) Get(streamID string) (Bookmark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookmarks[streamID]
	return b, ok
}

// Set overwrites the bookmark for streamID unconditionally (used by sorted
// streams, where the most recently emitted value is always the new bookmark).
func (s *Store) Set(streamID string, b Bookmark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks[streamID] = b
}

// AdvanceMax sets the bookmark for streamID to value only if it exceeds the
// current bookmark (or none exists yet). Log-based streams are unsorted —
// per spec.md §5, the advancer must track a running maximum rather than
// assume each emitted value is monotonically greater than the last.
func (s *Store) AdvanceMax(streamID, replicationKey string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.bookmarks[streamID]
	if ok {
		if existing, isInt := toInt64(current.Value); isInt && existing >= value {
			return
		}
	}
	s.bookmarks[streamID] = Bookmark{ReplicationKey: replicationKey, Value: value}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// Save atomically persists the store to its bound path via a temp-file-plus-
// rename, so a crash mid-write never leaves a truncated or corrupt state file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}

	payload := struct {
		Bookmarks map[string]Bookmark `json:"bookmarks"`
	}{Bookmarks: s.bookmarks}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("state: renaming into place: %w", err)
	}
	return nil
}
