package crowdmix

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ============================================================================
// Offline fallback store
// ============================================================================

// SnapshotKind names a logical resource kind. The store keeps exactly one
// slot per kind: "the last thing successfully fetched of this kind", not a
// multi-entity cache.
type SnapshotKind string

const (
	SnapshotEvents   SnapshotKind = "events"
	SnapshotPlaylist SnapshotKind = "playlist"
)

// Snapshot is a persisted last-known-good payload. No TTL applies: snapshot
// data is an explicitly staleness-tolerant last resort, and callers surface
// that served data is cache-backed.
type Snapshot struct {
	Kind    SnapshotKind    `json:"kind"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	SavedAt time.Time       `json:"savedAt"`
}

// SnapshotStore persists last-known-good snapshots and serves them when a
// live fetch fails. Save overwrites the kind's slot wholesale; Load returns
// ErrNoSnapshot when the slot is empty and ErrSnapshotMismatch when the slot
// was saved under a different identifying key than requested.
type SnapshotStore interface {
	Save(ctx context.Context, kind SnapshotKind, key string, value any) error
	Load(ctx context.Context, kind SnapshotKind, key string) (*Snapshot, error)
}

// DecodeSnapshot unmarshals a snapshot payload into T.
func DecodeSnapshot[T any](s *Snapshot) (T, error) {
	var v T
	if err := json.Unmarshal(s.Payload, &v); err != nil {
		return v, &DecodeError{What: fmt.Sprintf("%s snapshot", s.Kind), Err: err}
	}
	return v, nil
}

// ============================================================================
// MemorySnapshotStore
// ============================================================================

// MemorySnapshotStore keeps snapshots in process memory. It is the default
// store; persistence across runs needs a FileSnapshotStore.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	slots map[SnapshotKind]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{slots: make(map[SnapshotKind]Snapshot)}
}

func (s *MemorySnapshotStore) Save(ctx context.Context, kind SnapshotKind, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot: %w", kind, err)
	}
	s.mu.Lock()
	s.slots[kind] = Snapshot{Kind: kind, Key: key, Payload: payload, SavedAt: time.Now().UTC()}
	s.mu.Unlock()
	return nil
}

func (s *MemorySnapshotStore) Load(ctx context.Context, kind SnapshotKind, key string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.slots[kind]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoSnapshot
	}
	if snap.Key != key {
		return nil, ErrSnapshotMismatch
	}
	return &snap, nil
}

// ============================================================================
// FileSnapshotStore
// ============================================================================

// FileSnapshotStore persists one JSON file per kind under an
// application-private directory. Timestamps are RFC 3339.
type FileSnapshotStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileSnapshotStore creates the directory if needed.
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) path(kind SnapshotKind) string {
	return filepath.Join(s.dir, string(kind)+".json")
}

func (s *FileSnapshotStore) Save(ctx context.Context, kind SnapshotKind, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot: %w", kind, err)
	}
	snap := Snapshot{Kind: kind, Key: key, Payload: payload, SavedAt: time.Now().UTC()}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot envelope: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.path(kind) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s snapshot: %w", kind, err)
	}
	if err := os.Rename(tmp, s.path(kind)); err != nil {
		return fmt.Errorf("replace %s snapshot: %w", kind, err)
	}
	return nil
}

func (s *FileSnapshotStore) Load(ctx context.Context, kind SnapshotKind, key string) (*Snapshot, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(kind))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read %s snapshot: %w", kind, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &DecodeError{What: fmt.Sprintf("%s snapshot file", kind), Err: err}
	}
	if snap.Key != key {
		return nil, ErrSnapshotMismatch
	}
	return &snap, nil
}
