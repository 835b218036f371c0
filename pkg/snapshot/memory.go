package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srediag/component-runtime/api"
)

// MemoryStore is the in-process SnapshotStore backend: same contract
// as SQLiteStore without durability. The default for tests and for
// runtimes configured without a snapshot path.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string][]api.SnapshotRecord // ascending by version
	pins map[string]map[uint64]struct{}
}

var _ api.SnapshotStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recs: make(map[string][]api.SnapshotRecord),
		pins: make(map[string]map[uint64]struct{}),
	}
}

func (s *MemoryStore) Save(_ context.Context, id string, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := uint64(1)
	if existing := s.recs[id]; len(existing) > 0 {
		version = existing[len(existing)-1].Version + 1
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.recs[id] = append(s.recs[id], api.SnapshotRecord{
		ComponentID: id,
		Version:     version,
		Payload:     buf,
		CreatedAt:   time.Now().UTC(),
	})
	return version, nil
}

func (s *MemoryStore) Load(_ context.Context, id string, version uint64) (api.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs[id] {
		if rec.Version == version {
			return rec, nil
		}
	}
	return api.SnapshotRecord{}, fmt.Errorf("%w: %q v%d", ErrNotFound, id, version)
}

func (s *MemoryStore) Latest(_ context.Context, id string) (api.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recs[id]
	if len(recs) == 0 {
		return api.SnapshotRecord{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return recs[len(recs)-1], nil
}

func (s *MemoryStore) Versions(_ context.Context, id string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recs[id]
	versions := make([]uint64, len(recs))
	for i, rec := range recs {
		versions[i] = rec.Version
	}
	return versions, nil
}

func (s *MemoryStore) Pin(_ context.Context, id string, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[id] == nil {
		s.pins[id] = make(map[uint64]struct{})
	}
	s.pins[id][version] = struct{}{}
	return nil
}

func (s *MemoryStore) Unpin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, id)
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, recs := range s.recs {
		if len(recs) <= keep {
			continue
		}
		cutoff := len(recs) - keep
		kept := make([]api.SnapshotRecord, 0, keep)
		for i, rec := range recs {
			if i >= cutoff {
				kept = append(kept, rec)
				continue
			}
			if _, pinned := s.pins[id][rec.Version]; pinned {
				kept = append(kept, rec)
			}
		}
		s.recs[id] = kept
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
