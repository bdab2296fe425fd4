// Package snapshot holds committed principal snapshots in process.
package snapshot

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"example.com/principalanalytics/internal/domain"
)

// slot is the per-principal pointer pair. current is swapped atomically; commits to one
// slot are serialised by mu so the version check and the swap happen together.
type slot struct {
	mu       sync.Mutex
	current  atomic.Pointer[domain.Snapshot]
	previous atomic.Pointer[domain.Snapshot]
	latest   atomic.Uint64
}

// MemoryStore is an in-process domain.SnapshotStore. Readers never take the commit lock.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]*slot)}
}

func (s *MemoryStore) lookup(principalID string) *slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[principalID]
}

func (s *MemoryStore) slotFor(principalID string) *slot {
	if sl := s.lookup(principalID); sl != nil {
		return sl
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[principalID]
	if !ok {
		sl = &slot{}
		s.slots[principalID] = sl
	}
	return sl
}

// Current implements domain.SnapshotReader.
func (s *MemoryStore) Current(ctx context.Context, principalID string) (*domain.Snapshot, error) {
	sl := s.lookup(principalID)
	if sl == nil {
		return nil, domain.ErrNotFound
	}
	snap := sl.current.Load()
	if snap == nil {
		return nil, domain.ErrNotFound
	}
	if snap.PrincipalID != principalID {
		return nil, fmt.Errorf("%w: slot %s points at principal %s", domain.ErrSnapshotStoreCorrupted, principalID, snap.PrincipalID)
	}
	return snap, nil
}

// Previous returns the snapshot replaced by the current one.
func (s *MemoryStore) Previous(ctx context.Context, principalID string) (*domain.Snapshot, error) {
	sl := s.lookup(principalID)
	if sl == nil {
		return nil, domain.ErrNotFound
	}
	snap := sl.previous.Load()
	if snap == nil {
		return nil, domain.ErrNotFound
	}
	return snap, nil
}

// LatestVersion implements domain.SnapshotStore.
func (s *MemoryStore) LatestVersion(ctx context.Context, principalID string) (uint64, error) {
	sl := s.lookup(principalID)
	if sl == nil {
		return 0, nil
	}
	return sl.latest.Load(), nil
}

// Commit implements domain.SnapshotStore.
func (s *MemoryStore) Commit(ctx context.Context, snapshot domain.Snapshot) error {
	if strings.TrimSpace(snapshot.PrincipalID) == "" {
		return domain.ErrMissingIdentifier
	}
	sl := s.slotFor(snapshot.PrincipalID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	cur := sl.current.Load()
	if cur != nil {
		if cur.PrincipalID != snapshot.PrincipalID {
			return fmt.Errorf("%w: slot %s points at principal %s", domain.ErrSnapshotStoreCorrupted, snapshot.PrincipalID, cur.PrincipalID)
		}
		if cur.Version > sl.latest.Load() {
			return fmt.Errorf("%w: current version %d above high-water mark %d", domain.ErrSnapshotStoreCorrupted, cur.Version, sl.latest.Load())
		}
	}
	if snapshot.Version <= sl.latest.Load() {
		return fmt.Errorf("%w: principal %s version %d, latest %d", domain.ErrStaleVersion, snapshot.PrincipalID, snapshot.Version, sl.latest.Load())
	}

	committed := snapshot
	if cur != nil {
		sl.previous.Store(cur)
	}
	sl.latest.Store(committed.Version)
	sl.current.Store(&committed)
	return nil
}

// Retire implements domain.SnapshotStore. The version high-water mark survives retirement
// so a re-flagged principal continues from a higher version.
func (s *MemoryStore) Retire(ctx context.Context, principalID string) (bool, error) {
	sl := s.lookup(principalID)
	if sl == nil {
		return false, nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	cur := sl.current.Swap(nil)
	if cur == nil {
		return false, nil
	}
	sl.previous.Store(cur)
	return true, nil
}

// ListSummaries implements domain.SnapshotReader. It runs in time proportional to the number of principals.
func (s *MemoryStore) ListSummaries(ctx context.Context) ([]domain.SummaryRecord, error) {
	s.mu.RLock()
	out := make([]domain.SummaryRecord, 0, len(s.slots))
	for _, sl := range s.slots {
		if snap := sl.current.Load(); snap != nil {
			out = append(out, snap.Record())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.SummaryRecord) int { return strings.Compare(a.PrincipalID, b.PrincipalID) })
	return out, nil
}
