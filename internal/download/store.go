package download

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/mediafetch/backend/internal/errors"
)

// SnapshotStore mirrors job snapshots so they outlive the live job
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, jobID string) (Snapshot, error)
	ListByUser(ctx context.Context, userID string) ([]Snapshot, error)
}

// DefaultRetainPerUser is how many finished jobs MemoryStore keeps per user
const DefaultRetainPerUser = 20

// MemoryStore keeps snapshots in process. Finished jobs beyond the per-user
// retention are dropped oldest first.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]Snapshot
	byUser map[string][]string
	retain int
}

func NewMemoryStore(retainPerUser int) *MemoryStore {
	if retainPerUser <= 0 {
		retainPerUser = DefaultRetainPerUser
	}
	return &MemoryStore{
		byID:   make(map[string]Snapshot),
		byUser: make(map[string][]string),
		retain: retainPerUser,
	}
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[snap.ID]; !ok {
		s.byUser[snap.UserID] = append(s.byUser[snap.UserID], snap.ID)
	}
	s.byID[snap.ID] = snap
	s.trim(snap.UserID)
	return nil
}

// trim drops the oldest finished jobs of a user over the retention limit.
// Live jobs are never dropped.
func (s *MemoryStore) trim(userID string) {
	ids := s.byUser[userID]
	finished := 0
	for _, id := range ids {
		if s.byID[id].IsTerminal() {
			finished++
		}
	}

	kept := ids[:0]
	for _, id := range ids {
		if finished > s.retain && s.byID[id].IsTerminal() {
			delete(s.byID, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	s.byUser[userID] = kept
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.byID[jobID]
	if !ok {
		return Snapshot{}, apperrors.JobNotFound()
	}
	return snap, nil
}

// ListByUser returns the user's jobs, newest first
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Snapshot, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		out = append(out, s.byID[id])
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
}
