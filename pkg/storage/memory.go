package storage

import (
	"sort"
	"sync"
	"time"

	"media-intelligence/pkg/models"
)

// MemoryStore tracks runs while they are in flight and for a while after
// they finish, so status lookups and the websocket stream can poll them.
type MemoryStore interface {
	StoreRun(run *models.RunStatus) error
	GetRun(id string) (*models.RunStatus, error)
	UpdateRunState(id string, state models.State, stage string, attempt int) error
	CompleteRun(id string, state models.State, resp *models.Response) error
	ListRuns() []*models.RunStatus
	// Prune drops finished runs last updated before cutoff and returns how many went.
	Prune(cutoff time.Time) int
}

type memoryStore struct {
	runs map[string]*models.RunStatus
	mu   sync.RWMutex
	now  func() time.Time
}

func NewMemoryStore() MemoryStore {
	return &memoryStore{
		runs: make(map[string]*models.RunStatus),
		now:  time.Now,
	}
}

func (s *memoryStore) StoreRun(run *models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.runs[run.RunID] = &cp
	return nil
}

// GetRun returns a copy, so callers never race with later updates.
func (s *memoryStore) GetRun(id string) (*models.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *memoryStore) UpdateRunState(id string, state models.State, stage string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return ErrRunNotFound
	}
	run.State = state
	run.Stage = stage
	run.Attempt = attempt
	run.UpdatedAt = s.now()
	return nil
}

func (s *memoryStore) CompleteRun(id string, state models.State, resp *models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return ErrRunNotFound
	}
	run.State = state
	run.Stage = ""
	run.Response = resp
	run.UpdatedAt = s.now()
	return nil
}

func (s *memoryStore) ListRuns() []*models.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*models.RunStatus, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	return runs
}

func (s *memoryStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, run := range s.runs {
		if run.State.Terminal() && run.UpdatedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n
}
