package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-classb/internal/models"
)

// MemoryStore keeps everything in process. Transactions are not isolated:
// BeginTx returns the store itself.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*models.EventLog
	seen   map[uuid.UUID]bool
	runs   map[uuid.UUID]*models.RunSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen: make(map[uuid.UUID]bool),
		runs: make(map[uuid.UUID]*models.RunSummary),
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) { return s, nil }
func (s *MemoryStore) Commit() error                              { return nil }
func (s *MemoryStore) Rollback() error                            { return nil }
func (s *MemoryStore) Close() error                               { return nil }

func (s *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if s.seen[event.ID] {
		return nil
	}
	s.seen[event.ID] = true
	e := *event
	s.events = append(s.events, &e)
	return nil
}

func (s *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.EventLog
	for _, e := range s.events {
		if filters.match(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].At < matched[j].At })
	return page(matched, limit, offset), int64(len(matched)), nil
}

func (s *MemoryStore) SaveRunSummary(ctx context.Context, run *models.RunSummary) error {
	if run.ID == uuid.Nil {
		return ErrInvalidData
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *run
	s.runs[run.ID] = &r
	return nil
}

func (s *MemoryStore) GetRunSummary(ctx context.Context, id uuid.UUID) (*models.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) ListRunSummaries(ctx context.Context, limit, offset int) ([]*models.RunSummary, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*models.RunSummary, 0, len(s.runs))
	for _, r := range s.runs {
		out := *r
		runs = append(runs, &out)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return page(runs, limit, offset), int64(len(runs)), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
