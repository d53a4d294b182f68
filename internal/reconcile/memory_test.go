package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"yoma-reconciler/internal/models"
	"yoma-reconciler/internal/status"
	"yoma-reconciler/internal/store"
)

// memoryRepo is an in-memory Repository with the same ordering and filter rules as the
// Postgres one.
type memoryRepo struct {
	mu         sync.Mutex
	items      map[string]models.PendingItem
	names      map[string]string
	fetches    []store.Filter
	persistErr map[string]error
	persists   int
}

func newMemoryRepo(statuses []models.StatusLookup) *memoryRepo {
	names := make(map[string]string, len(statuses))
	for _, st := range statuses {
		names[st.ID] = st.Name
	}
	return &memoryRepo{
		items:      make(map[string]models.PendingItem),
		names:      names,
		persistErr: make(map[string]error),
	}
}

func (m *memoryRepo) add(items ...models.PendingItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		it.Status = m.names[it.StatusID]
		m.items[it.ID] = it
	}
}

func (m *memoryRepo) get(id string) models.PendingItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

func (m *memoryRepo) FetchBatch(_ context.Context, f store.Filter) ([]models.PendingItem, error) {
	if f.Limit <= 0 {
		return nil, store.ErrInvalidBatchSize
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, f)

	wanted := make(map[string]bool, len(f.StatusIDs))
	for _, id := range f.StatusIDs {
		wanted[id] = true
	}
	skip := make(map[string]bool, len(f.ExcludeIDs))
	for _, id := range f.ExcludeIDs {
		skip[id] = true
	}

	var out []models.PendingItem
	for _, it := range m.items {
		if !wanted[it.StatusID] || skip[it.ID] {
			continue
		}
		if !f.DueBefore.IsZero() && (it.DateEnd == nil || !it.DateEnd.Before(f.DueBefore)) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateCreated.Equal(out[j].DateCreated) {
			return out[i].ID < out[j].ID
		}
		return out[i].DateCreated.Before(out[j].DateCreated)
	})
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memoryRepo) Persist(_ context.Context, item models.PendingItem, fromStatusID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistErr[item.ID]; err != nil {
		return err
	}
	current, ok := m.items[item.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.StatusID != fromStatusID {
		return store.ErrStateMismatch
	}
	item.Status = m.names[item.StatusID]
	m.items[item.ID] = item
	m.persists++
	return nil
}

func (m *memoryRepo) RequeueAll(_ context.Context, from, to string, maxRetry, limit int, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.items {
		if int(n) >= limit {
			break
		}
		if it.StatusID == from && int(it.RetryCount) < maxRetry {
			it.StatusID, it.Status, it.DateModified = to, m.names[to], now
			m.items[id] = it
			n++
		}
	}
	return n, nil
}

type staticStatuses []models.StatusLookup

func (s staticStatuses) ListStatuses(context.Context, string) ([]models.StatusLookup, error) {
	return s, nil
}

func walletStatuses() staticStatuses {
	return staticStatuses{
		{ID: "st-pending", Name: models.StatusPending},
		{ID: "st-created", Name: models.StatusCreated},
		{ID: "st-error", Name: models.StatusError},
	}
}

func resolverFor(rows staticStatuses) *status.Service {
	return status.NewService("wallet_creation_status", rows, nil)
}

type recordingSink struct {
	mu          sync.Mutex
	deadLetters []models.PendingItem
	transitions []models.Transition
	reports     []models.RunReport
}

func (s *recordingSink) Push(_ context.Context, _ string, item models.PendingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, item)
	return nil
}

func (s *recordingSink) Publish(_ context.Context, t models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *recordingSink) Archive(_ context.Context, r models.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

type countingThrottle struct {
	mu      sync.Mutex
	allowed int
}

func (t *countingThrottle) Allow(context.Context, string) (bool, float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowed == 0 {
		return false, 0, nil
	}
	t.allowed--
	return true, float64(t.allowed), nil
}
