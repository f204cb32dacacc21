package store

import (
	"context"
	"sort"
	"sync"
	"time"

	errors "github.com/goliatone/go-errors"
)

// Memory is the in-process Store used by tests and single-process runners.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*RunRecord)}
}

func (m *Memory) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("run record requires an id", errors.CategoryBadInput).
			WithTextCode("RUN_ID_MISSING")
	}

	cp := rec.Clone()
	now := time.Now().UTC()
	cp.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runs[cp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	m.runs[cp.ID] = cp

	rec.CreatedAt = cp.CreatedAt
	rec.UpdatedAt = cp.UpdatedAt
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, errors.Wrap(ErrRunNotFound, errors.CategoryNotFound, "run not found").
			WithMetadata(map[string]any{"run_id": id})
	}
	return rec.Clone(), nil
}

func (m *Memory) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return errors.Wrap(ErrRunNotFound, errors.CategoryNotFound, "run not found").
			WithMetadata(map[string]any{"run_id": id})
	}
	delete(m.runs, id)
	return nil
}

func (m *Memory) ListRuns(ctx context.Context, status RunStatus) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunRecord
	for _, rec := range m.runs {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (m *Memory) DueSleepers(ctx context.Context, now time.Time) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunRecord
	for _, rec := range m.runs {
		if rec.Status != StatusSleeping || rec.WakeAt == nil {
			continue
		}
		if rec.WakeAt.After(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (m *Memory) Waiters(ctx context.Context, eventName string) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RunRecord
	for _, rec := range m.runs {
		if rec.Status != StatusWaiting || rec.WaitEvent != eventName {
			continue
		}
		out = append(out, rec.Clone())
	}
	sortByCreation(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortByCreation(recs []*RunRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
