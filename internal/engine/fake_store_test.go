package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"chronflow/internal/domain"
	"chronflow/internal/store"
)

// fakeStore implements store.Store in memory with the same claim semantics
// as the sqlite repo.
type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	loadErr error
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore(tasks ...domain.Task) *fakeStore {
	f := &fakeStore{tasks: map[string]domain.Task{}}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeStore) Create(_ context.Context, t domain.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return t.ID, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) List(ctx context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) Update(_ context.Context, t domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) LoadActiveTasks(context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	var out []domain.Task
	for _, t := range f.tasks {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimRun(_ context.Context, id string, due time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || !t.IsActive {
		return false, nil
	}
	if t.LastRunAt != nil && !t.LastRunAt.Before(due) {
		return false, nil
	}
	d := due
	t.LastRunAt = &d
	t.LastRunStatus = domain.RunClaimed
	f.tasks[id] = t
	return true, nil
}

func (f *fakeStore) ForceClaimRun(_ context.Context, id string, due time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	d := due
	t.LastRunAt = &d
	t.LastRunStatus = domain.RunClaimed
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) FinishRun(_ context.Context, id string, status domain.RunStatus, errDetail string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return errors.New("finish run: task vanished")
	}
	t.LastRunStatus = status
	t.LastRunError = errDetail
	t.IsActive = active
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) SetNextRun(_ context.Context, id string, next *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.NextRunAt = next
	f.tasks[id] = t
	return nil
}
