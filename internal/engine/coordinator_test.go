package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronflow/internal/domain"
)

func dailyTask(id string) domain.Task {
	return domain.Task{
		ID: id, Name: id, Frequency: domain.Daily,
		TimeOfDay: "09:00", Timezone: "UTC", IsActive: true,
	}
}

func TestCoordinatorRunsOncePerDueInstant(t *testing.T) {
	st := newFakeStore(dailyTask("t1"))
	var calls atomic.Int64
	coord := NewCoordinator(st, func(context.Context, domain.Task) error {
		calls.Add(1)
		return nil
	})

	due := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	task, _ := st.Get(context.Background(), "t1")

	res, err := coord.Run(context.Background(), task, due, false)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, domain.RunSuccess, res.Status)

	// Same (id, due) again: the other trigger path observing the same
	// instant must be a silent no-op.
	res, err = coord.Run(context.Background(), task, due, false)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, int64(1), calls.Load())

	got, _ := st.Get(context.Background(), "t1")
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.LastRunAt.Equal(due))
	assert.Equal(t, domain.RunSuccess, got.LastRunStatus)
	assert.True(t, got.IsActive)
}

func TestCoordinatorConcurrentClaim(t *testing.T) {
	st := newFakeStore(dailyTask("t1"))
	var calls atomic.Int64
	coord := NewCoordinator(st, func(context.Context, domain.Task) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	due := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	task, _ := st.Get(context.Background(), "t1")

	// Simulate the timer path and the reconciler racing on one instant.
	var wg sync.WaitGroup
	var executed atomic.Int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := coord.Run(context.Background(), task, due, false)
			assert.NoError(t, err)
			if res.Executed {
				executed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), executed.Load())
}

func TestCoordinatorStaleDueRejected(t *testing.T) {
	st := newFakeStore(dailyTask("t1"))
	coord := NewCoordinator(st, func(context.Context, domain.Task) error { return nil })

	task, _ := st.Get(context.Background(), "t1")
	newer := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	older := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	res, err := coord.Run(context.Background(), task, newer, false)
	require.NoError(t, err)
	require.True(t, res.Executed)

	// A late reconciliation of an earlier instant must not fire.
	res, err = coord.Run(context.Background(), task, older, false)
	require.NoError(t, err)
	assert.False(t, res.Executed)
}

func TestCoordinatorExecutorErrorIsIsolated(t *testing.T) {
	st := newFakeStore(dailyTask("t1"))
	coord := NewCoordinator(st, func(context.Context, domain.Task) error {
		return errors.New("downstream unavailable")
	})

	task, _ := st.Get(context.Background(), "t1")
	due := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	res, err := coord.Run(context.Background(), task, due, false)
	require.NoError(t, err, "executor failure must not surface as an engine error")
	assert.True(t, res.Executed)
	assert.Equal(t, domain.RunError, res.Status)
	assert.Contains(t, res.Detail, "downstream unavailable")

	// A failed recurring task stays active and retries at its next
	// natural occurrence.
	got, _ := st.Get(context.Background(), "t1")
	assert.True(t, got.IsActive)
	assert.Equal(t, domain.RunError, got.LastRunStatus)
}

func TestCoordinatorExecutorPanicContained(t *testing.T) {
	st := newFakeStore(dailyTask("t1"))
	coord := NewCoordinator(st, func(context.Context, domain.Task) error {
		panic("boom")
	})

	task, _ := st.Get(context.Background(), "t1")
	res, err := coord.Run(context.Background(), task, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), false)
	require.NoError(t, err)
	assert.Equal(t, domain.RunError, res.Status)
	assert.Contains(t, res.Detail, "executor panic")
}

func TestCoordinatorOnceTaskRetires(t *testing.T) {
	for _, outcome := range []error{nil, errors.New("failed anyway")} {
		name := "success"
		if outcome != nil {
			name = "failure"
		}
		t.Run(name, func(t *testing.T) {
			once := domain.Task{
				ID: "o1", Name: "o1", Frequency: domain.Once,
				TimeOfDay: "10:00", Timezone: "UTC", Date: "2024-12-01", IsActive: true,
			}
			st := newFakeStore(once)
			coord := NewCoordinator(st, func(context.Context, domain.Task) error { return outcome })

			due := time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)
			res, err := coord.Run(context.Background(), once, due, false)
			require.NoError(t, err)
			require.True(t, res.Executed)

			// A once task fires exactly one time regardless of outcome.
			got, _ := st.Get(context.Background(), "o1")
			assert.False(t, got.IsActive)

			res, err = coord.Run(context.Background(), once, due.Add(time.Hour), false)
			require.NoError(t, err)
			assert.False(t, res.Executed, "retired once task must never fire again")
		})
	}
}

func TestCoordinatorForceBypassesDedup(t *testing.T) {
	st := newFakeStore(dailyTask("t1"))
	var calls atomic.Int64
	coord := NewCoordinator(st, func(context.Context, domain.Task) error {
		calls.Add(1)
		return nil
	})

	task, _ := st.Get(context.Background(), "t1")
	due := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	res, err := coord.Run(context.Background(), task, due, false)
	require.NoError(t, err)
	require.True(t, res.Executed)

	// Manual run of the same instant is intentionally allowed.
	res, err = coord.Run(context.Background(), task, due, true)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, int64(2), calls.Load())
}
