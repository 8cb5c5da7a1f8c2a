package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"chronflow/internal/domain"
	"chronflow/internal/recurrence"
	"chronflow/internal/store"
)

// Reconciler is the coarse trigger path: each pass re-derives due tasks from
// persisted state alone, so a restart or missed timer never silently skips a
// due instant. It holds no state between passes; overlap with timer firings
// is resolved by the coordinator's claim.
type Reconciler struct {
	store     store.Store
	coord     *Coordinator
	tolerance time.Duration // equal to the tick interval driving RunOnce
}

func NewReconciler(st store.Store, coord *Coordinator, tolerance time.Duration) *Reconciler {
	return &Reconciler{store: st, coord: coord, tolerance: tolerance}
}

// RunOnce evaluates every active task against now and dispatches the due
// ones concurrently, so one slow executor cannot delay evaluation of the
// rest. Returns how many executions actually claimed their due instant.
func (r *Reconciler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	tasks, err := r.store.LoadActiveTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active tasks: %w", err)
	}

	var (
		wg       sync.WaitGroup
		executed atomic.Int64
	)
	for _, t := range tasks {
		rule, err := recurrence.FromTask(t)
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("skipping task with invalid stored rule")
			continue
		}
		if !recurrence.IsDueNow(rule, now, r.tolerance) {
			continue
		}
		due, _ := recurrence.NextDue(rule, now.Add(-r.tolerance))

		wg.Add(1)
		go func(t domain.Task, due time.Time) {
			defer wg.Done()
			res, err := r.coord.Run(ctx, t, due, false)
			if err != nil {
				log.Error().Err(err).Str("task_id", t.ID).Msg("reconciler run failed")
				return
			}
			if res.Executed {
				executed.Add(1)
			}
		}(t, due)
	}
	wg.Wait()
	return int(executed.Load()), nil
}
