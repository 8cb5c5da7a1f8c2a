package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"chronflow/internal/domain"
	"chronflow/internal/store"
)

// Runner is the opaque executor callback. It may fail or panic; the
// Coordinator contains both.
type Runner func(ctx context.Context, t domain.Task) error

type RunResult struct {
	Executed bool
	Status   domain.RunStatus
	Detail   string
	Due      time.Time
}

// Coordinator is the single choke point both the timer path and the
// reconciler funnel through. The persisted last_run_at, advanced by an
// atomic claim, gives at-most-once semantics per (task, due instant) no
// matter how many paths observe the same instant.
type Coordinator struct {
	store  store.Store
	runner Runner
}

func NewCoordinator(st store.Store, run Runner) *Coordinator {
	return &Coordinator{store: st, runner: run}
}

// Run executes t for the given due instant at most once. Whichever caller
// claims last_run_at first wins; the loser returns a silent no-op with
// Executed=false. force bypasses the claim comparison (manual runs) while
// still recording the run. The returned error is infrastructure-only;
// executor failures land in the result and in the task's run status.
func (c *Coordinator) Run(ctx context.Context, t domain.Task, due time.Time, force bool) (RunResult, error) {
	if force {
		if err := c.store.ForceClaimRun(ctx, t.ID, due); err != nil {
			return RunResult{}, fmt.Errorf("claim run: %w", err)
		}
	} else {
		ok, err := c.store.ClaimRun(ctx, t.ID, due)
		if err != nil {
			return RunResult{}, fmt.Errorf("claim run: %w", err)
		}
		if !ok {
			return RunResult{Due: due}, nil
		}
	}

	execErr := c.invoke(ctx, t)

	res := RunResult{Executed: true, Status: domain.RunSuccess, Due: due}
	if execErr != nil {
		res.Status = domain.RunError
		res.Detail = execErr.Error()
		log.Error().Err(execErr).Str("task_id", t.ID).Str("task_name", t.Name).Msg("task execution failed")
	} else {
		log.Info().Str("task_id", t.ID).Str("task_name", t.Name).Time("due", due).Msg("task executed")
	}

	// A once task fires exactly one time, success or not.
	active := t.IsActive && t.Frequency != domain.Once
	if err := c.store.FinishRun(ctx, t.ID, res.Status, res.Detail, active); err != nil {
		return res, fmt.Errorf("record run outcome: %w", err)
	}
	return res, nil
}

func (c *Coordinator) invoke(ctx context.Context, t domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return c.runner(ctx, t)
}
