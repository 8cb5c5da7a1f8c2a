package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chronflow/internal/domain"
	"chronflow/internal/recurrence"
	"chronflow/internal/store"
)

// Scheduler keeps one outstanding timer per active task, armed at the
// task's next due instant. All timer mutation is cancel-and-replace under a
// single lock so a CRUD update and a concurrently firing timer never race
// on stale rule data.
type Scheduler struct {
	store store.Store
	coord *Coordinator
	now   func() time.Time // injected for tests

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewScheduler(st store.Store, coord *Coordinator) *Scheduler {
	return &Scheduler{
		store:  st,
		coord:  coord,
		now:    time.Now,
		timers: map[string]*time.Timer{},
	}
}

// Start loads all active tasks and arms a timer for each. A task with a
// malformed stored rule is logged and left unarmed; only a store failure
// aborts startup.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.LoadActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("load active tasks: %w", err)
	}
	for _, t := range tasks {
		if err := s.AddOrUpdate(ctx, t); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("task left unarmed")
		}
	}
	log.Info().Int("armed", s.Armed()).Msg("scheduler started")
	return nil
}

// Stop cancels every pending timer. In-flight executions are not preempted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, tm := range s.timers {
		tm.Stop()
		delete(s.timers, id)
	}
	log.Info().Msg("scheduler stopped")
}

// AddOrUpdate cancels any existing timer for the task and, if the task is
// active and has a future occurrence, arms a new one. The recomputed due
// instant is written to next_run_at for observability only.
func (s *Scheduler) AddOrUpdate(ctx context.Context, t domain.Task) error {
	return s.arm(ctx, t, s.now())
}

// Remove cancels the task's pending timer, if any. Idempotent.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tm, ok := s.timers[id]; ok {
		tm.Stop()
		delete(s.timers, id)
	}
}

// Armed reports how many tasks currently hold a pending timer.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) arm(ctx context.Context, t domain.Task, ref time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tm, ok := s.timers[t.ID]; ok {
		tm.Stop()
		delete(s.timers, t.ID)
	}
	if s.stopped {
		return nil
	}
	if !t.IsActive {
		_ = s.store.SetNextRun(ctx, t.ID, nil)
		return nil
	}

	rule, err := recurrence.FromTask(t)
	if err != nil {
		_ = s.store.SetNextRun(ctx, t.ID, nil)
		return fmt.Errorf("compute next run: %w", err)
	}
	next, ok := recurrence.NextDue(rule, ref)
	if !ok {
		// exhausted rule (a once task already past): leave unarmed
		_ = s.store.SetNextRun(ctx, t.ID, nil)
		return nil
	}

	s.timers[t.ID] = time.AfterFunc(next.Sub(s.now()), func() {
		s.fire(t.ID, next)
	})
	if err := s.store.SetNextRun(ctx, t.ID, &next); err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("next_run_at not recorded")
	}
	return nil
}

// fire runs on the timer goroutine: execute through the coordinator, then
// re-arm from fresh store state so a rule changed mid-flight is picked up
// and a deleted task stays gone.
func (s *Scheduler) fire(id string, due time.Time) {
	ctx := context.Background()
	t, err := s.store.Get(ctx, id)
	if err != nil {
		s.Remove(id)
		return
	}
	if _, err := s.coord.Run(ctx, t, due, false); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("timer-triggered run failed")
	}

	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		s.Remove(id)
		return
	}
	// Reference just past the fired instant, so the same occurrence is
	// never re-armed.
	if err := s.arm(ctx, fresh, due.Add(time.Second)); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("task left unarmed after fire")
	}
}
