// Package runner ticks the agent's local task cache, firing due tasks
// through the executor. Grounded on the server's dispatch package: the same
// tick-and-evaluate shape, with taskstore.RecordRun standing in for the
// dispatcher's status flip as the single commit point that keeps an
// overlapping tick from firing the same task twice.
package runner

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/fluxguard/internal/agent/executor"
	"github.com/itskum47/fluxguard/internal/agent/taskstore"
	"github.com/itskum47/fluxguard/internal/server/store"
	"github.com/itskum47/fluxguard/internal/trigger"
)

// tickInterval is how often the cache is scanned for due tasks. A var
// rather than a const so tests can shrink it.
var tickInterval = 30 * time.Second

// ActiveChecker probes the server for whether a task has been cancelled
// since it was cached. fire calls it once, at the moment a scheduled
// (non-"now") task is found due and just before it runs; there is no
// earlier look-ahead probe. Implementations fail open: any error or
// timeout reports false (still active) rather than skipping the run.
type ActiveChecker interface {
	IsCancelled(ctx context.Context, taskID string) bool
}

// Runner owns the tick loop over the local task cache.
type Runner struct {
	tasks    *taskstore.Store
	checker  ActiveChecker
	sender   executor.Sender
	notifier executor.Notifier
}

func New(tasks *taskstore.Store, checker ActiveChecker, sender executor.Sender, notifier executor.Notifier) *Runner {
	return &Runner{tasks: tasks, checker: checker, sender: sender, notifier: notifier}
}

// Run blocks, ticking until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("runner: tick panicked: %v", rec)
		}
	}()

	tasks, err := r.tasks.List(ctx)
	if err != nil {
		log.Printf("runner: failed to list cached tasks: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Cancelled || t.TriggerType == store.TriggerEvent {
			continue
		}
		// A once task whose last_run is stamped has already fired.
		if t.TriggerType == store.TriggerOnce && t.LastRun != nil {
			continue
		}
		if !trigger.IsDue(toTriggerTask(t), now) {
			continue
		}
		r.fire(ctx, t, now)
	}
}

// fire stamps last_run before anything else runs — the commit point. A
// slow-running task can't be picked up again by the next tick even though
// its last_run predates its own completion.
func (r *Runner) fire(ctx context.Context, t *store.Task, now time.Time) {
	if err := r.tasks.RecordRun(ctx, t.TaskID, now); err != nil {
		log.Printf("runner: failed to stamp last_run for %s: %v", t.TaskID, err)
		return
	}
	stamped := now
	t.LastRun = &stamped

	if t.TriggerType != store.TriggerNow && r.checker != nil && r.checker.IsCancelled(ctx, t.TaskID) {
		log.Printf("runner: task %s was cancelled server-side, skipping", t.TaskID)
		if err := r.tasks.MarkCancelled(ctx, t.TaskID); err != nil {
			log.Printf("runner: failed to mark %s cancelled locally: %v", t.TaskID, err)
		}
		return
	}

	go executor.Run(context.Background(), t, r.sender, r.notifier)
}

func toTriggerTask(t *store.Task) trigger.Task {
	return trigger.Task{
		TriggerType:     trigger.Type(t.TriggerType),
		ScheduledAt:     t.ScheduledAt,
		IntervalSeconds: t.IntervalSeconds,
		CronExpr:        t.CronExpr,
		LastRun:         t.LastRun,
	}
}
