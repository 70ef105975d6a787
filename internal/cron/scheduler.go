// Package cron fires recurring schedules by enqueueing tasks through the
// dispatcher.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-herd/internal/dispatcher"
	"github.com/basket/go-herd/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cron runner.
type Config struct {
	Store      *persistence.Store
	Dispatcher *dispatcher.Dispatcher
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 1 minute if zero
}

// Runner periodically queries the store for due schedules and enqueues a
// task for each one.
type Runner struct {
	store    *persistence.Store
	disp     *dispatcher.Dispatcher
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a new Runner with the given config.
func NewRunner(cfg Config) *Runner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    cfg.Store,
		disp:     cfg.Dispatcher,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the runner loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("cron runner started", "interval", r.interval)
}

// Stop cancels the runner loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("cron runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick queries for due schedules and fires each one.
func (r *Runner) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := r.store.DueSchedules(ctx, now)
	if err != nil {
		r.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		r.fire(ctx, sched, now)
	}
}

// fire enqueues a task for the given schedule and advances its run stamps.
// A schedule with no next_run_at yet (just created) is seeded, not fired.
func (r *Runner) fire(ctx context.Context, sched *persistence.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		r.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if sched.NextRunAt == nil {
		if err := r.store.MarkScheduleRun(ctx, sched.ID, now, &nextRun); err != nil {
			r.logger.Error("cron: failed to seed schedule", "schedule_id", sched.ID, "error", err)
		}
		return
	}

	task, err := r.disp.Enqueue(ctx, dispatcher.EnqueueRequest{
		Title:    sched.Name,
		Prompt:   sched.Prompt,
		From:     persistence.Origin{Kind: "user", Name: "cron:" + sched.Name},
		To:       persistence.Route{Capabilities: sched.Capabilities},
		Priority: sched.Priority,
	})
	if err != nil {
		r.logger.Error("cron: failed to enqueue task for schedule",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err,
		)
		return
	}

	if err := r.store.MarkScheduleRun(ctx, sched.ID, now, &nextRun); err != nil {
		r.logger.Error("cron: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	r.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"task_id", task.ID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
