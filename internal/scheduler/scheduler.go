// Package scheduler runs the broker's periodic maintenance loop: requeue
// stuck reservations, release dependency-blocked tasks, assign queued work,
// and rebalance stale in-flight tasks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-herd/internal/bus"
	"github.com/basket/go-herd/internal/dispatcher"
	"github.com/basket/go-herd/internal/persistence"
)

// Options carries the scheduler's timing knobs.
type Options struct {
	Interval              time.Duration
	AckTimeout            time.Duration
	StaleTaskTimeout      time.Duration
	AgentOfflineThreshold time.Duration
}

// Scheduler drives task maintenance on a fixed interval plus on-demand
// nudges from the dispatcher.
type Scheduler struct {
	store  *persistence.Store
	disp   *dispatcher.Dispatcher
	bus    *bus.Bus
	logger *slog.Logger
	opts   Options

	nudgeCh chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a Scheduler. Zero option fields get the standard defaults.
func New(store *persistence.Store, disp *dispatcher.Dispatcher, eventBus *bus.Bus, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 30 * time.Second
	}
	if opts.StaleTaskTimeout <= 0 {
		opts.StaleTaskTimeout = 30 * time.Minute
	}
	if opts.AgentOfflineThreshold <= 0 {
		opts.AgentOfflineThreshold = 5 * time.Minute
	}
	return &Scheduler{
		store:   store,
		disp:    disp,
		bus:     eventBus,
		logger:  logger,
		opts:    opts,
		nudgeCh: make(chan struct{}, 1),
	}
}

// Start launches the loop. Safe to call once; Stop tears it down.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.run(ctx)
}

// Stop halts the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Nudge requests an immediate cycle. Non-blocking; nudges coalesce.
func (s *Scheduler) Nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.nudgeCh:
			s.runCycle(ctx)
		}
	}
}

// runCycle executes the maintenance steps in order. Each step swallows its
// own errors so one failure does not starve the others.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.requeueStuckReservations(ctx)
	s.unblockReadyTasks(ctx)
	s.assignPendingTasks(ctx)
	s.rebalanceStaleTasks(ctx)
	s.cleanupStaleAgents(ctx)
}

func (s *Scheduler) requeueStuckReservations(ctx context.Context) {
	ids, err := s.store.RequeueStuckReservations(ctx, s.opts.AckTimeout)
	if err != nil {
		s.logger.Warn("requeue stuck reservations failed", "error", err)
		return
	}
	for _, id := range ids {
		s.logger.Info("reservation timed out, requeued", "task_id", id)
		s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
			TaskID:    id,
			OldStatus: string(persistence.StatusPendingAck),
			NewStatus: string(persistence.StatusQueued),
		})
	}
}

// unblockReadyTasks releases BLOCKED tasks whose dependency sets are fully
// COMPLETED. Tasks blocked without dependencies wait for an explicit answer.
func (s *Scheduler) unblockReadyTasks(ctx context.Context) {
	blocked, err := s.store.TasksByStatuses(ctx, persistence.StatusBlocked)
	if err != nil {
		s.logger.Warn("list blocked tasks failed", "error", err)
		return
	}
	for _, t := range blocked {
		if len(t.Dependencies) == 0 {
			continue
		}
		met, err := s.store.DependenciesMet(ctx, t)
		if err != nil {
			s.logger.Warn("dependency check failed", "task_id", t.ID, "error", err)
			continue
		}
		if !met {
			continue
		}
		err = s.store.TransitionTask(ctx, t.ID,
			[]persistence.TaskStatus{persistence.StatusBlocked},
			persistence.StatusQueued,
			persistence.Transition{Message: "dependencies completed"})
		if err != nil {
			s.logger.Warn("unblock failed", "task_id", t.ID, "error", err)
			continue
		}
		s.logger.Info("task unblocked", "task_id", t.ID)
		s.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
			TaskID:    t.ID,
			OldStatus: string(persistence.StatusBlocked),
			NewStatus: string(persistence.StatusQueued),
		})
	}
}

func (s *Scheduler) assignPendingTasks(ctx context.Context) {
	n, err := s.disp.AssignPending(ctx)
	if err != nil {
		s.logger.Warn("assign pending failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("assigned pending tasks", "count", n)
	}
}

func (s *Scheduler) rebalanceStaleTasks(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.opts.StaleTaskTimeout)
	stale, err := s.store.StaleInFlight(ctx, cutoff)
	if err != nil {
		s.logger.Warn("stale in-flight query failed", "error", err)
		return
	}
	for _, t := range stale {
		if err := s.disp.ForceRetry(ctx, t.ID, "stale in-flight task"); err != nil {
			s.logger.Warn("stale rebalance failed", "task_id", t.ID, "error", err)
			continue
		}
		s.logger.Info("stale task requeued", "task_id", t.ID, "was_assigned_to", t.AssignedTo)
	}
}

func (s *Scheduler) cleanupStaleAgents(ctx context.Context) {
	removed, err := s.store.DeleteStaleAgents(ctx, s.opts.AgentOfflineThreshold)
	if err != nil {
		s.logger.Warn("stale agent cleanup failed", "error", err)
		return
	}
	for _, id := range removed {
		s.logger.Info("stale agent removed", "agent_id", id)
		s.bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: id, Status: "removed"})
	}
}
