package dispatcher

import (
	"context"
	"time"

	"github.com/basket/go-herd/internal/bus"
	"github.com/basket/go-herd/internal/persistence"
)

// PollRequest is the agent's long-poll input.
type PollRequest struct {
	AgentID      string
	Capabilities []persistence.Capability
	WorkspaceID  string
	Timeout      time.Duration
}

// EvictionSignal is the control payload returned instead of a task when an
// eviction is pending.
type EvictionSignal struct {
	Reason string `json:"reason"`
	Action string `json:"action"`
}

// PollResult is what a long-poll returns. Exactly one of Task and Eviction is
// set; both nil means the poll timed out.
type PollResult struct {
	Task                *persistence.Task
	Eviction            *EvictionSignal
	SystemPromptRefresh bool
}

// WaitForTask is the agent long-poll. It delivers any pending eviction first,
// then parks the agent in the waiting pool until a task is reserved for it or
// the timeout passes. The waiting mark lives in the store, never in memory.
func (d *Dispatcher) WaitForTask(ctx context.Context, req PollRequest) (*PollResult, error) {
	started := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.PollDuration.Record(ctx, time.Since(started).Seconds())
		}
	}()

	if req.Timeout <= 0 {
		req.Timeout = d.opts.PollTimeout
	}

	if err := d.store.Heartbeat(ctx, req.AgentID); err != nil {
		return nil, wrapStoreErr(err)
	}

	// Pending control signals beat task delivery.
	if reason, action, ok, err := d.store.PopEviction(ctx, req.AgentID); err != nil {
		return nil, transientErr(err)
	} else if ok {
		d.logger.Info("eviction delivered", "agent_id", req.AgentID, "action", action)
		return &PollResult{Eviction: &EvictionSignal{Reason: reason, Action: action}}, nil
	}

	// Subscribe before the optimistic check so a reservation made between the
	// check and the wait loop is not lost.
	sub := d.bus.Subscribe("")
	defer d.bus.Unsubscribe(sub)

	if err := d.store.MarkWaiting(ctx, req.AgentID, req.Capabilities, req.WorkspaceID); err != nil {
		return nil, wrapStoreErr(err)
	}
	// The waiting mark must come off even when the poll ends because the
	// agent's connection dropped; a cancelled request context cannot carry
	// the cleanup writes.
	cleanupCtx := context.WithoutCancel(ctx)
	if d.metrics != nil {
		d.metrics.WaitingAgents.Add(ctx, 1)
		defer d.metrics.WaitingAgents.Add(cleanupCtx, -1)
	}
	defer func() {
		if err := d.store.ClearWaiting(cleanupCtx, req.AgentID); err != nil {
			d.logger.Warn("clear waiting failed", "agent_id", req.AgentID, "error", err)
		}
	}()
	d.bus.Publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: req.AgentID, Status: "waiting"})
	d.nudgeScheduler()

	// Optimistic pass: a dispatchable task may already be queued.
	if task, err := d.pickAndReserve(ctx, req.AgentID); err != nil {
		return nil, err
	} else if task != nil {
		return &PollResult{Task: task}, nil
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	refresh := false
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			return &PollResult{SystemPromptRefresh: refresh}, nil

		case event, ok := <-sub.Ch():
			if !ok {
				return &PollResult{SystemPromptRefresh: refresh}, nil
			}
			switch e := event.Payload.(type) {
			case bus.TaskDispatchEvent:
				if e.AgentID != req.AgentID {
					continue
				}
				// Revalidate against the store: the bus is lossy and
				// reservations can be requeued before we wake.
				task, err := d.store.GetTask(ctx, e.TaskID)
				if err != nil {
					continue
				}
				if task.Status != persistence.StatusPendingAck || task.PendingAckAgentID != req.AgentID {
					continue
				}
				return &PollResult{Task: task, SystemPromptRefresh: refresh}, nil

			case bus.EvictionEvent:
				if e.AgentID != req.AgentID {
					continue
				}
				reason, action, ok, err := d.store.PopEviction(ctx, req.AgentID)
				if err != nil || !ok {
					continue
				}
				return &PollResult{Eviction: &EvictionSignal{Reason: reason, Action: action}}, nil

			case bus.SystemPromptEvent:
				if e.AgentID == req.AgentID {
					refresh = true
				}
			}
		}
	}
}

// pickAndReserve consults the matcher over the dispatchable set and reserves
// the best task for the agent, if any.
func (d *Dispatcher) pickAndReserve(ctx context.Context, agentID string) (*persistence.Task, error) {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	candidates, err := d.store.TasksByStatuses(ctx, persistence.StatusQueued, persistence.StatusApprovedQueued)
	if err != nil {
		return nil, transientErr(err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	depCompleted := func(id string) bool {
		t, err := d.store.GetTask(ctx, id)
		return err == nil && t.Status == persistence.StatusCompleted
	}
	best := d.opts.Matcher.FindBestTask(agent, candidates, depCompleted)
	if best == nil {
		return nil, nil
	}

	reserved, err := d.store.ReserveTask(ctx, best.ID, agentID)
	if err != nil {
		return nil, transientErr(err)
	}
	if !reserved {
		return nil, nil
	}
	if d.metrics != nil {
		d.metrics.TasksDispatched.Add(ctx, 1)
	}
	d.recordActivity(ctx, agentID, best.ID, "task_reserved", "")
	d.logger.Info("task reserved", "task_id", best.ID, "agent_id", agentID)

	task, err := d.store.GetTask(ctx, best.ID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return task, nil
}

// WaitForCompletion blocks until a task reaches a terminal state or the
// timeout passes. Event-driven with a polling fallback.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*persistence.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := d.bus.Subscribe(bus.TopicTaskCompleted)
	defer d.bus.Unsubscribe(sub)

	check := func() (*persistence.Task, error) {
		task, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		return nil, nil
	}

	if task, err := check(); err != nil || task != nil {
		return task, err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if task, err := check(); err != nil || task != nil {
				return task, err
			}
		case event, ok := <-sub.Ch():
			if !ok {
				continue
			}
			if e, isCompletion := event.Payload.(bus.TaskCompletedEvent); isCompletion && e.TaskID == taskID {
				if task, err := check(); err != nil || task != nil {
					return task, err
				}
			}
		}
	}
}
