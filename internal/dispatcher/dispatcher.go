// Package dispatcher owns the task lifecycle: enqueue, reservation,
// acknowledgement, progress, review, and the agent long-poll.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-herd/internal/bus"
	"github.com/basket/go-herd/internal/matcher"
	herdotel "github.com/basket/go-herd/internal/otel"
	"github.com/basket/go-herd/internal/persistence"
	"github.com/basket/go-herd/internal/policy"
)

// Options carries the dispatcher's tunables.
type Options struct {
	// PollTimeout is the default long-poll duration when the caller does not
	// set one.
	PollTimeout time.Duration

	// Matcher holds the configured sub-score weights. Zero value means
	// matcher.DefaultWeights.
	Matcher matcher.Weights
}

// Dispatcher coordinates the Store, the Matcher and the Bus. All persisted
// state lives in the Store; the Dispatcher itself is stateless apart from the
// scheduler nudge hook.
type Dispatcher struct {
	store   *persistence.Store
	bus     *bus.Bus
	policy  policy.Checker
	logger  *slog.Logger
	metrics *herdotel.Metrics
	opts    Options

	// nudge wakes the scheduler for an immediate assignment cycle. Set by
	// the daemon after the scheduler is constructed.
	nudge func()
}

// New builds a Dispatcher. policyChecker and metrics may be nil.
func New(store *persistence.Store, eventBus *bus.Bus, policyChecker policy.Checker, logger *slog.Logger, metrics *herdotel.Metrics, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 290 * time.Second
	}
	if opts.Matcher == (matcher.Weights{}) {
		opts.Matcher = matcher.DefaultWeights()
	}
	return &Dispatcher{
		store:   store,
		bus:     eventBus,
		policy:  policyChecker,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
}

// SetNudge installs the scheduler wake-up hook.
func (d *Dispatcher) SetNudge(fn func()) { d.nudge = fn }

func (d *Dispatcher) nudgeScheduler() {
	if d.nudge != nil {
		d.nudge()
	}
}

// EnqueueRequest is the input to Enqueue.
type EnqueueRequest struct {
	Title        string
	Prompt       string
	From         persistence.Origin
	To           persistence.Route
	Priority     persistence.Priority
	Dependencies []string
	Context      map[string]string
}

// mintTaskID builds a time-ordered unique task id.
func mintTaskID(now time.Time) string {
	token := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("task-%d-%s", now.UnixMilli(), token)
}

// Enqueue screens, persists and (when possible) immediately dispatches a new
// task. Tasks with unmet dependencies start BLOCKED.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*persistence.Task, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &Error{Kind: KindInvalidTransition, Message: "empty prompt"}
	}
	if d.policy != nil {
		if flags := d.policy.CheckPrompt(req.Prompt); len(flags) > 0 {
			if err := d.store.RecordSecurityEvent(ctx, req.From.Name, req.Prompt, flags); err != nil {
				d.logger.Warn("record security event failed", "error", err)
			}
			if d.metrics != nil {
				d.metrics.PolicyBlocks.Add(ctx, 1)
			}
			d.logger.Warn("prompt blocked", "source", req.From.Name, "flags", flags)
			return nil, policyBlockedErr()
		}
	}

	now := time.Now().UTC()
	if req.Priority == "" {
		req.Priority = persistence.PriorityNormal
	}
	task := &persistence.Task{
		ID:             mintTaskID(now),
		Title:          req.Title,
		Prompt:         req.Prompt,
		From:           req.From,
		To:             req.To,
		Priority:       req.Priority,
		Status:         persistence.StatusQueued,
		Dependencies:   req.Dependencies,
		Context:        req.Context,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	met, err := d.store.DependenciesMet(ctx, task)
	if err != nil {
		return nil, transientErr(err)
	}
	initialMsg := "enqueued"
	if !met {
		task.Status = persistence.StatusBlocked
		initialMsg = "enqueued, waiting on dependencies"
	}
	task.History = []persistence.Transition{{
		Timestamp: now,
		Status:    task.Status,
		Message:   initialMsg,
	}}

	if err := d.store.InsertTask(ctx, task); err != nil {
		return nil, transientErr(err)
	}
	if d.metrics != nil {
		d.metrics.TasksEnqueued.Add(ctx, 1)
	}
	d.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{TaskID: task.ID})
	d.recordActivity(ctx, "", task.ID, "task_created", task.Title)
	d.logger.Info("task enqueued", "task_id", task.ID, "priority", task.Priority, "status", task.Status)

	// Synchronous reservation pass so an already-waiting agent picks the task
	// up without waiting for the next scheduler tick.
	if task.Status == persistence.StatusQueued {
		if _, err := d.tryDispatch(ctx, task); err != nil {
			d.logger.Warn("enqueue dispatch pass failed", "task_id", task.ID, "error", err)
		}
		d.nudgeScheduler()
	}
	return task, nil
}

// tryDispatch runs the reservation primitive for one task against the
// waiting-agent pool. Returns the reserved agent id, or "" when nobody fits
// or the task was grabbed concurrently.
func (d *Dispatcher) tryDispatch(ctx context.Context, task *persistence.Task) (string, error) {
	met, err := d.store.DependenciesMet(ctx, task)
	if err != nil {
		return "", transientErr(err)
	}
	if !met {
		return "", nil
	}
	waiting, err := d.store.WaitingAgents(ctx)
	if err != nil {
		return "", transientErr(err)
	}
	agent := d.opts.Matcher.FindBestAgent(task, waiting)
	if agent == nil {
		return "", nil
	}

	reserved, err := d.store.ReserveTask(ctx, task.ID, agent.AgentID)
	if err != nil {
		return "", transientErr(err)
	}
	if !reserved {
		return "", nil
	}
	if d.metrics != nil {
		d.metrics.TasksDispatched.Add(ctx, 1)
	}
	d.bus.Publish(bus.TopicTaskDispatch, bus.TaskDispatchEvent{TaskID: task.ID, AgentID: agent.AgentID})
	d.recordActivity(ctx, agent.AgentID, task.ID, "task_reserved", "")
	d.logger.Info("task reserved", "task_id", task.ID, "agent_id", agent.AgentID)
	return agent.AgentID, nil
}

// AssignPending walks the dispatchable tasks in priority order and reserves
// as many as the waiting pool can take. Used by the scheduler cycle.
func (d *Dispatcher) AssignPending(ctx context.Context) (int, error) {
	tasks, err := d.store.TasksByStatuses(ctx, persistence.StatusQueued, persistence.StatusApprovedQueued)
	if err != nil {
		return 0, transientErr(err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	assigned := 0
	for _, t := range tasks {
		agentID, err := d.tryDispatch(ctx, t)
		if err != nil {
			d.logger.Warn("assignment failed", "task_id", t.ID, "error", err)
			continue
		}
		if agentID == "" {
			// The pool may simply have nobody eligible for this task; keep
			// going unless it is empty.
			waiting, werr := d.store.WaitingAgents(ctx)
			if werr != nil || len(waiting) == 0 {
				break
			}
			continue
		}
		assigned++
	}
	return assigned, nil
}

// Ack accepts a reservation and assigns the task to the agent.
func (d *Dispatcher) Ack(ctx context.Context, taskID, agentID string) (*persistence.Task, error) {
	task, err := d.store.AckTask(ctx, taskID, agentID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if d.metrics != nil {
		d.metrics.TasksAcked.Add(ctx, 1)
	}
	d.publishUpdate(task.ID, string(persistence.StatusPendingAck), string(persistence.StatusAssigned))
	d.recordActivity(ctx, agentID, taskID, "task_acked", "")
	d.logger.Info("task acked", "task_id", taskID, "agent_id", agentID)
	return task, nil
}

// UpdateProgress appends an agent progress message and refreshes the task's
// activity clock. The first progress report moves ASSIGNED to IN_PROGRESS.
func (d *Dispatcher) UpdateProgress(ctx context.Context, taskID, agentID, message string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if task.AssignedTo != agentID {
		return wrongAgentErr(fmt.Errorf("task %s assigned to %q", taskID, task.AssignedTo))
	}

	if _, err := d.store.AppendMessage(ctx, &persistence.TaskMessage{
		TaskID:      taskID,
		Role:        persistence.MessageRoleAgent,
		Content:     message,
		MessageType: "progress",
	}); err != nil {
		return transientErr(err)
	}

	if task.Status == persistence.StatusAssigned {
		err := d.store.TransitionTask(ctx, taskID,
			[]persistence.TaskStatus{persistence.StatusAssigned},
			persistence.StatusInProgress,
			persistence.Transition{AgentID: agentID, Message: "started"})
		if err != nil {
			return wrapStoreErr(err)
		}
		d.publishUpdate(taskID, string(persistence.StatusAssigned), string(persistence.StatusInProgress))
	} else if err := d.store.TouchTaskActivity(ctx, taskID); err != nil {
		return wrapStoreErr(err)
	}
	d.recordActivity(ctx, agentID, taskID, "progress", message)
	return nil
}

// SendResponse attaches the agent's result and moves the task forward: into
// IN_REVIEW from active states, or straight to COMPLETED when the work was
// already approved.
func (d *Dispatcher) SendResponse(ctx context.Context, taskID, agentID string, resp *persistence.Response) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if task.AssignedTo != agentID {
		return wrongAgentErr(fmt.Errorf("task %s assigned to %q", taskID, task.AssignedTo))
	}

	var to persistence.TaskStatus
	var from []persistence.TaskStatus
	if task.Status == persistence.StatusApprovedQueued {
		to = persistence.StatusCompleted
		from = []persistence.TaskStatus{persistence.StatusApprovedQueued}
	} else {
		to = persistence.StatusInReview
		from = []persistence.TaskStatus{persistence.StatusAssigned, persistence.StatusInProgress}
	}
	// Response and transition share one transaction: a refused transition on
	// a terminal task must not clobber the stored artifacts.
	err = d.store.TransitionTaskWithResponse(ctx, taskID, from, to,
		persistence.Transition{AgentID: agentID, Message: resp.Message}, resp)
	if err != nil {
		return wrapStoreErr(err)
	}
	d.publishUpdate(taskID, string(task.Status), string(to))
	if to.IsTerminal() {
		d.publishCompletion(ctx, taskID, to, task.CreatedAt)
	}
	d.recordActivity(ctx, agentID, taskID, "response", resp.Status)
	d.logger.Info("task response", "task_id", taskID, "agent_id", agentID, "status", to)
	return nil
}

// Approve accepts a reviewed task. The assigned agent finishes it with a
// final SendResponse; if the agent has vanished, the scheduler can re-dispatch
// it from APPROVED_QUEUED.
func (d *Dispatcher) Approve(ctx context.Context, taskID string) error {
	err := d.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{persistence.StatusInReview},
		persistence.StatusApprovedQueued,
		persistence.Transition{Message: "approved"})
	if err != nil {
		return wrapStoreErr(err)
	}
	d.publishUpdate(taskID, string(persistence.StatusInReview), string(persistence.StatusApprovedQueued))
	d.recordActivity(ctx, "", taskID, "approved", "")
	d.nudgeScheduler()
	return nil
}

// Reject sends a reviewed task back to the queue. REJECTED is an audit
// marker only; the task is requeued immediately and unassigned so any
// eligible agent may take it.
func (d *Dispatcher) Reject(ctx context.Context, taskID, reason string) error {
	err := d.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{persistence.StatusInReview},
		persistence.StatusRejected,
		persistence.Transition{Message: reason})
	if err != nil {
		return wrapStoreErr(err)
	}
	err = d.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{persistence.StatusRejected},
		persistence.StatusQueued,
		persistence.Transition{Message: "requeued after rejection"})
	if err != nil {
		return wrapStoreErr(err)
	}
	if err := d.store.ClearAssignment(ctx, taskID); err != nil {
		return transientErr(err)
	}
	d.publishUpdate(taskID, string(persistence.StatusInReview), string(persistence.StatusQueued))
	d.recordActivity(ctx, "", taskID, "rejected", reason)
	d.nudgeScheduler()
	return nil
}

// Block parks a task pending outside input.
func (d *Dispatcher) Block(ctx context.Context, taskID, agentID, reason string) error {
	err := d.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{persistence.StatusQueued, persistence.StatusAssigned, persistence.StatusInProgress},
		persistence.StatusBlocked,
		persistence.Transition{AgentID: agentID, Message: reason})
	if err != nil {
		return wrapStoreErr(err)
	}
	d.publishUpdate(taskID, "", string(persistence.StatusBlocked))
	d.recordActivity(ctx, agentID, taskID, "blocked", reason)
	return nil
}

// Answer appends a system message answering a blocked task and requeues it.
// Only tasks blocked without dependencies are answerable; dependency-blocked
// tasks are released by the scheduler.
func (d *Dispatcher) Answer(ctx context.Context, taskID, answer string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if task.Status == persistence.StatusBlocked && len(task.Dependencies) > 0 {
		met, derr := d.store.DependenciesMet(ctx, task)
		if derr != nil {
			return transientErr(derr)
		}
		if !met {
			return dependencyUnmetErr("task is waiting on dependencies, not a question")
		}
	}
	if _, err := d.store.AppendMessage(ctx, &persistence.TaskMessage{
		TaskID:      taskID,
		Role:        persistence.MessageRoleSystem,
		Content:     answer,
		MessageType: "answer",
	}); err != nil {
		return transientErr(err)
	}
	err = d.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{persistence.StatusBlocked},
		persistence.StatusQueued,
		persistence.Transition{Message: "answered"})
	if err != nil {
		return wrapStoreErr(err)
	}
	if err := d.store.ClearAssignment(ctx, taskID); err != nil {
		return transientErr(err)
	}
	d.publishUpdate(taskID, string(persistence.StatusBlocked), string(persistence.StatusQueued))
	d.recordActivity(ctx, "", taskID, "answered", "")
	d.nudgeScheduler()
	return nil
}

// Cancel terminates a task. Cancelling a terminal task is refused without
// mutation.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string) error {
	if err := d.store.ClearReservation(ctx, taskID); err != nil {
		return transientErr(err)
	}
	err := d.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{
			persistence.StatusQueued, persistence.StatusPendingAck, persistence.StatusAssigned,
			persistence.StatusInProgress, persistence.StatusInReview, persistence.StatusApprovedQueued,
			persistence.StatusBlocked,
		},
		persistence.StatusCancelled,
		persistence.Transition{Message: reason})
	if err != nil {
		return wrapStoreErr(err)
	}
	task, gerr := d.store.GetTask(ctx, taskID)
	if gerr == nil {
		d.publishCompletion(ctx, taskID, persistence.StatusCancelled, task.CreatedAt)
	}
	d.publishUpdate(taskID, "", string(persistence.StatusCancelled))
	d.recordActivity(ctx, "", taskID, "cancelled", reason)
	return nil
}

// ForceRetry throws an in-flight task back into the queue. Any diff artifact
// from the previous attempt is kept so the review context is not lost.
func (d *Dispatcher) ForceRetry(ctx context.Context, taskID, reason string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return wrapStoreErr(err)
	}
	if err := d.store.ClearReservation(ctx, taskID); err != nil {
		return transientErr(err)
	}
	err = d.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{
			persistence.StatusPendingAck, persistence.StatusAssigned, persistence.StatusInProgress,
		},
		persistence.StatusQueued,
		persistence.Transition{Message: reason})
	if err != nil {
		return wrapStoreErr(err)
	}
	if err := d.store.ClearAssignment(ctx, taskID); err != nil {
		return transientErr(err)
	}

	if task.Response != nil && task.Response.Artifacts["diff"] != "" {
		kept := &persistence.Response{
			Artifacts: map[string]string{"diff": task.Response.Artifacts["diff"]},
		}
		if err := d.store.SetTaskResponse(ctx, taskID, kept); err != nil {
			return wrapStoreErr(err)
		}
	}
	if d.metrics != nil {
		d.metrics.TasksRequeued.Add(ctx, 1)
	}
	d.publishUpdate(taskID, string(task.Status), string(persistence.StatusQueued))
	d.recordActivity(ctx, task.AssignedTo, taskID, "force_retry", reason)
	d.logger.Info("task force-retried", "task_id", taskID, "reason", reason)
	d.nudgeScheduler()
	return nil
}

// ReadMessages drains unread messages on a task for its assigned agent.
func (d *Dispatcher) ReadMessages(ctx context.Context, taskID string, limit int) ([]persistence.TaskMessage, error) {
	msgs, err := d.store.UnreadMessages(ctx, taskID, limit)
	if err != nil {
		return nil, transientErr(err)
	}
	return msgs, nil
}

// PostComment appends an unread user comment to a task thread.
func (d *Dispatcher) PostComment(ctx context.Context, taskID, content string) (string, error) {
	if _, err := d.store.GetTask(ctx, taskID); err != nil {
		return "", wrapStoreErr(err)
	}
	id, err := d.store.AppendMessage(ctx, &persistence.TaskMessage{
		TaskID:      taskID,
		Role:        persistence.MessageRoleUser,
		Content:     content,
		MessageType: "comment",
	})
	if err != nil {
		return "", transientErr(err)
	}
	return id, nil
}

// QueueEviction records an eviction and pokes any in-flight poll.
func (d *Dispatcher) QueueEviction(ctx context.Context, agentID, reason, action string) error {
	if err := d.store.QueueEviction(ctx, agentID, reason, action); err != nil {
		return wrapStoreErr(err)
	}
	if d.metrics != nil {
		d.metrics.EvictionsQueued.Add(ctx, 1)
	}
	d.bus.Publish(bus.TopicEviction, bus.EvictionEvent{AgentID: agentID, Reason: reason, Action: action})
	d.recordActivity(ctx, agentID, "", "eviction_queued", action)
	d.logger.Info("eviction queued", "agent_id", agentID, "action", action, "reason", reason)
	return nil
}

// NotifySystemPrompt tells an agent to refresh its system prompt at the next
// poll boundary.
func (d *Dispatcher) NotifySystemPrompt(agentID string) {
	d.bus.Publish(bus.TopicSystemPrompt, bus.SystemPromptEvent{AgentID: agentID})
}

func (d *Dispatcher) publishUpdate(taskID, oldStatus, newStatus string) {
	d.bus.Publish(bus.TopicTaskUpdated, bus.TaskUpdatedEvent{
		TaskID:    taskID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}

func (d *Dispatcher) publishCompletion(ctx context.Context, taskID string, status persistence.TaskStatus, createdAt time.Time) {
	if d.metrics != nil {
		d.metrics.TasksCompleted.Add(ctx, 1)
		d.metrics.TaskLifetime.Record(ctx, time.Since(createdAt).Seconds())
	}
	d.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: taskID, Status: string(status)})
}

func (d *Dispatcher) recordActivity(ctx context.Context, agentID, taskID, kind, detail string) {
	if err := d.store.AppendActivity(ctx, agentID, taskID, kind, detail); err != nil {
		d.logger.Warn("append activity failed", "kind", kind, "error", err)
		return
	}
	d.bus.Publish(bus.TopicActivity, bus.ActivityEvent{
		AgentID: agentID,
		TaskID:  taskID,
		Kind:    kind,
		Detail:  detail,
	})
}
