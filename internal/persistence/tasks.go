package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Sentinel errors for the dispatch state machine. The dispatcher wraps these
// into its user-facing error type.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrWrongAgent        = errors.New("wrong agent")
)

// TaskStatus is a state in the task lifecycle.
type TaskStatus string

const (
	StatusQueued         TaskStatus = "QUEUED"
	StatusPendingAck     TaskStatus = "PENDING_ACK"
	StatusAssigned       TaskStatus = "ASSIGNED"
	StatusInProgress     TaskStatus = "IN_PROGRESS"
	StatusInReview       TaskStatus = "IN_REVIEW"
	StatusApprovedQueued TaskStatus = "APPROVED_QUEUED"
	StatusCompleted      TaskStatus = "COMPLETED"
	StatusBlocked        TaskStatus = "BLOCKED"
	StatusRejected       TaskStatus = "REJECTED"
	StatusFailed         TaskStatus = "FAILED"
	StatusCancelled      TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusQueued: {
		StatusPendingAck: {},
		StatusBlocked:    {},
		StatusCancelled:  {},
		StatusFailed:     {},
	},
	StatusPendingAck: {
		StatusAssigned:  {},
		StatusQueued:    {}, // reservation timeout requeue
		StatusCancelled: {},
	},
	StatusAssigned: {
		StatusInProgress: {},
		StatusInReview:   {},
		StatusCompleted:  {},
		StatusBlocked:    {},
		StatusQueued:     {}, // force retry
		StatusCancelled:  {},
		StatusFailed:     {},
	},
	StatusInProgress: {
		StatusInReview:  {},
		StatusCompleted: {},
		StatusBlocked:   {},
		StatusQueued:    {}, // force retry
		StatusCancelled: {},
		StatusFailed:    {},
	},
	StatusInReview: {
		StatusApprovedQueued: {},
		StatusRejected:       {},
		StatusCancelled:      {},
	},
	StatusApprovedQueued: {
		StatusCompleted:  {},
		StatusPendingAck: {}, // re-dispatch if the assigned agent vanished
		StatusCancelled:  {},
	},
	StatusBlocked: {
		StatusQueued:    {},
		StatusCancelled: {},
	},
	StatusRejected: {
		StatusQueued: {}, // audit marker, replaced immediately
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Priority orders dispatch: critical before high before normal.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric dispatch rank of the priority; larger wins.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// Origin tags where a task came from.
type Origin struct {
	Kind string `json:"kind"` // "user" or "agent"
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Route is the task's routing hint: an optional preferred agent, an optional
// required capability set, and an optional workspace demand.
type Route struct {
	AgentID      string       `json:"agent_id,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	WorkspaceID  string       `json:"workspace_id,omitempty"`
}

// Transition is one record in a task's history.
type Transition struct {
	Timestamp time.Time  `json:"timestamp"`
	Status    TaskStatus `json:"status"`
	AgentID   string     `json:"agent_id,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Response is the terminal payload attached by the executing agent.
// Artifacts carry named outputs; "diff" survives a force-retry.
type Response struct {
	Status    string            `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// Task is one unit of delegated work.
type Task struct {
	ID                string
	Title             string
	Prompt            string
	From              Origin
	To                Route
	Priority          Priority
	Status            TaskStatus
	Dependencies      []string
	AssignedTo        string
	PendingAckAgentID string
	AckSentAt         *time.Time
	Response          *Response
	History           []Transition
	Context           map[string]string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	LastActivityAt    time.Time
}

const taskColumns = `id, title, prompt, origin_json, route_json, priority, status,
	dependencies, assigned_to, pending_ack_agent_id, ack_sent_at,
	response_json, history_json, context_json, created_at, completed_at, last_activity_at`

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var (
		t            Task
		originJSON   string
		routeJSON    string
		depsJSON     string
		responseJSON sql.NullString
		historyJSON  string
		contextJSON  string
		ackSentAt    sql.NullTime
		completedAt  sql.NullTime
	)
	if err := scanFn(
		&t.ID, &t.Title, &t.Prompt, &originJSON, &routeJSON, &t.Priority, &t.Status,
		&depsJSON, &t.AssignedTo, &t.PendingAckAgentID, &ackSentAt,
		&responseJSON, &historyJSON, &contextJSON, &t.CreatedAt, &completedAt, &t.LastActivityAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(originJSON), &t.From); err != nil {
		return nil, fmt.Errorf("decode task origin: %w", err)
	}
	if err := json.Unmarshal([]byte(routeJSON), &t.To); err != nil {
		return nil, fmt.Errorf("decode task route: %w", err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode task dependencies: %w", err)
	}
	if responseJSON.Valid && responseJSON.String != "" {
		t.Response = &Response{}
		if err := json.Unmarshal([]byte(responseJSON.String), t.Response); err != nil {
			return nil, fmt.Errorf("decode task response: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(historyJSON), &t.History); err != nil {
		return nil, fmt.Errorf("decode task history: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("decode task context: %w", err)
	}
	if ackSentAt.Valid {
		v := ackSentAt.Time
		t.AckSentAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// InsertTask persists a freshly minted task. The caller sets ID, Status
// (QUEUED or BLOCKED), CreatedAt and the initial history record.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	if t.Context == nil {
		t.Context = map[string]string{}
	}
	var responseJSON any
	if t.Response != nil {
		responseJSON = mustJSON(t.Response)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Title, t.Prompt, mustJSON(t.From), mustJSON(t.To), t.Priority, t.Status,
			mustJSON(t.Dependencies), t.AssignedTo, t.PendingAckAgentID, t.AckSentAt,
			responseJSON, mustJSON(t.History), mustJSON(t.Context),
			t.CreatedAt, t.CompletedAt, t.LastActivityAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// GetTask returns the task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TasksByStatuses returns all tasks in any of the given statuses, ordered by
// creation time ascending.
func (s *Store) TasksByStatuses(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TasksByAssigned returns every task assigned to the given agent.
func (s *Store) TasksByAssigned(ctx context.Context, agentID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_to = ?
		ORDER BY created_at ASC, id ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query tasks by assignee: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TaskHistory returns the ordered transition records of a task.
func (s *Store) TaskHistory(ctx context.Context, id string) ([]Transition, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.History, nil
}

// transitionTaskTx applies one state transition inside tx: status guard,
// history append, completed_at stamping. Terminal states refuse every
// transition; completed_at is set exactly once.
func transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []TaskStatus, to TaskStatus, rec Transition) error {
	var (
		current     TaskStatus
		historyJSON string
		completedAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT status, history_json, completed_at FROM tasks WHERE id = ?;
	`, taskID).Scan(&current, &historyJSON, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return fmt.Errorf("select task for transition: %w", err)
	}
	if current.IsTerminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, current, ErrInvalidTransition)
	}
	if !slices.Contains(allowedFrom, current) {
		return fmt.Errorf("task %s is %s, expected one of %v: %w", taskID, current, allowedFrom, ErrInvalidTransition)
	}
	if !canTransition(current, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", current, to, ErrInvalidTransition)
	}

	var history []Transition
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	rec.Status = to
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	history = append(history, rec)

	var newCompletedAt any
	if completedAt.Valid {
		newCompletedAt = completedAt.Time
	} else if to.IsTerminal() {
		newCompletedAt = rec.Timestamp
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, history_json = ?, completed_at = ?, last_activity_at = ?
		WHERE id = ? AND status = ?;
	`, to, mustJSON(history), newCompletedAt, rec.Timestamp, taskID, current)
	if err != nil {
		return fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("task %s moved concurrently: %w", taskID, ErrInvalidTransition)
	}
	return nil
}

// TransitionTask applies a single guarded status transition.
func (s *Store) TransitionTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, rec Transition) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := transitionTaskTx(ctx, tx, taskID, allowedFrom, to, rec); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// TransitionTaskWithResponse applies a guarded status transition and writes
// the agent's response in the same transaction. A refused transition leaves
// the stored response untouched, so a late duplicate result can never
// overwrite a terminal task's artifacts.
func (s *Store) TransitionTaskWithResponse(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, rec Transition, resp *Response) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin response tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := transitionTaskTx(ctx, tx, taskID, allowedFrom, to, rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET response_json = ? WHERE id = ?;
		`, mustJSON(resp), taskID); err != nil {
			return fmt.Errorf("write task response: %w", err)
		}
		return tx.Commit()
	})
}

// ReserveTask atomically moves a dispatchable task to PENDING_ACK for the
// given agent: it writes the reservation record, clears the agent's waiting
// mark, and appends the history entry — all in one transaction. Returns false
// without error when the task or the agent was grabbed concurrently.
func (s *Store) ReserveTask(ctx context.Context, taskID, agentID string) (bool, error) {
	reserved := false
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reserve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		err = transitionTaskTx(ctx, tx, taskID, []TaskStatus{StatusQueued, StatusApprovedQueued}, StatusPendingAck, Transition{
			Timestamp: now,
			AgentID:   agentID,
			Message:   "reserved for agent",
		})
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
				reserved = false
				return nil
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET pending_ack_agent_id = ?, ack_sent_at = ? WHERE id = ?;
		`, agentID, now, taskID); err != nil {
			return fmt.Errorf("write reservation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET waiting_since = NULL, waiting_capabilities = NULL, waiting_workspace = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ?;
		`, agentID); err != nil {
			return fmt.Errorf("clear waiting mark: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reserve tx: %w", err)
		}
		reserved = true
		return nil
	})
	return reserved, err
}

// AckTask accepts a reservation: the task must be PENDING_ACK and the
// reservation must name agentID. On success the task is ASSIGNED to the agent
// and the reservation is cleared.
func (s *Store) AckTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	var acked *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ack tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		var pendingAgent string
		err = tx.QueryRowContext(ctx, `
			SELECT status, pending_ack_agent_id FROM tasks WHERE id = ?;
		`, taskID).Scan(&status, &pendingAgent)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("select task for ack: %w", err)
		}
		if status != StatusPendingAck {
			return fmt.Errorf("task %s is %s: %w", taskID, status, ErrInvalidTransition)
		}
		if pendingAgent != agentID {
			return fmt.Errorf("task %s reserved for %s, acked by %s: %w", taskID, pendingAgent, agentID, ErrWrongAgent)
		}

		if err := transitionTaskTx(ctx, tx, taskID, []TaskStatus{StatusPendingAck}, StatusAssigned, Transition{
			AgentID: agentID,
			Message: "acknowledged",
		}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_to = ?, pending_ack_agent_id = '', ack_sent_at = NULL WHERE id = ?;
		`, agentID, taskID); err != nil {
			return fmt.Errorf("clear reservation on ack: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit ack tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	acked, err = s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return acked, nil
}

// ClearReservation drops a task's pending-ACK record without transitioning.
// Used by cancel and force-retry before they move the task.
func (s *Store) ClearReservation(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET pending_ack_agent_id = '', ack_sent_at = NULL WHERE id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("clear reservation: %w", err)
	}
	return nil
}

// RequeueStuckReservations moves every PENDING_ACK task whose reservation is
// older than maxAge back to QUEUED and returns the affected task ids.
func (s *Store) RequeueStuckReservations(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var requeued []string
	err := retryOnBusy(ctx, 5, func() error {
		requeued = requeued[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE status = ? AND ack_sent_at IS NOT NULL AND ack_sent_at <= ?;
		`, StatusPendingAck, cutoff)
		if err != nil {
			return fmt.Errorf("query stuck reservations: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stuck reservation: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stuck reservations: %w", err)
		}

		for _, id := range ids {
			if err := transitionTaskTx(ctx, tx, id, []TaskStatus{StatusPendingAck}, StatusQueued, Transition{
				Message: "reservation timed out",
			}); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET pending_ack_agent_id = '', ack_sent_at = NULL WHERE id = ?;
			`, id); err != nil {
				return fmt.Errorf("clear stuck reservation: %w", err)
			}
			requeued = append(requeued, id)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// StaleInFlight returns ASSIGNED and IN_PROGRESS tasks with no activity since
// the cutoff.
func (s *Store) StaleInFlight(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND last_activity_at <= ?
		ORDER BY created_at ASC;
	`, StatusAssigned, StatusInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale in-flight: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale task rows: %w", err)
	}
	return out, nil
}

// SetTaskResponse attaches the agent's response payload to a task.
func (s *Store) SetTaskResponse(ctx context.Context, taskID string, resp *Response) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET response_json = ? WHERE id = ?;
	`, mustJSON(resp), taskID)
	if err != nil {
		return fmt.Errorf("set task response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set response rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// ClearAssignment drops the assignee, keeping response artifacts intact.
func (s *Store) ClearAssignment(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET assigned_to = '' WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("clear assignment: %w", err)
	}
	return nil
}

// TouchTaskActivity refreshes last_activity_at, used on progress updates.
func (s *Store) TouchTaskActivity(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET last_activity_at = ? WHERE id = ?;
	`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("touch task activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// DependenciesMet reports whether every dependency of the task is COMPLETED.
// Tasks with no dependencies are trivially met. Unknown dependency ids count
// as unmet; cycles are not detected and simply keep a task BLOCKED.
func (s *Store) DependenciesMet(ctx context.Context, t *Task) (bool, error) {
	for _, dep := range t.Dependencies {
		var status TaskStatus
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, dep).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, fmt.Errorf("check dependency %s: %w", dep, err)
		}
		if status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}
