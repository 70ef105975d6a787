package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Capability is a closed vocabulary of agent skills used for routing.
type Capability string

const (
	CapCodeWriting    Capability = "code-writing"
	CapTestWriting    Capability = "test-writing"
	CapSpecWriting    Capability = "spec-writing"
	CapDocWriting     Capability = "doc-writing"
	CapCodeDoctor     Capability = "code-doctor"
	CapGeneralPurpose Capability = "general-purpose"
)

var knownCapabilities = map[Capability]struct{}{
	CapCodeWriting:    {},
	CapTestWriting:    {},
	CapSpecWriting:    {},
	CapDocWriting:     {},
	CapCodeDoctor:     {},
	CapGeneralPurpose: {},
}

// ValidCapability reports whether c belongs to the routing vocabulary.
func ValidCapability(c Capability) bool {
	_, ok := knownCapabilities[c]
	return ok
}

// Eviction actions, ordered by severity. Once a SHUTDOWN is queued, a later
// RESTART request never downgrades it.
const (
	EvictRestart  = "RESTART"
	EvictShutdown = "SHUTDOWN"
)

// WorkspaceBinding ties an agent to a single repository identity.
type WorkspaceBinding struct {
	Kind   string `json:"kind,omitempty"`
	RepoID string `json:"repo_id"`
	Branch string `json:"branch,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Agent is one registered worker.
type Agent struct {
	AgentID           string
	DisplayName       string
	Capabilities      []Capability
	Workspace         *WorkspaceBinding
	Role              string
	Protected         bool
	LastSeen          time.Time
	WaitingSince      *time.Time
	WaitingCaps       []Capability
	WaitingWorkspace  string
	EvictionRequested bool
	EvictionReason    string
	EvictionAction    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Waiting reports whether the agent is parked in a long-poll.
func (a *Agent) Waiting() bool {
	return a.WaitingSince != nil
}

const agentColumns = `agent_id, display_name, capabilities, workspace_json, role, protected,
	last_seen, waiting_since, waiting_capabilities, waiting_workspace,
	eviction_requested, eviction_reason, eviction_action, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error) (*Agent, error) {
	var (
		a             Agent
		capsJSON      string
		workspaceJSON sql.NullString
		waitingSince  sql.NullTime
		waitingCaps   sql.NullString
		waitingWS     sql.NullString
		protected     int
		evicting      int
	)
	if err := scanFn(
		&a.AgentID, &a.DisplayName, &capsJSON, &workspaceJSON, &a.Role, &protected,
		&a.LastSeen, &waitingSince, &waitingCaps, &waitingWS,
		&evicting, &a.EvictionReason, &a.EvictionAction, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode agent capabilities: %w", err)
	}
	if workspaceJSON.Valid && workspaceJSON.String != "" {
		a.Workspace = &WorkspaceBinding{}
		if err := json.Unmarshal([]byte(workspaceJSON.String), a.Workspace); err != nil {
			return nil, fmt.Errorf("decode agent workspace: %w", err)
		}
	}
	if waitingSince.Valid {
		v := waitingSince.Time
		a.WaitingSince = &v
	}
	if waitingCaps.Valid && waitingCaps.String != "" {
		if err := json.Unmarshal([]byte(waitingCaps.String), &a.WaitingCaps); err != nil {
			return nil, fmt.Errorf("decode waiting capabilities: %w", err)
		}
	}
	if waitingWS.Valid {
		a.WaitingWorkspace = waitingWS.String
	}
	a.Protected = protected != 0
	a.EvictionRequested = evicting != 0
	return &a, nil
}

// staleIdentityAge is how long a silent agent holds its id before a new
// registration under the same id may take it over.
const staleIdentityAge = 5 * time.Minute

// RegisterAgent upserts an agent identity and returns the id it ended up
// with. Re-registering the same id refreshes the record in place when the
// display name matches the holder's (same agent reconnecting) or when the
// holder has been silent longer than the stale threshold; a collision with a
// live holder under a different display name gets a numeric suffix instead.
func (s *Store) RegisterAgent(ctx context.Context, a *Agent) (string, error) {
	if a.Capabilities == nil {
		a.Capabilities = []Capability{}
	}
	for _, c := range a.Capabilities {
		if !ValidCapability(c) {
			return "", fmt.Errorf("unknown capability %q", c)
		}
	}
	var workspaceJSON any
	if a.Workspace != nil {
		workspaceJSON = mustJSON(a.Workspace)
	}

	finalID := a.AgentID
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin register tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		id := a.AgentID
		for attempt := 0; ; attempt++ {
			var lastSeen time.Time
			var displayName string
			err := tx.QueryRowContext(ctx, `SELECT last_seen, display_name FROM agents WHERE agent_id = ?;`, id).Scan(&lastSeen, &displayName)
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			if err != nil {
				return fmt.Errorf("check agent identity: %w", err)
			}
			if a.DisplayName != "" && displayName == a.DisplayName {
				// Same agent reconnecting, refresh in place.
				break
			}
			if time.Since(lastSeen) > staleIdentityAge {
				// Silent holder, take the identity over.
				break
			}
			id = fmt.Sprintf("%s-%d", a.AgentID, attempt+2)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (agent_id, display_name, capabilities, workspace_json, role, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				display_name = excluded.display_name,
				capabilities = excluded.capabilities,
				workspace_json = excluded.workspace_json,
				role = excluded.role,
				last_seen = excluded.last_seen,
				waiting_since = NULL,
				waiting_capabilities = NULL,
				waiting_workspace = NULL,
				updated_at = CURRENT_TIMESTAMP;
		`, id, a.DisplayName, mustJSON(a.Capabilities), workspaceJSON, a.Role, now)
		if err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit register tx: %w", err)
		}
		finalID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	a.AgentID = finalID
	return finalID, nil
}

// GetAgent returns the agent or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;`, agentID)
	a, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all registered agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// Heartbeat refreshes last_seen for an agent.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_seen = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// MarkWaiting records that the agent entered a long-poll, with the capability
// and workspace filters it polled with. The mark is the waiting pool the
// scheduler assigns against; it survives only in the database, never in
// process memory.
func (s *Store) MarkWaiting(ctx context.Context, agentID string, caps []Capability, workspaceID string) error {
	if caps == nil {
		caps = []Capability{}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET waiting_since = ?, waiting_capabilities = ?, waiting_workspace = ?,
			last_seen = ?, updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?;
	`, time.Now().UTC(), mustJSON(caps), workspaceID, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("mark waiting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark waiting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// ClearWaiting removes an agent's waiting mark, usually when its poll returns.
func (s *Store) ClearWaiting(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET waiting_since = NULL, waiting_capabilities = NULL, waiting_workspace = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?;
	`, agentID)
	if err != nil {
		return fmt.Errorf("clear waiting: %w", err)
	}
	return nil
}

// WaitingAgents returns agents currently parked in a long-poll, longest
// waiting first.
func (s *Store) WaitingAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE waiting_since IS NOT NULL
		ORDER BY waiting_since ASC, agent_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query waiting agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan waiting agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("waiting agent rows: %w", err)
	}
	return out, nil
}

// QueueEviction records an eviction request for an agent. Escalation is
// monotonic: a queued SHUTDOWN is never replaced by a RESTART.
func (s *Store) QueueEviction(ctx context.Context, agentID, reason, action string) error {
	if action != EvictRestart && action != EvictShutdown {
		return fmt.Errorf("unknown eviction action %q", action)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin eviction tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var requested int
		var current string
		err = tx.QueryRowContext(ctx, `
			SELECT eviction_requested, eviction_action FROM agents WHERE agent_id = ?;
		`, agentID).Scan(&requested, &current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
			}
			return fmt.Errorf("select eviction state: %w", err)
		}
		if requested != 0 && current == EvictShutdown && action == EvictRestart {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET eviction_requested = 1, eviction_reason = ?, eviction_action = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ?;
		`, reason, action, agentID); err != nil {
			return fmt.Errorf("queue eviction: %w", err)
		}
		return tx.Commit()
	})
}

// PopEviction atomically consumes a pending eviction for the agent, returning
// its reason and action, or ok=false when none is queued.
func (s *Store) PopEviction(ctx context.Context, agentID string) (reason, action string, ok bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin pop eviction tx: %w", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var requested int
		scanErr := tx.QueryRowContext(ctx, `
			SELECT eviction_requested, eviction_reason, eviction_action
			FROM agents WHERE agent_id = ?;
		`, agentID).Scan(&requested, &reason, &action)
		if scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				ok = false
				return nil
			}
			return fmt.Errorf("select eviction: %w", scanErr)
		}
		if requested == 0 {
			ok = false
			return nil
		}
		if _, execErr := tx.ExecContext(ctx, `
			UPDATE agents
			SET eviction_requested = 0, eviction_reason = '', eviction_action = '',
				updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ?;
		`, agentID); execErr != nil {
			return fmt.Errorf("consume eviction: %w", execErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("commit pop eviction tx: %w", commitErr)
		}
		ok = true
		return nil
	})
	if err != nil {
		return "", "", false, err
	}
	if !ok {
		return "", "", false, nil
	}
	return reason, action, true, nil
}

// DeleteStaleAgents removes agents unseen since the threshold, skipping
// protected ones. Returns the removed ids. In-flight tasks assigned to a
// removed agent are left to the stale-task rebalance.
func (s *Store) DeleteStaleAgents(ctx context.Context, unseenFor time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-unseenFor)
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM agents WHERE last_seen <= ? AND protected = 0;
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale agents: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale agent: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale agent rows: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?;`, id); err != nil {
			return nil, fmt.Errorf("delete stale agent %s: %w", id, err)
		}
	}
	return ids, nil
}

// SetAgentProtected toggles cleanup protection for an agent.
func (s *Store) SetAgentProtected(ctx context.Context, agentID string, protected bool) error {
	v := 0
	if protected {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET protected = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, v, agentID)
	if err != nil {
		return fmt.Errorf("set agent protected: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("protect rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}
