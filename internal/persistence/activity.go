package persistence

import (
	"context"
	"fmt"
	"time"
)

// ActivityEntry is one row of the broker activity feed.
type ActivityEntry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendActivity records a broker action for the activity feed. Failures here
// are advisory; callers log and move on.
func (s *Store) AppendActivity(ctx context.Context, agentID, taskID, kind, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (agent_id, task_id, kind, detail) VALUES (?, ?, ?, ?);
	`, agentID, taskID, kind, detail)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// RecentActivity returns the newest entries, most recent first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, task_id, kind, detail, created_at
		FROM activity_log
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.TaskID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}

// RecordSecurityEvent stores a blocked-prompt incident with the policy flags
// that fired. Only an excerpt of the prompt is kept.
func (s *Store) RecordSecurityEvent(ctx context.Context, source, promptExcerpt string, flags []string) error {
	const maxExcerpt = 200
	if len(promptExcerpt) > maxExcerpt {
		promptExcerpt = promptExcerpt[:maxExcerpt]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (source, prompt_excerpt, flags) VALUES (?, ?, ?);
	`, source, promptExcerpt, mustJSON(flags))
	if err != nil {
		return fmt.Errorf("record security event: %w", err)
	}
	return nil
}

// SecurityEventCount returns the total number of recorded incidents.
func (s *Store) SecurityEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM security_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("security event count: %w", err)
	}
	return count, nil
}
