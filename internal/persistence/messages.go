package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	MessageRoleUser   = "user"
	MessageRoleAgent  = "agent"
	MessageRoleSystem = "system"
)

// TaskMessage is one mid-flight message on a task thread: a user answer to a
// blocked task, an agent question, or a system note.
type TaskMessage struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppendMessage stores a message on a task thread and returns its id.
func (s *Store) AppendMessage(ctx context.Context, m *TaskMessage) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	// Agent progress reports are the agent's own output and never enter the
	// unread drain; user comments and system answers do.
	isRead := 0
	if m.Role == MessageRoleAgent {
		isRead = 1
		m.Read = true
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_messages (id, task_id, role, content, message_type, reply_to, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, m.ID, m.TaskID, m.Role, m.Content, m.MessageType, m.ReplyTo, isRead, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("append task message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// UnreadMessages returns unread messages on a task and marks them read in the
// same transaction, so concurrent readers never double-deliver.
func (s *Store) UnreadMessages(ctx context.Context, taskID string, limit int) ([]TaskMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	var msgs []TaskMessage
	err := retryOnBusy(ctx, 5, func() error {
		msgs = msgs[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("read messages: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, task_id, role, content, message_type, reply_to, is_read, created_at
			FROM task_messages
			WHERE task_id = ? AND is_read = 0
			ORDER BY created_at ASC
			LIMIT ?;
		`, taskID, limit)
		if err != nil {
			return fmt.Errorf("read messages: %w", err)
		}
		var idArgs []any
		for rows.Next() {
			var m TaskMessage
			var read int
			if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &m.MessageType, &m.ReplyTo, &read, &m.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan task message: %w", err)
			}
			m.Read = true
			msgs = append(msgs, m)
			idArgs = append(idArgs, m.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate task messages: %w", err)
		}

		if len(idArgs) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(idArgs)), ",")
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_messages SET is_read = 1 WHERE id IN (`+placeholders+`);
			`, idArgs...); err != nil {
				return fmt.Errorf("mark messages read: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// TaskMessages returns the full thread of a task, oldest first.
func (s *Store) TaskMessages(ctx context.Context, taskID string) ([]TaskMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, role, content, message_type, reply_to, is_read, created_at
		FROM task_messages
		WHERE task_id = ?
		ORDER BY created_at ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task messages: %w", err)
	}
	defer rows.Close()

	var msgs []TaskMessage
	for rows.Next() {
		var m TaskMessage
		var read int
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Role, &m.Content, &m.MessageType, &m.ReplyTo, &read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		m.Read = read != 0
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task message rows: %w", err)
	}
	return msgs, nil
}

// UnreadCount returns how many unread messages a task has.
func (s *Store) UnreadCount(ctx context.Context, taskID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_messages WHERE task_id = ? AND is_read = 0;
	`, taskID).Scan(&count); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}
