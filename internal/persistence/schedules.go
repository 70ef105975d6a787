package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring task template fired by the cron runner.
type Schedule struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	CronExpr     string       `json:"cron_expr"`
	Prompt       string       `json:"prompt"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Priority     Priority     `json:"priority"`
	Enabled      bool         `json:"enabled"`
	NextRunAt    *time.Time   `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func scanSchedule(scanFn func(dest ...any) error) (*Schedule, error) {
	var (
		sch      Schedule
		capsJSON string
		enabled  int
		nextRun  sql.NullTime
		lastRun  sql.NullTime
	)
	if err := scanFn(&sch.ID, &sch.Name, &sch.CronExpr, &sch.Prompt, &capsJSON, &sch.Priority,
		&enabled, &nextRun, &lastRun, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &sch.Capabilities); err != nil {
		return nil, fmt.Errorf("decode schedule capabilities: %w", err)
	}
	sch.Enabled = enabled != 0
	if nextRun.Valid {
		v := nextRun.Time
		sch.NextRunAt = &v
	}
	if lastRun.Valid {
		v := lastRun.Time
		sch.LastRunAt = &v
	}
	return &sch, nil
}

const scheduleColumns = `id, name, cron_expr, prompt, capabilities, priority,
	enabled, next_run_at, last_run_at, created_at, updated_at`

// CreateSchedule persists a recurring task template and returns its id.
func (s *Store) CreateSchedule(ctx context.Context, sch *Schedule) (string, error) {
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.Priority == "" {
		sch.Priority = PriorityNormal
	}
	if sch.Capabilities == nil {
		sch.Capabilities = []Capability{}
	}
	enabled := 0
	if sch.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, prompt, capabilities, priority, enabled, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, sch.ID, sch.Name, sch.CronExpr, sch.Prompt, mustJSON(sch.Capabilities), sch.Priority, enabled, sch.NextRunAt)
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return sch.ID, nil
}

// GetSchedule returns the schedule or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	sch, err := scanSchedule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

// ListSchedules returns every schedule ordered by creation time.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// EnabledSchedules returns schedules the cron runner should have registered.
func (s *Store) EnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("enabled schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// DueSchedules returns enabled schedules whose next run is at or before now.
// A never-fired schedule (null next_run_at) is considered due so the runner
// can seed its first next_run_at.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY created_at ASC;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleRun stamps last_run_at/next_run_at after a firing.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt time.Time, nextRun *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, ranAt, nextRun, id)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetScheduleEnabled flips a schedule on or off.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, v, id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enable rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}
