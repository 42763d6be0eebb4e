// ABOUTME: Cron schedule persistence for unattended loop episodes
// ABOUTME: Tracks last run time and the chat session a persistent schedule reuses

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateSchedule stores a new schedule. Generates ID and CreatedAt if unset.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if strings.TrimSpace(sched.CronExpression) == "" {
		return errors.New("cron expression is required")
	}
	if strings.TrimSpace(sched.TaskInstruction) == "" {
		return errors.New("task instruction is required")
	}
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, cron_expression, task_instruction, agent_id, use_persistent_chat, chat_session_id, is_active, last_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sched.ID,
		sched.CronExpression,
		sched.TaskInstruction,
		nullString(sched.AgentID),
		boolToInt(sched.UsePersistentChat),
		nullString(sched.ChatSessionID),
		boolToInt(sched.Active),
		formatTimePtr(sched.LastRunAt),
		formatTime(sched.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting schedule: %w", err)
	}

	s.logger.Info("schedule created", "schedule_id", sched.ID, "cron", sched.CronExpression)
	return nil
}

const scheduleColumns = `id, cron_expression, task_instruction, agent_id, use_persistent_chat, chat_session_id, is_active, last_run_at, created_at`

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var persistent, active int
	var agentID, chatSessionID, lastRun sql.NullString
	var createdAt string

	if err := row.Scan(&sched.ID, &sched.CronExpression, &sched.TaskInstruction, &agentID,
		&persistent, &chatSessionID, &active, &lastRun, &createdAt); err != nil {
		return nil, err
	}
	sched.AgentID = agentID.String
	sched.ChatSessionID = chatSessionID.String
	sched.UsePersistentChat = persistent != 0
	sched.Active = active != 0

	var err error
	if sched.LastRunAt, err = parseNullTime("last_run_at", lastRun); err != nil {
		return nil, err
	}
	if sched.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &sched, nil
}

// GetSchedule retrieves a schedule by ID.
func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns schedules oldest first.
func (s *SQLiteStore) ListSchedules(ctx context.Context, activeOnly bool) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// RecordScheduleRun stamps the last run time. A non-empty chatSessionID
// is remembered so persistent schedules keep appending to one session.
func (s *SQLiteStore) RecordScheduleRun(ctx context.Context, id string, ranAt time.Time, chatSessionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = ?, chat_session_id = COALESCE(?, chat_session_id)
		WHERE id = ?
	`, formatTime(ranAt), nullString(chatSessionID), id)
	if err != nil {
		return fmt.Errorf("recording schedule run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("schedule deleted", "schedule_id", id)
	return nil
}
