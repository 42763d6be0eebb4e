// ABOUTME: Pending approval persistence for paused tool invocations
// ABOUTME: Decisions are conditional updates so an approval can be decided exactly once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateApproval persists a new pending approval. Generates ID and CreatedAt if unset.
func (s *SQLiteStore) CreateApproval(ctx context.Context, a *PendingApproval) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = ApprovalPending
	}

	args, err := marshalJSON(a.Arguments)
	if err != nil {
		return fmt.Errorf("marshaling approval arguments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_approvals (id, execution_id, agent_id, tool_name, arguments_json, status, session_id, max_turns, created_at, decided_at, decided_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		a.ExecutionID,
		a.AgentID,
		a.ToolName,
		args,
		string(a.Status),
		nullString(a.SessionID),
		a.MaxTurns,
		formatTime(a.CreatedAt),
		formatTimePtr(a.DecidedAt),
		nullString(a.DecidedBy),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting approval: %w", err)
	}

	s.logger.Info("approval created",
		"approval_id", a.ID,
		"execution_id", a.ExecutionID,
		"agent_id", a.AgentID,
		"tool_name", a.ToolName,
	)
	return nil
}

const approvalColumns = `id, execution_id, agent_id, tool_name, arguments_json, status, session_id, max_turns, created_at, decided_at, decided_by`

func scanApproval(row rowScanner) (*PendingApproval, error) {
	var a PendingApproval
	var status, createdAt string
	var args, sessionID, decidedAt, decidedBy sql.NullString

	if err := row.Scan(&a.ID, &a.ExecutionID, &a.AgentID, &a.ToolName, &args, &status, &sessionID, &a.MaxTurns, &createdAt, &decidedAt, &decidedBy); err != nil {
		return nil, err
	}
	a.Status = ApprovalStatus(status)
	a.SessionID = sessionID.String
	a.DecidedBy = decidedBy.String

	var err error
	if a.Arguments, err = unmarshalMap("arguments_json", args); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if a.DecidedAt, err = parseNullTime("decided_at", decidedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetApproval retrieves an approval by ID.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM pending_approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying approval: %w", err)
	}
	return a, nil
}

// FindPendingApproval returns the oldest still-pending approval for an execution.
func (s *SQLiteStore) FindPendingApproval(ctx context.Context, executionID string) (*PendingApproval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM pending_approvals
		WHERE execution_id = ? AND status = ?
		ORDER BY created_at
		LIMIT 1
	`, executionID, string(ApprovalPending))
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns approvals newest first, optionally filtered by status.
func (s *SQLiteStore) ListApprovals(ctx context.Context, status ApprovalStatus, limit int) ([]*PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM pending_approvals
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, nullString(string(status)), nullString(string(status)), normalizeAuditLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*PendingApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// DecideApproval moves a pending approval to approved or rejected.
// Returns ErrNotFound for unknown IDs and ErrAlreadyDecided if it is no longer pending.
func (s *SQLiteStore) DecideApproval(ctx context.Context, id string, status ApprovalStatus, decidedBy string, at time.Time) error {
	if status != ApprovalApproved && status != ApprovalRejected {
		return fmt.Errorf("invalid approval decision %q", status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_approvals
		SET status = ?, decided_at = ?, decided_by = ?
		WHERE id = ? AND status = ?
	`, string(status), formatTime(at), nullString(decidedBy), id, string(ApprovalPending))
	if err != nil {
		return fmt.Errorf("deciding approval: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetApproval(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyDecided
	}

	s.logger.Info("approval decided", "approval_id", id, "status", status, "decided_by", decidedBy)
	return nil
}
