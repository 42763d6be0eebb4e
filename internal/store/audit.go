// ABOUTME: Audit records for commands dispatched to remote agents
// ABOUTME: Created pending before the frame is sent, completed when the reply is correlated

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateAuditRecord inserts a new audit record. The ID must be the wire request id.
func (s *SQLiteStore) CreateAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == "" {
		return errors.New("audit record id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = AuditPending
	}

	args, err := marshalJSON(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshaling audit arguments: %w", err)
	}
	result, err := marshalJSON(rec.Result)
	if err != nil {
		return fmt.Errorf("marshaling audit result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, agent_id, tool_name, arguments_json, status, result_json, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.AgentID,
		rec.ToolName,
		args,
		string(rec.Status),
		result,
		formatTime(rec.CreatedAt),
		formatTimePtr(rec.CompletedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting audit record: %w", err)
	}

	s.logger.Debug("created audit record",
		"id", rec.ID,
		"agent_id", rec.AgentID,
		"tool_name", rec.ToolName,
	)
	return nil
}

// CompleteAuditRecord records the outcome of a dispatched call.
// Returns ErrNotFound if the record does not exist.
func (s *SQLiteStore) CompleteAuditRecord(ctx context.Context, id string, status AuditStatus, result json.RawMessage, completedAt time.Time) error {
	payload, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("marshaling audit result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE audit_records SET status = ?, result_json = ?, completed_at = ? WHERE id = ?`,
		string(status), payload, formatTime(completedAt), id)
	if err != nil {
		return fmt.Errorf("completing audit record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const auditColumns = `id, agent_id, tool_name, arguments_json, status, result_json, created_at, completed_at`

// scanAuditRecord scans a row into an AuditRecord.
func scanAuditRecord(row rowScanner) (*AuditRecord, error) {
	var rec AuditRecord
	var status, createdAt string
	var args, result, completedAt sql.NullString

	if err := row.Scan(&rec.ID, &rec.AgentID, &rec.ToolName, &args, &status, &result, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	rec.Status = AuditStatus(status)

	var err error
	if rec.Arguments, err = unmarshalMap("arguments_json", args); err != nil {
		return nil, err
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if rec.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseNullTime("completed_at", completedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetAuditRecord retrieves an audit record by request id.
func (s *SQLiteStore) GetAuditRecord(ctx context.Context, id string) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE id = ?`, id)
	rec, err := scanAuditRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record: %w", err)
	}
	return rec, nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// ListAuditRecords returns audit records newest first.
func (s *SQLiteStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records
		WHERE (? IS NULL OR agent_id = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`,
		nullString(filter.AgentID), nullString(filter.AgentID),
		nullString(string(filter.Status)), nullString(string(filter.Status)),
		normalizeAuditLimit(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
