package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/slotbook/paycore/internal/domain"
)

// ─── Audit Log ──────────────────────────────────────────────────────────────

var _ domain.Auditor = (*DB)(nil)

// AuditRecord is one row of the audit log.
type AuditRecord struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// RecordAudit appends an entry to the audit log.
func (db *DB) RecordAudit(ctx context.Context, actor, action string, details map[string]any) error {
	return db.insertAudit(ctx, actor, action, details)
}

// RecordAudit appends an entry that commits with the transaction.
func (tx *Tx) RecordAudit(ctx context.Context, actor, action string, details map[string]any) error {
	return tx.insertAudit(ctx, actor, action, details)
}

func (c conn) insertAudit(ctx context.Context, actor, action string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = c.exec(ctx, `
		INSERT INTO audit_log (id, actor, action, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), actor, action, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAudit returns the latest audit records for an action, newest first.
// An empty action lists all actions.
func (c conn) ListAudit(ctx context.Context, action string, limit int) ([]AuditRecord, error) {
	query := `SELECT id, actor, action, details, created_at FROM audit_log`
	args := []any{}
	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			r       AuditRecord
			raw     string
			created string
		)
		if err := rows.Scan(&r.ID, &r.Actor, &r.Action, &raw, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
