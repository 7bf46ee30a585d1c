package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/pulse/internal/model"
)

// AppendAnalysisLog stores one operator visible log entry.
func (t *Tx) AppendAnalysisLog(ctx context.Context, entry model.AnalysisLog) error {
	if err := t.writable("append analysis log"); err != nil {
		return err
	}
	var scope sql.NullString
	var modID sql.NullInt64
	machineID := entry.MachineID
	if entry.Modification != nil {
		scope = sql.NullString{String: string(entry.Modification.Scope), Valid: true}
		modID = sql.NullInt64{Int64: entry.Modification.ID, Valid: true}
		if machineID == 0 {
			machineID = entry.Modification.MachineID
		}
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := t.exec(ctx, `
		INSERT INTO analysis_log (level, message, scope, machine_id, modification_id, iterations, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Level), entry.Message, scope, machineID, modID, entry.Iterations, entry.Status,
		createdAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("append analysis log: %w", err)
	}
	return nil
}

// AnalysisLogs returns the newest entries first.
func (t *Tx) AnalysisLogs(ctx context.Context, limit int) ([]model.AnalysisLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.query(ctx, `
		SELECT id, level, message, scope, machine_id, modification_id, iterations, status, created_at
		FROM analysis_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("analysis logs: %w", err)
	}
	defer rows.Close()

	var out []model.AnalysisLog
	for rows.Next() {
		var (
			e         model.AnalysisLog
			level     string
			scope     sql.NullString
			modID     sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &level, &e.Message, &scope, &e.MachineID, &modID,
			&e.Iterations, &e.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan analysis log: %w", err)
		}
		e.Level = model.LogLevel(level)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if scope.Valid && modID.Valid {
			ref := model.ModificationRef{Scope: model.Scope(scope.String), ID: modID.Int64}
			if ref.Scope == model.ScopeMachine {
				ref.MachineID = e.MachineID
			}
			e.Modification = &ref
		}
		out = append(out, e)
	}
	return out, translate(rows.Err())
}
