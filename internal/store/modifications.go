package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
)

// modificationColumns are shared by both modification tables, in scan order.
const modificationColumns = `id, type, payload, priority, status_priority, status,
	next_status, message, auto, created_at, iterations, total_duration,
	last_duration, step_span, analysis_begin, analysis_end, completion_order,
	timeout_count, applied_until, parent_scope, parent_machine_id, parent_id, version`

// notCompletedStatuses is the SQL list of the not completed status values.
var notCompletedStatuses = func() string {
	var codes []string
	for _, s := range model.AllStatuses() {
		if s.IsNotCompleted() {
			codes = append(codes, strconv.Itoa(int(s)))
		}
	}
	return "(" + strings.Join(codes, ", ") + ")"
}()

func tableOf(scope model.Scope) string {
	if scope == model.ScopeGlobal {
		return "global_modifications"
	}
	return "machine_modifications"
}

// selectModifications returns the SELECT prefix of a partition table. The
// global table reports machine 0.
func selectModifications(scope model.Scope) string {
	if scope == model.ScopeGlobal {
		return "SELECT 0, " + modificationColumns + " FROM global_modifications"
	}
	return "SELECT machine_id, " + modificationColumns + " FROM machine_modifications"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModification(scope model.Scope, row rowScanner) (*model.Modification, error) {
	var (
		m                                   model.Modification
		payload                             string
		nextStatus, completionOrder         sql.NullInt64
		createdAt                           int64
		analysisBegin, analysisEnd, applied sql.NullInt64
		auto                                int
		totalDur, lastDur, stepSpan         int64
		parentScope                         sql.NullString
		parentMachine, parentID             sql.NullInt64
	)
	err := row.Scan(
		&m.Ref.MachineID, &m.Ref.ID, &m.Type, &payload, &m.Priority, &m.StatusPriority, &m.Status,
		&nextStatus, &m.Message, &auto, &createdAt, &m.Iterations, &totalDur,
		&lastDur, &stepSpan, &analysisBegin, &analysisEnd, &completionOrder,
		&m.TimeoutCount, &applied, &parentScope, &parentMachine, &parentID, &m.Version,
	)
	if err != nil {
		return nil, err
	}

	m.Ref.Scope = scope
	if payload != "" {
		m.Payload = []byte(payload)
	}
	if nextStatus.Valid {
		ns := model.AnalysisStatus(nextStatus.Int64)
		m.NextStatus = &ns
	}
	if completionOrder.Valid {
		order := completionOrder.Int64
		m.CompletionOrder = &order
	}
	m.Auto = auto != 0
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.TotalDuration = time.Duration(totalDur)
	m.LastDuration = time.Duration(lastDur)
	m.StepSpan = time.Duration(stepSpan)
	m.AnalysisBegin = fromMillis(analysisBegin)
	m.AnalysisEnd = fromMillis(analysisEnd)
	m.AppliedUntil = fromMillis(applied)
	if parentScope.Valid {
		m.SetParent(model.ModificationRef{
			Scope:     model.Scope(parentScope.String),
			MachineID: parentMachine.Int64,
			ID:        parentID.Int64,
		})
	}
	return &m, nil
}

// FindModification loads one record. Returns ErrNotFound when absent.
func (t *Tx) FindModification(ctx context.Context, ref model.ModificationRef) (*model.Modification, error) {
	query := selectModifications(ref.Scope) + " WHERE id = ?"
	args := []any{ref.ID}
	if ref.Scope == model.ScopeMachine {
		query += " AND machine_id = ?"
		args = append(args, ref.MachineID)
	}
	m, err := scanModification(ref.Scope, t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("modification %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find modification %s: %w", ref, translate(err))
	}
	return m, nil
}

// FindNotCompleted returns the not completed records of p in scheduling order.
func (t *Tx) FindNotCompleted(ctx context.Context, p model.Partition, minPriority int) ([]*model.Modification, error) {
	query := selectModifications(p.Scope) +
		" WHERE status IN " + notCompletedStatuses + " AND status_priority >= ?"
	args := []any{minPriority}
	if p.Scope == model.ScopeMachine {
		query += " AND machine_id = ?"
		args = append(args, p.MachineID)
	}
	query += " ORDER BY status_priority DESC, id ASC"
	return t.queryModifications(ctx, p.Scope, query, args...)
}

// FindSubModifications returns the children of parent from both tables.
func (t *Tx) FindSubModifications(ctx context.Context, parent model.ModificationRef) (engine.SubModifications, error) {
	var subs engine.SubModifications
	where := " WHERE parent_scope = ? AND parent_machine_id = ? AND parent_id = ?"
	args := []any{string(parent.Scope), parent.MachineID, parent.ID}

	global, err := t.queryModifications(ctx, model.ScopeGlobal,
		selectModifications(model.ScopeGlobal)+where+" ORDER BY id", args...)
	if err != nil {
		return subs, err
	}
	machine, err := t.queryModifications(ctx, model.ScopeMachine,
		selectModifications(model.ScopeMachine)+where+" ORDER BY machine_id, id", args...)
	if err != nil {
		return subs, err
	}
	subs.Global = global
	subs.Machine = machine
	return subs, nil
}

func (t *Tx) queryModifications(ctx context.Context, scope model.Scope, query string, args ...any) ([]*model.Modification, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query modifications: %w", err)
	}
	defer rows.Close()

	var out []*model.Modification
	for rows.Next() {
		m, err := scanModification(scope, rows)
		if err != nil {
			return nil, fmt.Errorf("scan modification: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modifications: %w", translate(err))
	}
	return out, nil
}

// BacklogPartitions lists the partitions holding not completed records:
// the global partition first, then machines in ascending order.
func (t *Tx) BacklogPartitions(ctx context.Context) ([]model.Partition, error) {
	var out []model.Partition

	var one int
	err := t.tx.QueryRowContext(ctx,
		"SELECT 1 FROM global_modifications WHERE status IN "+notCompletedStatuses+" LIMIT 1").Scan(&one)
	switch {
	case err == nil:
		out = append(out, model.GlobalPartition)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("global backlog: %w", translate(err))
	}

	rows, err := t.query(ctx,
		"SELECT DISTINCT machine_id FROM machine_modifications WHERE status IN "+notCompletedStatuses+" ORDER BY machine_id")
	if err != nil {
		return nil, fmt.Errorf("machine backlog: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var machineID int64
		if err := rows.Scan(&machineID); err != nil {
			return nil, fmt.Errorf("scan machine backlog: %w", err)
		}
		out = append(out, model.MachinePartition(machineID))
	}
	return out, translate(rows.Err())
}

// modificationValues returns the column values of m, in the order of
// modificationColumns minus id and version.
func modificationValues(m *model.Modification) []any {
	var nextStatus, completionOrder sql.NullInt64
	if m.NextStatus != nil {
		nextStatus = sql.NullInt64{Int64: int64(*m.NextStatus), Valid: true}
	}
	if m.CompletionOrder != nil {
		completionOrder = sql.NullInt64{Int64: *m.CompletionOrder, Valid: true}
	}
	var parentScope sql.NullString
	var parentMachine, parentID sql.NullInt64
	if m.Parent != nil {
		parentScope = sql.NullString{String: string(m.Parent.Scope), Valid: true}
		parentMachine = sql.NullInt64{Int64: m.Parent.MachineID, Valid: true}
		parentID = sql.NullInt64{Int64: m.Parent.ID, Valid: true}
	}
	payload := string(m.Payload)
	if payload == "" {
		payload = "{}"
	}
	return []any{
		m.Type, payload, m.Priority, m.StatusPriority, int(m.Status),
		nextStatus, m.Message, boolToInt(m.Auto), m.CreatedAt.UTC().UnixMilli(), m.Iterations, int64(m.TotalDuration),
		int64(m.LastDuration), int64(m.StepSpan), toMillis(m.AnalysisBegin), toMillis(m.AnalysisEnd), completionOrder,
		m.TimeoutCount, toMillis(m.AppliedUntil), parentScope, parentMachine, parentID,
	}
}

// InsertModification stores m and assigns its id and version.
func (t *Tx) InsertModification(ctx context.Context, m *model.Modification) error {
	if err := t.writable("insert modification"); err != nil {
		return err
	}
	if m.Ref.Scope == model.ScopeMachine && m.Ref.MachineID <= 0 {
		return fmt.Errorf("insert modification: machine scope requires a machine id, got %d", m.Ref.MachineID)
	}

	cols := `type, payload, priority, status_priority, status,
		next_status, message, auto, created_at, iterations, total_duration,
		last_duration, step_span, analysis_begin, analysis_end, completion_order,
		timeout_count, applied_until, parent_scope, parent_machine_id, parent_id`
	args := modificationValues(m)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	if m.Ref.Scope == model.ScopeMachine {
		cols = "machine_id, " + cols
		placeholders = "?, " + placeholders
		args = append([]any{m.Ref.MachineID}, args...)
	}

	res, err := t.exec(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableOf(m.Ref.Scope), cols, placeholders), args...)
	if err != nil {
		return fmt.Errorf("insert modification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert modification: %w", err)
	}
	m.Ref.ID = id
	m.Version = 1
	return nil
}

// SaveModification writes m back. The write only applies when the stored
// version still equals m.Version; otherwise a stale data error is returned.
func (t *Tx) SaveModification(ctx context.Context, m *model.Modification) error {
	if err := t.writable("save modification"); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET
		type = ?, payload = ?, priority = ?, status_priority = ?, status = ?,
		next_status = ?, message = ?, auto = ?, created_at = ?, iterations = ?, total_duration = ?,
		last_duration = ?, step_span = ?, analysis_begin = ?, analysis_end = ?, completion_order = ?,
		timeout_count = ?, applied_until = ?, parent_scope = ?, parent_machine_id = ?, parent_id = ?,
		version = version + 1
		WHERE id = ? AND version = ?`, tableOf(m.Ref.Scope))
	args := append(modificationValues(m), m.Ref.ID, m.Version)
	if m.Ref.Scope == model.ScopeMachine {
		query += " AND machine_id = ?"
		args = append(args, m.Ref.MachineID)
	}

	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save modification %s: %w", m.Ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save modification %s: %w", m.Ref, err)
	}
	if n == 0 {
		return engine.NewStaleDataError(fmt.Errorf("modification %s version %d changed", m.Ref, m.Version))
	}
	m.Version++
	return nil
}

// DeleteModification removes one record.
func (t *Tx) DeleteModification(ctx context.Context, ref model.ModificationRef) error {
	if err := t.writable("delete modification"); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", tableOf(ref.Scope))
	args := []any{ref.ID}
	if ref.Scope == model.ScopeMachine {
		query += " AND machine_id = ?"
		args = append(args, ref.MachineID)
	}
	if _, err := t.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete modification %s: %w", ref, err)
	}
	return nil
}

// PurgeBefore deletes DonePurge records of both tables whose analysis
// ended before cutoff.
func (t *Tx) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := t.writable("purge"); err != nil {
		return 0, err
	}
	var total int64
	for _, table := range []string{"global_modifications", "machine_modifications"} {
		res, err := t.exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE status = ? AND analysis_end < ?", table),
			int(model.StatusDonePurge), cutoff.UTC().UnixMilli())
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		total += n
	}
	return total, nil
}

// NextCompletionOrder draws the next completion order. The sequence is
// shared by both tables and updated in the transaction, so concurrent
// processes never hand out the same value.
func (t *Tx) NextCompletionOrder(ctx context.Context) (int64, error) {
	return t.nextSequence(ctx, "completion")
}

// NextApplicationOrder draws the next proposal application order.
func (t *Tx) NextApplicationOrder(ctx context.Context) (int64, error) {
	return t.nextSequence(ctx, "application")
}

func (t *Tx) nextSequence(ctx context.Context, name string) (int64, error) {
	if err := t.writable("next " + name + " order"); err != nil {
		return 0, err
	}
	var v int64
	err := t.tx.QueryRowContext(ctx,
		"UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value", name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next %s order: %w", name, translate(err))
	}
	return v, nil
}

// RecentModifications lists the newest records of a partition, newest first.
func (t *Tx) RecentModifications(ctx context.Context, p model.Partition, limit int) ([]*model.Modification, error) {
	query := selectModifications(p.Scope)
	var args []any
	if p.Scope == model.ScopeMachine {
		query += " WHERE machine_id = ?"
		args = append(args, p.MachineID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return t.queryModifications(ctx, p.Scope, query, args...)
}
