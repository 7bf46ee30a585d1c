package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pulse/internal/model"
)

// overlapClause returns the condition selecting rows whose [begin_ms,
// end_ms) range shares an instant with r. With touching set, rows ending
// at r.Begin or starting at r.End are selected too.
func overlapClause(r model.Range, touching bool) (string, []any) {
	lt, gt := "<", ">"
	if touching {
		lt, gt = "<=", ">="
	}
	begin, end := rangeBounds(r)
	clause := fmt.Sprintf("(end_ms IS NULL OR end_ms %s ?)", gt)
	args := []any{begin}
	if end.Valid {
		clause += fmt.Sprintf(" AND begin_ms %s ?", lt)
		args = append(args, end.Int64)
	}
	return clause, args
}

// ContextSegments returns the context segments of a machine overlapping r.
func (t *Tx) ContextSegments(ctx context.Context, machineID int64, r model.Range) ([]model.MachineContext, error) {
	if r.IsEmpty() {
		return nil, nil
	}
	clause, args := overlapClause(r, false)
	rows, err := t.query(ctx, `
		SELECT begin_ms, end_ms, machine_mode, observation_state, shift
		FROM machine_context
		WHERE machine_id = ? AND `+clause+`
		ORDER BY begin_ms`, append([]any{machineID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("context segments of machine %d: %w", machineID, err)
	}
	defer rows.Close()

	var out []model.MachineContext
	for rows.Next() {
		var (
			begin int64
			end   sql.NullInt64
			seg   = model.MachineContext{MachineID: machineID}
		)
		if err := rows.Scan(&begin, &end, &seg.MachineMode, &seg.ObservationState, &seg.Shift); err != nil {
			return nil, fmt.Errorf("scan context segment: %w", err)
		}
		seg.Range = rangeFrom(begin, end)
		out = append(out, seg)
	}
	return out, translate(rows.Err())
}

// ObservedUntil returns the end of the latest context segment of a machine.
func (t *Tx) ObservedUntil(ctx context.Context, machineID int64) (time.Time, bool, error) {
	var end sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT end_ms FROM machine_context
		WHERE machine_id = ?
		ORDER BY begin_ms DESC LIMIT 1`, machineID).Scan(&end)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("observed end of machine %d: %w", machineID, translate(err))
	}
	return fromMillis(end), true, nil
}

// ReplaceContext stores seg. Stored segments overlapping it are trimmed, or
// split in two when seg lies strictly inside them.
func (t *Tx) ReplaceContext(ctx context.Context, seg model.MachineContext) error {
	if err := t.writable("replace context"); err != nil {
		return err
	}
	if !seg.Range.Valid() || seg.Range.IsEmpty() {
		return fmt.Errorf("replace context: invalid range %s", seg.Range)
	}

	existing, err := t.ContextSegments(ctx, seg.MachineID, seg.Range)
	if err != nil {
		return err
	}

	keep := []model.MachineContext{seg}
	for _, old := range existing {
		if old.Range.Begin.Before(seg.Range.Begin) {
			left := old
			left.Range = model.NewRange(old.Range.Begin, seg.Range.Begin)
			keep = append(keep, left)
		}
		if !seg.Range.IsOpen() && (old.Range.IsOpen() || old.Range.End.After(seg.Range.End)) {
			right := old
			right.Range = model.Range{Begin: seg.Range.End, End: old.Range.End}
			keep = append(keep, right)
		}
		if _, err := t.exec(ctx,
			"DELETE FROM machine_context WHERE machine_id = ? AND begin_ms = ?",
			seg.MachineID, old.Range.Begin.UnixMilli()); err != nil {
			return fmt.Errorf("replace context: %w", err)
		}
	}

	for _, c := range keep {
		begin, end := rangeBounds(c.Range)
		if _, err := t.exec(ctx, `
			INSERT INTO machine_context (machine_id, begin_ms, end_ms, machine_mode, observation_state, shift)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.MachineID, begin, end, c.MachineMode, c.ObservationState, c.Shift); err != nil {
			return fmt.Errorf("replace context: %w", err)
		}
	}
	return nil
}

const proposalColumns = `id, machine_id, modification_id, kind, begin_ms, end_ms, reason, score,
	details, data, restricted_begin, restricted_end, restricted_mode, restricted_state, applied_order`

func scanProposal(row rowScanner) (model.ReasonProposal, error) {
	var (
		p            model.ReasonProposal
		begin        int64
		end          sql.NullInt64
		data         string
		rBegin, rEnd sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.MachineID, &p.ModificationID, &p.Kind, &begin, &end, &p.Reason, &p.Score,
		&p.Details, &data, &rBegin, &rEnd, &p.Restriction.MachineMode, &p.Restriction.ObservationState, &p.AppliedOrder)
	if err != nil {
		return p, err
	}
	p.Range = rangeFrom(begin, end)
	if rBegin.Valid {
		r := rangeFrom(rBegin.Int64, rEnd)
		p.Restriction.Range = &r
	}
	if p.Data, err = unmarshalData(data); err != nil {
		return p, fmt.Errorf("proposal %d data: %w", p.ID, err)
	}
	return p, nil
}

func (t *Tx) queryProposals(ctx context.Context, query string, args ...any) ([]model.ReasonProposal, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var out []model.ReasonProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, translate(rows.Err())
}

// ProposalsOverlapping returns the proposals of a machine overlapping r,
// in application order.
func (t *Tx) ProposalsOverlapping(ctx context.Context, machineID int64, r model.Range) ([]model.ReasonProposal, error) {
	if r.IsEmpty() {
		return nil, nil
	}
	clause, args := overlapClause(r, false)
	return t.queryProposals(ctx,
		"SELECT "+proposalColumns+" FROM reason_proposals WHERE machine_id = ? AND "+clause+
			" ORDER BY applied_order, id",
		append([]any{machineID}, args...)...)
}

// ProposalsOf returns the proposals created by one modification.
func (t *Tx) ProposalsOf(ctx context.Context, machineID, modificationID int64) ([]model.ReasonProposal, error) {
	return t.queryProposals(ctx,
		"SELECT "+proposalColumns+" FROM reason_proposals WHERE machine_id = ? AND modification_id = ?"+
			" ORDER BY applied_order, id",
		machineID, modificationID)
}

func proposalValues(p model.ReasonProposal) ([]any, error) {
	data, err := marshalData(p.Data)
	if err != nil {
		return nil, fmt.Errorf("proposal data: %w", err)
	}
	begin, end := rangeBounds(p.Range)
	var rBegin, rEnd sql.NullInt64
	if p.Restriction.Range != nil {
		var b int64
		b, rEnd = rangeBounds(*p.Restriction.Range)
		rBegin = sql.NullInt64{Int64: b, Valid: true}
	}
	return []any{
		p.MachineID, p.ModificationID, string(p.Kind), begin, end, int64(p.Reason), p.Score,
		p.Details, data, rBegin, rEnd, p.Restriction.MachineMode, p.Restriction.ObservationState, p.AppliedOrder,
	}, nil
}

// InsertProposal stores p and assigns its ID.
func (t *Tx) InsertProposal(ctx context.Context, p *model.ReasonProposal) error {
	if err := t.writable("insert proposal"); err != nil {
		return err
	}
	args, err := proposalValues(*p)
	if err != nil {
		return err
	}
	res, err := t.exec(ctx, `
		INSERT INTO reason_proposals (machine_id, modification_id, kind, begin_ms, end_ms, reason, score,
			details, data, restricted_begin, restricted_end, restricted_mode, restricted_state, applied_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// UpdateProposal rewrites a stored proposal.
func (t *Tx) UpdateProposal(ctx context.Context, p model.ReasonProposal) error {
	if err := t.writable("update proposal"); err != nil {
		return err
	}
	args, err := proposalValues(p)
	if err != nil {
		return err
	}
	res, err := t.exec(ctx, `
		UPDATE reason_proposals SET machine_id = ?, modification_id = ?, kind = ?, begin_ms = ?, end_ms = ?,
			reason = ?, score = ?, details = ?, data = ?, restricted_begin = ?, restricted_end = ?,
			restricted_mode = ?, restricted_state = ?, applied_order = ?
		WHERE id = ?`, append(args, p.ID)...)
	if err != nil {
		return fmt.Errorf("update proposal %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update proposal %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeleteProposal removes one proposal.
func (t *Tx) DeleteProposal(ctx context.Context, id int64) error {
	if err := t.writable("delete proposal"); err != nil {
		return err
	}
	if _, err := t.exec(ctx, "DELETE FROM reason_proposals WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete proposal %d: %w", id, err)
	}
	return nil
}

const slotColumns = `begin_ms, end_ms, machine_mode, observation_state, shift, reason, score,
	details, data, source, overwrite_required, auto_reason_number`

func (t *Tx) querySlots(ctx context.Context, machineID int64, query string, args ...any) ([]model.ReasonSlot, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query slots of machine %d: %w", machineID, err)
	}
	defer rows.Close()

	var out []model.ReasonSlot
	for rows.Next() {
		var (
			s         = model.ReasonSlot{MachineID: machineID}
			begin     int64
			end       sql.NullInt64
			data      string
			source    int64
			overwrite int
		)
		if err := rows.Scan(&begin, &end, &s.MachineMode, &s.ObservationState, &s.Shift, &s.Reason, &s.Score,
			&s.Details, &data, &source, &overwrite, &s.AutoReasonNumber); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		s.Range = rangeFrom(begin, end)
		s.OverwriteRequired = overwrite != 0
		if s.Source, err = model.ReasonSourceFromCode(source); err != nil {
			return nil, fmt.Errorf("slot %s: %w", s.Range, err)
		}
		if s.Data, err = unmarshalData(data); err != nil {
			return nil, fmt.Errorf("slot %s data: %w", s.Range, err)
		}
		out = append(out, s)
	}
	return out, translate(rows.Err())
}

// SlotsOverlapping returns the slots of a machine overlapping or touching r.
func (t *Tx) SlotsOverlapping(ctx context.Context, machineID int64, r model.Range) ([]model.ReasonSlot, error) {
	clause, args := overlapClause(r, true)
	return t.querySlots(ctx, machineID,
		"SELECT "+slotColumns+" FROM reason_slots WHERE machine_id = ? AND "+clause+" ORDER BY begin_ms",
		append([]any{machineID}, args...)...)
}

// ReplaceSlots deletes the slots overlapping r and stores slots.
func (t *Tx) ReplaceSlots(ctx context.Context, machineID int64, r model.Range, slots []model.ReasonSlot) error {
	if err := t.writable("replace slots"); err != nil {
		return err
	}
	if !r.IsEmpty() {
		clause, args := overlapClause(r, false)
		if _, err := t.exec(ctx, "DELETE FROM reason_slots WHERE machine_id = ? AND "+clause,
			append([]any{machineID}, args...)...); err != nil {
			return fmt.Errorf("replace slots of machine %d: %w", machineID, err)
		}
	}

	for _, s := range slots {
		data, err := marshalData(s.Data)
		if err != nil {
			return fmt.Errorf("slot %s data: %w", s.Range, err)
		}
		begin, end := rangeBounds(s.Range)
		if _, err := t.exec(ctx, `
			INSERT INTO reason_slots (machine_id, begin_ms, end_ms, machine_mode, observation_state, shift,
				reason, score, details, data, source, overwrite_required, auto_reason_number)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			machineID, begin, end, s.MachineMode, s.ObservationState, s.Shift,
			int64(s.Reason), s.Score, s.Details, data, s.Source.Code(), boolToInt(s.OverwriteRequired),
			s.AutoReasonNumber); err != nil {
			return fmt.Errorf("replace slots of machine %d: %w", machineID, err)
		}
	}
	return nil
}

// FlaggedSlots returns the Processing slots and the slots whose auto reason
// number must be recounted.
func (t *Tx) FlaggedSlots(ctx context.Context, machineID int64) ([]model.ReasonSlot, error) {
	unsafeCount := model.ReasonSource{UnsafeAutoReasonNumber: true}.Code()
	return t.querySlots(ctx, machineID,
		"SELECT "+slotColumns+" FROM reason_slots WHERE machine_id = ? AND (reason = ? OR (source & ?) != 0)"+
			" ORDER BY begin_ms",
		machineID, int64(model.ReasonProcessing), unsafeCount)
}
