package reason

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
)

// Consolidator recomputes the reason slots of a machine timeline from the
// observed context, the reason proposals and the default reasons.
//
// Precedence per elementary sub-range (a range where the set of applicable
// proposals and the context are constant):
//  1. the latest applied Manual proposal with a reason wins, Manual bit set
//  2. else the Auto proposal with the highest score wins; ties keep the
//     earliest applied one
//  3. else the default reason of (machine mode, observation state)
//
// A Manual proposal without reason is a manual reset kept for audit. It
// never wins but adds the Manual bit to the resulting source.
//
// Adjacent result slots carrying identical values are merged. Merging slots
// with differing auto reason numbers keeps the highest and flags the slot
// UnsafeAutoReasonNumber until ProcessPendingSlots recounts it.
//
// A Consolidator holds no state between calls and is safe for concurrent
// use; callers serialize passes per machine through the partition claim.
type Consolidator struct {
	defaults DefaultSource
	logger   *slog.Logger
}

// ConsolidatorOption configures a Consolidator.
type ConsolidatorOption func(*Consolidator)

// WithConsolidatorLogger sets the logger. Default: slog.Default().
func WithConsolidatorLogger(l *slog.Logger) ConsolidatorOption {
	return func(c *Consolidator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewConsolidator creates a consolidator resolving defaults through src.
func NewConsolidator(src DefaultSource, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{defaults: src, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consolidate recomputes the slots of a machine over r. Slots outside r are
// left untouched, except for merging with identical neighbors.
func (c *Consolidator) Consolidate(ctx context.Context, tl Timeline, machineID int64, r model.Range) error {
	return c.consolidate(ctx, tl, machineID, r, newPassDefaults(c.defaults))
}

// TryConsolidateInReset consolidates r up to the consolidation limit: the
// earliest begin of a not completed association newer than resetID that
// overlaps r. The part at or beyond the limit is left to that association.
func (c *Consolidator) TryConsolidateInReset(ctx context.Context, tx engine.Tx, machineID int64, r model.Range, resetID int64) error {
	tl, err := timelineOf(tx)
	if err != nil {
		return err
	}
	limit, err := consolidationLimit(ctx, tx, machineID, r, func(id int64) bool { return id > resetID })
	if err != nil {
		return err
	}
	bounded, ok := clipAt(r, limit)
	if !ok {
		c.logger.Debug("reset consolidation fully claimed by a newer association",
			"machine_id", machineID,
			"range", r.String(),
			"limit", limit)
		return nil
	}
	return c.consolidate(ctx, tl, machineID, bounded, newPassDefaults(c.defaults))
}

// ProcessPendingSlots re-consolidates the Processing slots of a machine that
// no pending association claims, then recounts the slots flagged
// UnsafeAutoReasonNumber. Its signature matches engine.PartitionHook.
func (c *Consolidator) ProcessPendingSlots(ctx context.Context, tx engine.Tx, p model.Partition) error {
	if p.Scope != model.ScopeMachine {
		return nil
	}
	tl, err := timelineOf(tx)
	if err != nil {
		return err
	}
	flagged, err := tl.FlaggedSlots(ctx, p.MachineID)
	if err != nil {
		return err
	}
	if len(flagged) == 0 {
		return nil
	}

	defaults := newPassDefaults(c.defaults)
	processed := 0
	for _, s := range flagged {
		if !s.IsProcessing() {
			continue
		}
		limit, err := consolidationLimit(ctx, tx, p.MachineID, s.Range, func(int64) bool { return true })
		if err != nil {
			return err
		}
		bounded, ok := clipAt(s.Range, limit)
		if !ok {
			continue
		}
		if err := c.consolidate(ctx, tl, p.MachineID, bounded, defaults); err != nil {
			return fmt.Errorf("process pending slot %s: %w", s.Range, err)
		}
		processed++
	}

	// Consolidation may have merged or replaced flagged slots.
	flagged, err = tl.FlaggedSlots(ctx, p.MachineID)
	if err != nil {
		return err
	}
	recounted := 0
	for _, s := range flagged {
		if s.IsProcessing() || !s.Source.UnsafeAutoReasonNumber {
			continue
		}
		if err := c.recount(ctx, tl, s); err != nil {
			return fmt.Errorf("recount slot %s: %w", s.Range, err)
		}
		recounted++
	}

	if processed > 0 || recounted > 0 {
		c.logger.Debug("pending slots processed",
			"machine_id", p.MachineID,
			"processing", processed,
			"recounted", recounted)
	}
	return nil
}

// MarkProcessing replaces the reason of the slots in r by the Processing
// placeholder. The parts of those slots outside r keep their values.
func (c *Consolidator) MarkProcessing(ctx context.Context, tl Timeline, machineID int64, r model.Range) error {
	if r.IsEmpty() {
		return nil
	}
	touching, err := tl.SlotsOverlapping(ctx, machineID, r)
	if err != nil {
		return err
	}

	var (
		out    []model.ReasonSlot
		bounds model.Range
		found  bool
	)
	for _, s := range touching {
		if !s.Range.Overlaps(r) {
			continue
		}
		if !found {
			bounds, found = s.Range, true
		} else {
			bounds = union(bounds, s.Range)
		}
		left, inside, right := splitSlot(s, r)
		out = append(out, left...)
		out = append(out, right...)
		if inside != nil {
			p := *inside
			p.Reason = model.ReasonProcessing
			p.Score = 0
			p.Details = ""
			p.Data = nil
			p.Source = model.SourceDefault
			p.OverwriteRequired = false
			p.AutoReasonNumber = 0
			out = append(out, p)
		}
	}
	if !found {
		return nil
	}
	return tl.ReplaceSlots(ctx, machineID, bounds, mergeSlots(out))
}

func (c *Consolidator) consolidate(ctx context.Context, tl Timeline, machineID int64, r model.Range, defaults *passDefaults) error {
	if !r.Valid() || r.IsEmpty() {
		return nil
	}

	segs, err := tl.ContextSegments(ctx, machineID, r)
	if err != nil {
		return err
	}
	proposals, err := tl.ProposalsOverlapping(ctx, machineID, r)
	if err != nil {
		return err
	}

	var fresh []model.ReasonSlot
	for _, seg := range segs {
		piece, ok := seg.Range.Intersect(r)
		if !ok {
			continue
		}
		for _, sub := range cut(piece, proposals) {
			slot, err := evaluate(seg, sub, proposals, defaults)
			if err != nil {
				return err
			}
			fresh = append(fresh, slot)
		}
	}

	touching, err := tl.SlotsOverlapping(ctx, machineID, r)
	if err != nil {
		return err
	}
	bounds := r
	all := fresh
	for _, s := range touching {
		bounds = union(bounds, s.Range)
		left, _, right := splitSlot(s, r)
		all = append(all, left...)
		all = append(all, right...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Range.Begin.Before(all[j].Range.Begin)
	})

	bounds, all, err = c.sizeDefaultPeriods(ctx, tl, machineID, bounds, all, defaults)
	if err != nil {
		return err
	}

	merged := mergeSlots(all)
	c.logger.Debug("consolidated",
		"machine_id", machineID,
		"range", r.String(),
		"proposals", len(proposals),
		"slots", len(merged))
	return tl.ReplaceSlots(ctx, machineID, bounds, merged)
}

// isDefaultPeriod reports a slot filled by a default reason.
func isDefaultPeriod(s model.ReasonSlot) bool {
	return s.Source.Default && !s.IsProcessing()
}

// samePeriod reports whether b continues the default period ending with a.
func samePeriod(a, b model.ReasonSlot) bool {
	return isDefaultPeriod(a) && isDefaultPeriod(b) &&
		!a.Range.IsOpen() && a.Range.End.Equal(b.Range.Begin) &&
		a.MachineMode == b.MachineMode && a.ObservationState == b.ObservationState
}

// sizeDefaultPeriods re-resolves the default reason of every default period
// of slots from the period duration, for the pairs whose defaults carry a
// maximum duration. A period reaching an edge of bounds is first extended
// with the stored slots continuing it, so its whole duration is known.
// slots are ordered and cover bounds.
func (c *Consolidator) sizeDefaultPeriods(ctx context.Context, tl Timeline, machineID int64, bounds model.Range, slots []model.ReasonSlot, defaults *passDefaults) (model.Range, []model.ReasonSlot, error) {
	bound := func(s model.ReasonSlot) (bool, error) {
		if !isDefaultPeriod(s) {
			return false, nil
		}
		d, err := defaults.resolve(s.MachineMode, s.ObservationState, OpenDuration)
		return d.DurationBound, err
	}
	if len(slots) == 0 {
		return bounds, slots, nil
	}

	for {
		first := slots[0]
		ok, err := bound(first)
		if err != nil {
			return bounds, nil, err
		}
		if !ok {
			break
		}
		stored, err := tl.SlotsOverlapping(ctx, machineID, model.NewRange(first.Range.Begin.Add(-time.Millisecond), first.Range.Begin))
		if err != nil {
			return bounds, nil, err
		}
		prev, found := findSlot(stored, func(s model.ReasonSlot) bool { return samePeriod(s, first) })
		if !found {
			break
		}
		slots = append([]model.ReasonSlot{prev}, slots...)
		bounds = union(bounds, prev.Range)
	}
	for {
		last := slots[len(slots)-1]
		if last.Range.IsOpen() {
			break
		}
		ok, err := bound(last)
		if err != nil {
			return bounds, nil, err
		}
		if !ok {
			break
		}
		stored, err := tl.SlotsOverlapping(ctx, machineID, model.NewRange(last.Range.End, last.Range.End.Add(time.Millisecond)))
		if err != nil {
			return bounds, nil, err
		}
		next, found := findSlot(stored, func(s model.ReasonSlot) bool { return samePeriod(last, s) })
		if !found {
			break
		}
		slots = append(slots, next)
		bounds = union(bounds, next.Range)
	}

	for i := 0; i < len(slots); {
		j := i + 1
		for j < len(slots) && samePeriod(slots[j-1], slots[j]) {
			j++
		}
		ok, err := bound(slots[i])
		if err != nil {
			return bounds, nil, err
		}
		if ok {
			period := model.NewRange(slots[i].Range.Begin, slots[j-1].Range.End)
			duration := OpenDuration
			if !period.IsOpen() {
				duration = period.Duration()
			}
			d, err := defaults.resolve(slots[i].MachineMode, slots[i].ObservationState, duration)
			if err != nil {
				return bounds, nil, err
			}
			for k := i; k < j; k++ {
				slots[k].Reason = d.Reason
				slots[k].Score = d.Score
				slots[k].Source.DefaultIsAuto = d.Auto
			}
		}
		i = j
	}
	return bounds, slots, nil
}

func findSlot(slots []model.ReasonSlot, match func(model.ReasonSlot) bool) (model.ReasonSlot, bool) {
	for _, s := range slots {
		if match(s) {
			return s, true
		}
	}
	return model.ReasonSlot{}, false
}

// recount sets the exact auto reason number of s: the number of distinct
// Auto proposals applying to some part of it.
func (c *Consolidator) recount(ctx context.Context, tl Timeline, s model.ReasonSlot) error {
	segs, err := tl.ContextSegments(ctx, s.MachineID, s.Range)
	if err != nil {
		return err
	}
	proposals, err := tl.ProposalsOverlapping(ctx, s.MachineID, s.Range)
	if err != nil {
		return err
	}
	contributing := make(map[int64]bool)
	for _, seg := range segs {
		piece, ok := seg.Range.Intersect(s.Range)
		if !ok {
			continue
		}
		for _, sub := range cut(piece, proposals) {
			for _, p := range proposals {
				if p.Kind.IsAuto() && p.Applies(sub, seg) {
					contributing[p.ID] = true
				}
			}
		}
	}
	s.AutoReasonNumber = len(contributing)
	s.Source.UnsafeAutoReasonNumber = false
	return tl.ReplaceSlots(ctx, s.MachineID, s.Range, []model.ReasonSlot{s})
}

// evaluate applies the precedence rules to one elementary sub-range.
// proposals are in application order.
func evaluate(seg model.MachineContext, sub model.Range, proposals []model.ReasonProposal, defaults *passDefaults) (model.ReasonSlot, error) {
	slot := model.ReasonSlot{
		MachineID:        seg.MachineID,
		Range:            sub,
		MachineMode:      seg.MachineMode,
		ObservationState: seg.ObservationState,
		Shift:            seg.Shift,
	}

	var manual, auto *model.ReasonProposal
	manualReset := false
	autos := 0
	for i := range proposals {
		p := &proposals[i]
		if !p.Applies(sub, seg) {
			continue
		}
		switch {
		case p.IsManualReset():
			manualReset = true
		case p.Kind == model.KindManual:
			manual = p
		case p.Kind.IsAuto():
			autos++
			if auto == nil || p.Score > auto.Score {
				auto = p
			}
		}
	}
	slot.AutoReasonNumber = autos

	switch {
	case manual != nil:
		fill(&slot, manual)
		slot.Source = model.ReasonSource{Manual: true, Auto: autos > 0}
	case auto != nil:
		fill(&slot, auto)
		slot.Source = model.ReasonSource{Auto: true, Manual: manualReset}
		slot.OverwriteRequired = auto.OverwriteRequired()
	default:
		d, err := defaults.resolve(seg.MachineMode, seg.ObservationState, OpenDuration)
		if err != nil {
			return slot, err
		}
		slot.Reason = d.Reason
		slot.Score = d.Score
		slot.Source = model.ReasonSource{Default: true, DefaultIsAuto: d.Auto, Manual: manualReset}
	}
	return slot, nil
}

func fill(slot *model.ReasonSlot, p *model.ReasonProposal) {
	slot.Reason = p.Reason
	slot.Score = p.Score
	slot.Details = p.Details
	slot.Data = p.Data
}

// cut splits piece at every proposal and restriction boundary inside it.
func cut(piece model.Range, proposals []model.ReasonProposal) []model.Range {
	var points []time.Time
	add := func(t time.Time) {
		if t.IsZero() || !t.After(piece.Begin) {
			return
		}
		if !piece.IsOpen() && !t.Before(piece.End) {
			return
		}
		points = append(points, t)
	}
	for _, p := range proposals {
		add(p.Range.Begin)
		add(p.Range.End)
		if p.Restriction.Range != nil {
			add(p.Restriction.Range.Begin)
			add(p.Restriction.Range.End)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	out := make([]model.Range, 0, len(points)+1)
	begin := piece.Begin
	for _, t := range points {
		if t.Equal(begin) {
			continue
		}
		out = append(out, model.NewRange(begin, t))
		begin = t
	}
	return append(out, model.Range{Begin: begin, End: piece.End})
}

// splitSlot returns the parts of s before r, inside r and after r.
func splitSlot(s model.ReasonSlot, r model.Range) (left []model.ReasonSlot, inside *model.ReasonSlot, right []model.ReasonSlot) {
	if s.Range.Begin.Before(r.Begin) {
		l := s
		l.Range = model.NewRange(s.Range.Begin, r.Begin)
		if !s.Range.IsOpen() && s.Range.End.Before(r.Begin) {
			l.Range.End = s.Range.End
		}
		left = append(left, l)
	}
	if !r.IsOpen() && (s.Range.IsOpen() || s.Range.End.After(r.End)) {
		rt := s
		begin := r.End
		if s.Range.Begin.After(begin) {
			begin = s.Range.Begin
		}
		rt.Range = model.Range{Begin: begin, End: s.Range.End}
		right = append(right, rt)
	}
	if in, ok := s.Range.Intersect(r); ok {
		i := s
		i.Range = in
		inside = &i
	}
	return left, inside, right
}

// mergeSlots merges the adjacent mergeable slots of an ordered list.
func mergeSlots(slots []model.ReasonSlot) []model.ReasonSlot {
	out := make([]model.ReasonSlot, 0, len(slots))
	for _, s := range slots {
		n := len(out)
		if n == 0 || !out[n-1].Mergeable(s) {
			out = append(out, s)
			continue
		}
		prev := &out[n-1]
		prev.Range.End = s.Range.End
		if prev.AutoReasonNumber != s.AutoReasonNumber {
			prev.AutoReasonNumber = max(prev.AutoReasonNumber, s.AutoReasonNumber)
			prev.Source.UnsafeAutoReasonNumber = true
		}
		prev.Source.UnsafeAutoReasonNumber = prev.Source.UnsafeAutoReasonNumber || s.Source.UnsafeAutoReasonNumber
		prev.Source.UnsafeManualFlag = prev.Source.UnsafeManualFlag || s.Source.UnsafeManualFlag
	}
	return out
}

// union returns the smallest range covering a and b.
func union(a, b model.Range) model.Range {
	out := a
	if b.Begin.Before(out.Begin) {
		out.Begin = b.Begin
	}
	if a.IsOpen() || b.IsOpen() {
		out.End = time.Time{}
	} else if b.End.After(out.End) {
		out.End = b.End
	}
	return out
}

// clipAt bounds r by limit. A zero limit leaves r unchanged. Returns false
// when nothing of r lies before the limit.
func clipAt(r model.Range, limit time.Time) (model.Range, bool) {
	if limit.IsZero() {
		return r, true
	}
	if !limit.After(r.Begin) {
		return model.Range{}, false
	}
	if r.IsOpen() || limit.Before(r.End) {
		r.End = limit
	}
	return r, true
}

// consolidationLimit returns the earliest begin among the not completed
// associations of a machine selected by keep and overlapping r, or the zero
// time when there is none.
func consolidationLimit(ctx context.Context, tx engine.Tx, machineID int64, r model.Range, keep func(id int64) bool) (time.Time, error) {
	pending, err := tx.FindNotCompleted(ctx, model.MachinePartition(machineID), math.MinInt32)
	if err != nil {
		return time.Time{}, fmt.Errorf("consolidation limit: %w", err)
	}
	var limit time.Time
	for _, m := range pending {
		if m.Type != model.TypeReasonMachineAssociation || !keep(m.Ref.ID) {
			continue
		}
		a, err := model.DecodeAssociation(m.Payload)
		if err != nil {
			// The record fails on its own attempt.
			continue
		}
		claimed := a.Range
		if claimed.IsEmpty() {
			claimed.End = time.Time{}
		}
		if !claimed.Overlaps(r) && !r.Contains(claimed.Begin) {
			continue
		}
		if limit.IsZero() || claimed.Begin.Before(limit) {
			limit = claimed.Begin
		}
	}
	return limit, nil
}
