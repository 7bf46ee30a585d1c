package reason

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
)

// AssociationAnalyzer applies ReasonMachineAssociation modifications to the
// reason timeline of their machine.
//
// Manual and auto associations become one reason proposal over their
// resolved range, then the range is consolidated, in chunks of
// ReasonStepRange when configured. Reset associations clear the proposals
// of their range and consolidate it again. TrackDynamicEnd associations are
// spawned by a progressive association and correct its proposal once the
// dynamic end is known.
type AssociationAnalyzer struct {
	cons      *Consolidator
	resolvers *Resolvers
}

var (
	_ engine.Analyzer                = (*AssociationAnalyzer)(nil)
	_ engine.SubModificationResolver = (*AssociationAnalyzer)(nil)
)

// NewAssociationAnalyzer creates the analyzer. A nil resolvers registry
// gets the built-in resolvers.
func NewAssociationAnalyzer(cons *Consolidator, resolvers *Resolvers) *AssociationAnalyzer {
	if resolvers == nil {
		resolvers = NewResolvers()
	}
	return &AssociationAnalyzer{cons: cons, resolvers: resolvers}
}

// Analyze runs one attempt.
func (a *AssociationAnalyzer) Analyze(ctx context.Context, step *engine.Step) error {
	mod := step.Modification()
	if mod.Ref.Scope != model.ScopeMachine {
		return fmt.Errorf("association %s is not machine scoped", mod.Ref)
	}
	assoc, err := model.DecodeAssociation(mod.Payload)
	if err != nil {
		return err
	}
	assoc.Normalize()
	if err := assoc.Validate(); err != nil {
		return fmt.Errorf("invalid association: %w", err)
	}
	tl, err := timelineOf(step.Tx())
	if err != nil {
		return err
	}

	switch assoc.Kind {
	case model.KindReset:
		return a.reset(ctx, step, tl, assoc)
	case model.KindTrackDynamicEnd:
		return a.trackDynamicEnd(ctx, step, tl, assoc)
	}

	until, observed, err := tl.ObservedUntil(ctx, mod.Ref.MachineID)
	if err != nil {
		return err
	}
	if !observed {
		step.MarkAsPending("no machine context observed yet")
		return nil
	}
	if !until.IsZero() && assoc.Range.Begin.After(until) {
		step.MarkAsPending(fmt.Sprintf("range begins after the observed context end %s", until.Format(time.RFC3339)))
		return nil
	}

	var tracker *model.ReasonMachineAssociation
	if assoc.IsDynamic() {
		resolved, done, err := a.resolveRange(ctx, step, tl, assoc)
		if err != nil || done {
			return err
		}
		if resolved.IsDynamic() {
			// Progressive: apply up to the fixed end, track the dynamic end.
			tracker = trackerOf(resolved)
			resolved.Resolved = true
		}
		assoc = resolved
		if mod.Payload, err = model.EncodePayload(assoc); err != nil {
			return err
		}
		if assoc.Range.IsEmpty() {
			return step.MarkAsCompleted(ctx)
		}
	}

	return a.apply(ctx, step, tl, assoc, tracker)
}

// resolveRange resolves the dynamic bounds of assoc. done reports that the
// record was transitioned (Pending, NotApplicable, cancelled) and nothing
// must be applied. When the end is unknown but the progressive strategy
// applies, the returned association keeps its fixed end and stays dynamic.
func (a *AssociationAnalyzer) resolveRange(ctx context.Context, step *engine.Step, tl Timeline, assoc *model.ReasonMachineAssociation) (out *model.ReasonMachineAssociation, done bool, err error) {
	machineID := step.Modification().Ref.MachineID
	startName, endName := assoc.DynamicBounds()
	r := assoc.Range

	if startName != "" {
		begin, ok, err := a.bound(ctx, startName, BoundQuery{
			Side: Start, MachineID: machineID, Association: assoc, At: assoc.Range.Begin, Timeline: tl,
		})
		if errors.Is(err, ErrNotApplicable) {
			markNotApplicable(step, err.Error())
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if !ok {
			step.MarkAsPending("dynamic start not known yet")
			return nil, true, nil
		}
		r.Begin = begin
	}

	resolved := *assoc
	if endName != "" {
		end, ok, err := a.bound(ctx, endName, BoundQuery{
			Side: End, MachineID: machineID, Association: assoc, At: r.Begin, Timeline: tl,
		})
		if errors.Is(err, ErrNotApplicable) {
			markNotApplicable(step, err.Error())
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		switch {
		case !ok && assoc.Option.ProgressiveStrategy && !assoc.Range.IsOpen():
			resolved.Range = model.NewRange(r.Begin, assoc.Range.End)
			if !resolved.Range.Valid() {
				return nil, false, fmt.Errorf("resolved start %s is after the fixed end", r.Begin)
			}
			return &resolved, false, nil
		case !ok:
			step.MarkAsPending("dynamic end not known yet")
			return nil, true, nil
		case assoc.Option.DynamicEndBeforeRealEnd && !assoc.Range.IsOpen() && end.After(assoc.Range.End):
			step.MarkAsCanceled(fmt.Sprintf("dynamic end %s after real end %s",
				end.Format(time.RFC3339), assoc.Range.End.Format(time.RFC3339)))
			return nil, true, nil
		}
		r.End = end
	}

	if !r.Valid() {
		return nil, false, fmt.Errorf("resolved range %s ends before it begins", r)
	}
	resolved.Range = model.NewRange(r.Begin, r.End)
	resolved.Resolved = true
	return &resolved, false, nil
}

func (a *AssociationAnalyzer) bound(ctx context.Context, name string, q BoundQuery) (time.Time, bool, error) {
	res, ok := a.resolvers.Lookup(name)
	if !ok {
		return time.Time{}, false, fmt.Errorf("unknown bound resolver %q", name)
	}
	t, ok, err := res.Resolve(ctx, q)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("resolve %s bound with %s: %w", q.Side, name, err)
	}
	return t.UTC(), ok, nil
}

// apply inserts the proposal on the first attempt and consolidates the next
// chunk of the range.
func (a *AssociationAnalyzer) apply(ctx context.Context, step *engine.Step, tl Timeline, assoc *model.ReasonMachineAssociation, tracker *model.ReasonMachineAssociation) error {
	mod := step.Modification()
	machineID := mod.Ref.MachineID
	first := mod.AppliedUntil.IsZero()

	if first {
		if assoc.Kind == model.KindManual {
			manual := func(p model.ReasonProposal) bool { return p.Kind == model.KindManual }
			if err := trimProposals(ctx, tl, machineID, assoc.Range, manual); err != nil {
				return err
			}
		}
		order, err := step.NextApplicationOrder(ctx)
		if err != nil {
			return err
		}
		p := proposalOf(mod, assoc, order)
		if err := tl.InsertProposal(ctx, &p); err != nil {
			return err
		}
		if tracker != nil {
			child, err := NewAssociationModification(machineID, tracker, mod.Priority, step.Now())
			if err != nil {
				return err
			}
			if err := step.AddSubModification(ctx, child); err != nil {
				return err
			}
		}
	}

	if err := step.Checkpoint(); err != nil {
		return err
	}

	chunk := assoc.Range
	if !first && mod.AppliedUntil.After(chunk.Begin) {
		chunk.Begin = mod.AppliedUntil
	}
	if span := step.Config().ReasonStepRange.Std(); span > 0 && !chunk.IsOpen() {
		if limit := chunk.Begin.Add(span); limit.Before(chunk.End) {
			chunk.End = limit
		}
	}
	if err := a.cons.Consolidate(ctx, tl, machineID, chunk); err != nil {
		return err
	}

	if !chunk.IsOpen() && chunk.End.Before(assoc.Range.End) {
		step.MarkAsInProgress(chunk.End)
		return nil
	}
	return step.MarkAsCompleted(ctx)
}

// reset clears the proposals of the range, marks its slots Processing and
// consolidates what no newer association claims.
func (a *AssociationAnalyzer) reset(ctx context.Context, step *engine.Step, tl Timeline, assoc *model.ReasonMachineAssociation) error {
	mod := step.Modification()
	machineID := mod.Ref.MachineID

	all := func(p model.ReasonProposal) bool { return true }
	if err := trimProposals(ctx, tl, machineID, assoc.Range, all); err != nil {
		return err
	}
	if err := a.cons.MarkProcessing(ctx, tl, machineID, assoc.Range); err != nil {
		return err
	}
	if err := step.Checkpoint(); err != nil {
		return err
	}
	if err := a.cons.TryConsolidateInReset(ctx, step.Tx(), machineID, assoc.Range, mod.Ref.ID); err != nil {
		return err
	}
	return step.MarkAsCompleted(ctx)
}

// trackDynamicEnd corrects the proposals of the parent association once the
// dynamic end is known: they are shortened to it, or removed when the end
// lands after the fixed end and DynamicEndBeforeRealEnd is set.
func (a *AssociationAnalyzer) trackDynamicEnd(ctx context.Context, step *engine.Step, tl Timeline, assoc *model.ReasonMachineAssociation) error {
	mod := step.Modification()
	machineID := mod.Ref.MachineID
	parent := mod.Parent
	if parent == nil || parent.Scope != model.ScopeMachine || parent.MachineID != machineID {
		return fmt.Errorf("dynamic end tracker %s needs a parent association of machine %d", mod.Ref, machineID)
	}

	_, endName := assoc.DynamicBounds()
	end, ok, err := a.bound(ctx, endName, BoundQuery{
		Side: End, MachineID: machineID, Association: assoc, At: assoc.Range.Begin, Timeline: tl,
	})
	if errors.Is(err, ErrNotApplicable) {
		markNotApplicable(step, err.Error())
		return nil
	}
	if err != nil {
		return err
	}
	if !ok {
		step.MarkAsPending("dynamic end not known yet")
		return nil
	}

	fixedEnd := assoc.Range.End
	proposals, err := tl.ProposalsOf(ctx, machineID, parent.ID)
	if err != nil {
		return err
	}

	if assoc.Option.DynamicEndBeforeRealEnd && end.After(fixedEnd) {
		for _, p := range proposals {
			if err := tl.DeleteProposal(ctx, p.ID); err != nil {
				return err
			}
		}
		if err := a.cons.Consolidate(ctx, tl, machineID, assoc.Range); err != nil {
			return err
		}
		step.MarkAsCanceled(fmt.Sprintf("dynamic end %s after real end %s: association %s withdrawn",
			end.Format(time.RFC3339), fixedEnd.Format(time.RFC3339), parent))
		return nil
	}

	if !end.Before(fixedEnd) {
		return step.MarkAsCompleted(ctx)
	}
	if end.Before(assoc.Range.Begin) {
		end = assoc.Range.Begin
	}
	for _, p := range proposals {
		switch {
		case !p.Range.Begin.Before(end):
			if err := tl.DeleteProposal(ctx, p.ID); err != nil {
				return err
			}
		case p.Range.IsOpen() || p.Range.End.After(end):
			p.Range.End = end
			if err := tl.UpdateProposal(ctx, p); err != nil {
				return err
			}
		}
	}
	if err := a.cons.Consolidate(ctx, tl, machineID, model.NewRange(end, fixedEnd)); err != nil {
		return err
	}
	step.Logger().Debug("dynamic end resolved",
		"parent", parent.String(),
		"end", end)
	return step.MarkAsCompleted(ctx)
}

// Cancel removes the proposals of the association and consolidates their
// ranges again. A dynamic end tracker withdraws the proposals of its parent,
// which it would otherwise have corrected. Resets have nothing to undo.
//
// Cancelling the parent and then the tracker (or the reverse) withdraws the
// same proposals once.
func (a *AssociationAnalyzer) Cancel(ctx context.Context, step *engine.Step) error {
	mod := step.Modification()
	assoc, err := model.DecodeAssociation(mod.Payload)
	if err != nil {
		return nil
	}
	owner := mod.Ref
	switch {
	case assoc.Kind == model.KindTrackDynamicEnd:
		if mod.Parent == nil || mod.Parent.Scope != model.ScopeMachine {
			return nil
		}
		owner = *mod.Parent
	case !assoc.Kind.ProducesProposal():
		return nil
	}
	tl, err := timelineOf(step.Tx())
	if err != nil {
		return err
	}
	return a.withdraw(ctx, tl, owner.MachineID, owner.ID)
}

// ResolveSubModifications cancels a progressive association whose dynamic
// end tracker was cancelled: its proposals are gone, so it must not end
// Done. Other outcomes follow the generic rules.
func (a *AssociationAnalyzer) ResolveSubModifications(ctx context.Context, step *engine.Step, children []*model.Modification) error {
	for _, c := range children {
		if c.Status != model.StatusCancel || c.Type != model.TypeReasonMachineAssociation {
			continue
		}
		assoc, err := model.DecodeAssociation(c.Payload)
		if err != nil || assoc.Kind != model.KindTrackDynamicEnd {
			continue
		}
		if err := a.Cancel(ctx, step); err != nil {
			return err
		}
		step.MarkAsCanceled(fmt.Sprintf("dynamic end tracker %s cancelled", c.Ref))
		return nil
	}
	return nil
}

func (a *AssociationAnalyzer) withdraw(ctx context.Context, tl Timeline, machineID, modificationID int64) error {
	proposals, err := tl.ProposalsOf(ctx, machineID, modificationID)
	if err != nil {
		return err
	}
	for _, p := range proposals {
		if err := tl.DeleteProposal(ctx, p.ID); err != nil {
			return err
		}
	}
	for _, p := range proposals {
		if err := a.cons.Consolidate(ctx, tl, machineID, p.Range); err != nil {
			return err
		}
	}
	return nil
}

// CancelAfterTimeout is false for dynamic end trackers: their parent
// proposal would stay uncorrected.
func (a *AssociationAnalyzer) CancelAfterTimeout(mod *model.Modification) bool {
	assoc, err := model.DecodeAssociation(mod.Payload)
	if err != nil {
		return true
	}
	return assoc.Kind != model.KindTrackDynamicEnd
}

// trackerOf returns the payload of the sub-modification tracking the
// dynamic end of a progressive association.
func trackerOf(assoc *model.ReasonMachineAssociation) *model.ReasonMachineAssociation {
	_, endName := assoc.DynamicBounds()
	return &model.ReasonMachineAssociation{
		Kind:    model.KindTrackDynamicEnd,
		Range:   assoc.Range,
		Dynamic: "," + endName,
		Option:  assoc.Option,
	}
}

func proposalOf(mod *model.Modification, assoc *model.ReasonMachineAssociation, order int64) model.ReasonProposal {
	return model.ReasonProposal{
		MachineID:      mod.Ref.MachineID,
		ModificationID: mod.Ref.ID,
		Kind:           assoc.Kind,
		Range:          assoc.Range,
		Reason:         assoc.Reason,
		Score:          assoc.Score,
		Details:        assoc.Details,
		Data:           assoc.Data,
		Restriction:    assoc.Restriction,
		AppliedOrder:   order,
	}
}

// trimProposals removes r from the proposals selected by match. A proposal
// strictly containing r is split in two.
func trimProposals(ctx context.Context, tl Timeline, machineID int64, r model.Range, match func(model.ReasonProposal) bool) error {
	proposals, err := tl.ProposalsOverlapping(ctx, machineID, r)
	if err != nil {
		return err
	}
	for _, p := range proposals {
		if !match(p) {
			continue
		}
		keepLeft := p.Range.Begin.Before(r.Begin)
		keepRight := !r.IsOpen() && (p.Range.IsOpen() || p.Range.End.After(r.End))
		switch {
		case !keepLeft && !keepRight:
			err = tl.DeleteProposal(ctx, p.ID)
		case keepLeft && !keepRight:
			p.Range.End = r.Begin
			err = tl.UpdateProposal(ctx, p)
		case !keepLeft && keepRight:
			p.Range.Begin = r.End
			err = tl.UpdateProposal(ctx, p)
		default:
			right := p
			right.ID = 0
			right.Range = model.Range{Begin: r.End, End: p.Range.End}
			p.Range.End = r.Begin
			if err = tl.UpdateProposal(ctx, p); err == nil {
				err = tl.InsertProposal(ctx, &right)
			}
		}
		if err != nil {
			return fmt.Errorf("trim proposal %d: %w", p.ID, err)
		}
	}
	return nil
}

func markNotApplicable(step *engine.Step, message string) {
	if step.Modification().HasParent() {
		step.MarkAsAncestorNotApplicable(message)
		return
	}
	step.MarkAsNotApplicable(message)
}

// NewAssociationModification builds the modification applying assoc to a
// machine.
func NewAssociationModification(machineID int64, assoc *model.ReasonMachineAssociation, priority int, createdAt time.Time) (*model.Modification, error) {
	payload, err := model.EncodePayload(assoc)
	if err != nil {
		return nil, err
	}
	m := model.NewModification(model.ScopeMachine, machineID, model.TypeReasonMachineAssociation, priority, createdAt)
	m.Payload = payload
	return m, nil
}
