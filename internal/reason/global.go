package reason

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
)

// GlobalAssociationAnalyzer fans a global reason association out into one
// machine association per listed machine. The global record completes once
// every child completed.
type GlobalAssociationAnalyzer struct{}

var _ engine.Analyzer = GlobalAssociationAnalyzer{}

func (GlobalAssociationAnalyzer) Analyze(ctx context.Context, step *engine.Step) error {
	mod := step.Modification()
	if !mod.IsGlobal() {
		return fmt.Errorf("global association %s is machine scoped", mod.Ref)
	}
	g, err := model.DecodeGlobalAssociation(mod.Payload)
	if err != nil {
		return err
	}
	if len(g.MachineIDs) == 0 {
		return fmt.Errorf("global association lists no machine")
	}
	g.Association.Normalize()
	if err := g.Association.Validate(); err != nil {
		return fmt.Errorf("invalid association: %w", err)
	}
	if g.Association.Kind == model.KindTrackDynamicEnd {
		return fmt.Errorf("%s association cannot be global", g.Association.Kind)
	}

	subs, err := step.SubModifications(ctx)
	if err != nil {
		return err
	}
	if len(subs.Machine) == 0 {
		machines := slices.Clone(g.MachineIDs)
		slices.Sort(machines)
		machines = slices.Compact(machines)
		for _, id := range machines {
			if id <= 0 {
				return fmt.Errorf("invalid machine id %d", id)
			}
			child, err := NewAssociationModification(id, &g.Association, mod.Priority, step.Now())
			if err != nil {
				return err
			}
			if err := step.AddSubModification(ctx, child); err != nil {
				return err
			}
		}
	}
	return step.MarkAsCompleted(ctx)
}

// Cancel does nothing: machine children undo their own effects.
func (GlobalAssociationAnalyzer) Cancel(context.Context, *engine.Step) error { return nil }

func (GlobalAssociationAnalyzer) CancelAfterTimeout(*model.Modification) bool { return true }

// NewGlobalAssociationModification builds the global record applying assoc
// to machines.
func NewGlobalAssociationModification(machines []int64, assoc model.ReasonMachineAssociation, priority int, createdAt time.Time) (*model.Modification, error) {
	payload, err := model.EncodePayload(model.GlobalReasonAssociation{MachineIDs: machines, Association: assoc})
	if err != nil {
		return nil, err
	}
	m := model.NewModification(model.ScopeGlobal, 0, model.TypeGlobalReasonAssociation, priority, createdAt)
	m.Payload = payload
	return m, nil
}
