package reason

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
)

// ContextChangeAnalyzer records an observed machine context segment and
// consolidates the reason slots of its range.
type ContextChangeAnalyzer struct {
	cons *Consolidator
}

var _ engine.Analyzer = (*ContextChangeAnalyzer)(nil)

func NewContextChangeAnalyzer(cons *Consolidator) *ContextChangeAnalyzer {
	return &ContextChangeAnalyzer{cons: cons}
}

func (a *ContextChangeAnalyzer) Analyze(ctx context.Context, step *engine.Step) error {
	mod := step.Modification()
	if mod.Ref.Scope != model.ScopeMachine {
		return fmt.Errorf("context change %s is not machine scoped", mod.Ref)
	}
	c, err := model.DecodeContextChange(mod.Payload)
	if err != nil {
		return err
	}
	r := model.NewRange(c.Range.Begin, c.Range.End)
	if r.Begin.IsZero() || !r.Valid() || r.IsEmpty() {
		return fmt.Errorf("invalid context range %s", r)
	}
	tl, err := timelineOf(step.Tx())
	if err != nil {
		return err
	}

	seg := model.MachineContext{
		MachineID:        mod.Ref.MachineID,
		Range:            r,
		MachineMode:      c.MachineMode,
		ObservationState: c.ObservationState,
		Shift:            c.Shift,
	}
	if err := tl.ReplaceContext(ctx, seg); err != nil {
		return err
	}
	if err := a.cons.Consolidate(ctx, tl, mod.Ref.MachineID, r); err != nil {
		return err
	}
	return step.MarkAsCompleted(ctx)
}

// Cancel keeps the recorded context: an observation is never undone.
func (a *ContextChangeAnalyzer) Cancel(context.Context, *engine.Step) error { return nil }

func (a *ContextChangeAnalyzer) CancelAfterTimeout(*model.Modification) bool { return true }

// NewContextChangeModification builds the auto record observing c on a machine.
func NewContextChangeModification(machineID int64, c model.MachineContextChange, createdAt time.Time) (*model.Modification, error) {
	payload, err := model.EncodePayload(c)
	if err != nil {
		return nil, err
	}
	m := model.NewModification(model.ScopeMachine, machineID, model.TypeMachineContextChange, 0, createdAt)
	m.Payload = payload
	m.Auto = true
	return m, nil
}
