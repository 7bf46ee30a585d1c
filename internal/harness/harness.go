package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/reason"
	"github.com/roach88/pulse/internal/store"
	"github.com/roach88/pulse/internal/testutil"
)

// maxDrainPasses bounds a drain; scenarios settle in a handful of passes.
const maxDrainPasses = 50

// epoch precedes every scenario timeline.
var epoch = time.Unix(0, 0).UTC()

// Harness executes the steps of one scenario.
type Harness struct {
	store    *store.Store
	sys      *reason.System
	origin   time.Time
	refs     map[string]model.ModificationRef
	labels   []string
	machines map[int64]bool
	logger   *slog.Logger
}

// Option configures a scenario run.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger routes the system logs of the run to l. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
// 1. Create fresh in-memory database and processing system
// 2. Execute steps, draining where requested
// 3. Drain, snapshot the timelines and records
// 4. Evaluate assertions against the snapshot
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	origin := scenario.Origin
	if origin.IsZero() {
		origin = DefaultOrigin
	}

	ctx := context.Background()
	sys, err := reason.NewSystem(st, scenarioConfig(scenario), o.logger,
		engine.WithTimeSource(testutil.NewManualTime(origin)),
		engine.WithTokenGenerator(testutil.NewSequentialTokens("harness")))
	if err != nil {
		return nil, fmt.Errorf("failed to create system: %w", err)
	}

	h := &Harness{
		store:    st,
		sys:      sys,
		origin:   origin,
		refs:     make(map[string]model.ModificationRef),
		machines: make(map[int64]bool),
		logger:   o.logger,
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	if err := h.drain(ctx); err != nil {
		return nil, err
	}

	snapshot, err := h.snapshot(ctx, scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot: %w", err)
	}

	result := NewResult()
	result.Snapshot = snapshot
	for _, msg := range EvaluateAssertions(&result.Snapshot, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// scenarioConfig returns the default configuration with the scenario
// tables and overrides. One worker keeps the application order stable.
func scenarioConfig(s *Scenario) config.Config {
	cfg := config.Default()
	cfg.Scheduler.Workers = 1
	cfg.MachineModes = s.MachineModes
	cfg.DefaultReasons = s.DefaultReasons
	if s.Settings.ReasonStepRange > 0 {
		cfg.Analysis.ReasonStepRange = s.Settings.ReasonStepRange
	}
	if s.Settings.MaxStepsPerPass > 0 {
		cfg.Analysis.MaxStepsPerPass = s.Settings.MaxStepsPerPass
	}
	return cfg
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Observe != nil:
		if err := h.observe(ctx, step.Observe); err != nil {
			return err
		}
	case step.Associate != nil:
		ref, err := h.associate(ctx, step.Associate)
		if err != nil {
			return err
		}
		if step.Label != "" {
			h.refs[step.Label] = ref
			h.labels = append(h.labels, step.Label)
		}
	case step.Cancel != "":
		ref, ok := h.refs[step.Cancel]
		if !ok {
			return fmt.Errorf("cancel: unknown label %q", step.Cancel)
		}
		if err := h.sys.Processor.Cancel(ctx, ref); err != nil {
			return fmt.Errorf("cancel %s: %w", step.Cancel, err)
		}
		h.logger.Debug("scenario cancel", "label", step.Cancel, "ref", ref.String())
	}

	switch {
	case step.Drain:
		return h.drain(ctx)
	case step.Pass:
		if _, err := h.sys.Scheduler.RunPass(ctx); err != nil {
			return fmt.Errorf("pass: %w", err)
		}
	}
	return nil
}

func (h *Harness) drain(ctx context.Context) error {
	stats, err := h.sys.Scheduler.Drain(ctx, maxDrainPasses)
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	h.logger.Debug("scenario drained",
		"passes", stats.Passes,
		"steps", stats.Steps,
		"completed", stats.Completed)
	return nil
}

func (h *Harness) observe(ctx context.Context, o *ObserveStep) error {
	h.machines[o.Machine] = true
	m, err := reason.NewContextChangeModification(o.Machine, model.MachineContextChange{
		Range:            h.rangeOf(o.Begin, o.End),
		MachineMode:      o.Mode,
		ObservationState: o.State,
		Shift:            o.Shift,
	}, h.origin)
	if err != nil {
		return err
	}
	_, err = h.sys.Scheduler.Submit(ctx, m)
	return err
}

func (h *Harness) associate(ctx context.Context, a *AssociateStep) (model.ModificationRef, error) {
	assoc, err := a.association(h.rangeOf(a.Begin, a.End))
	if err != nil {
		return model.ModificationRef{}, err
	}

	var m *model.Modification
	if a.IsGlobal() {
		for _, id := range a.Machines {
			h.machines[id] = true
		}
		m, err = reason.NewGlobalAssociationModification(a.Machines, assoc, a.Priority, h.origin)
	} else {
		h.machines[a.Machine] = true
		m, err = reason.NewAssociationModification(a.Machine, &assoc, a.Priority, h.origin)
	}
	if err != nil {
		return model.ModificationRef{}, err
	}
	return h.sys.Scheduler.Submit(ctx, m)
}

// association builds the payload for range r.
func (a *AssociateStep) association(r model.Range) (model.ReasonMachineAssociation, error) {
	data, err := toData(a.Data)
	if err != nil {
		return model.ReasonMachineAssociation{}, err
	}
	return model.ReasonMachineAssociation{
		Kind:    model.AssociationKind(a.Kind),
		Range:   r,
		Dynamic: a.Dynamic,
		Reason:  model.ReasonID(a.Reason),
		Score:   a.Score,
		Details: a.Details,
		Data:    data,
		Option: model.AssociationOption{
			DynamicEndBeforeRealEnd: a.DynamicEndBeforeRealEnd,
			ProgressiveStrategy:     a.Progressive,
		},
		Restriction: model.Restriction{
			MachineMode:      a.RestrictMode,
			ObservationState: a.RestrictState,
		},
	}, nil
}

// toData converts YAML-parsed values through the canonical JSON decoder,
// which rejects floats.
func toData(m map[string]any) (model.Data, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("association data: %w", err)
	}
	var d model.Data
	if err := d.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("association data: %w", err)
	}
	return d, nil
}

func (h *Harness) rangeOf(begin config.Duration, end *config.Duration) model.Range {
	b := h.origin.Add(begin.Std())
	if end == nil {
		return model.OpenRange(b)
	}
	return model.NewRange(b, h.origin.Add(end.Std()))
}

func (h *Harness) offset(t time.Time) string {
	return t.Sub(h.origin).String()
}

func (h *Harness) snapshot(ctx context.Context, name string) (Snapshot, error) {
	snap := Snapshot{
		Scenario: name,
		Machines: []MachineSnapshot{},
		Records:  []RecordSnapshot{},
	}
	mods := make(map[string]*model.Modification, len(h.labels))

	err := h.store.View(ctx, func(tx *store.Tx) error {
		for _, id := range slices.Sorted(maps.Keys(h.machines)) {
			slots, err := tx.SlotsOverlapping(ctx, id, model.OpenRange(epoch))
			if err != nil {
				return err
			}
			proposals, err := tx.ProposalsOverlapping(ctx, id, model.OpenRange(epoch))
			if err != nil {
				return err
			}
			ms := MachineSnapshot{Machine: id, Slots: make([]SlotSnapshot, len(slots)), Proposals: len(proposals)}
			for i, s := range slots {
				ms.Slots[i] = h.slotSnapshot(s)
			}
			snap.Machines = append(snap.Machines, ms)
		}
		for _, label := range h.labels {
			m, err := tx.FindModification(ctx, h.refs[label])
			if err != nil {
				return fmt.Errorf("record %s: %w", label, err)
			}
			mods[label] = m
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	// Remaining counts open their own transaction.
	for _, label := range h.labels {
		m := mods[label]
		remaining, err := h.sys.Processor.RemainingModifications(ctx, m.Ref)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Records = append(snap.Records, RecordSnapshot{
			Label:      label,
			Ref:        m.Ref.String(),
			Status:     m.Status.String(),
			Iterations: m.Iterations,
			Remaining:  remaining,
		})
	}
	return snap, nil
}

func (h *Harness) slotSnapshot(s model.ReasonSlot) SlotSnapshot {
	out := SlotSnapshot{
		Begin:             h.offset(s.Range.Begin),
		Mode:              s.MachineMode,
		State:             s.ObservationState,
		Reason:            int64(s.Reason),
		Source:            s.Source.String(),
		Autos:             s.AutoReasonNumber,
		OverwriteRequired: s.OverwriteRequired,
	}
	if !s.Range.IsOpen() {
		out.End = h.offset(s.Range.End)
	}
	return out
}
