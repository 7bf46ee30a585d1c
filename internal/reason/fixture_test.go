package reason

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/store"
	"github.com/roach88/pulse/internal/testutil"
)

var t0 = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

// at returns t0 plus minutes.
func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func span(from, to int) model.Range {
	return model.NewRange(at(from), at(to))
}

func from(minutes int) model.Range {
	return model.OpenRange(at(minutes))
}

const (
	modeProduction int64 = 1
	modeSetup      int64 = 2
	modeStop       int64 = 3
	stateRunning   int64 = 1

	reasonProduction model.ReasonID = 20
	reasonStop       model.ReasonID = 30
)

var testModes = []model.MachineMode{
	{ID: modeProduction, Name: "production"},
	{ID: modeSetup, Name: "setup", Parent: modeProduction},
	{ID: modeStop, Name: "stop"},
}

var testDefaults = []model.MachineModeDefaultReason{
	{MachineMode: modeProduction, ObservationState: stateRunning, Reason: reasonProduction},
	{MachineMode: modeStop, ObservationState: stateRunning, Reason: reasonStop, Auto: true},
}

type env struct {
	store *store.Store
	cons  *Consolidator
	proc  *engine.Processor
	sched *engine.Scheduler
}

func newEnv(t *testing.T, analysis config.Analysis) *env {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Analysis = analysis
	cfg.Scheduler.Workers = 2
	cfg.MachineModes = testModes
	cfg.DefaultReasons = testDefaults

	sys, err := NewSystem(st, cfg, slog.New(slog.DiscardHandler),
		engine.WithTimeSource(testutil.NewManualTime(t0)),
		engine.WithTokenGenerator(testutil.NewSequentialTokens("claim")))
	require.NoError(t, err)

	return &env{store: st, cons: sys.Consolidator, proc: sys.Processor, sched: sys.Scheduler}
}

func defaultEnv(t *testing.T) *env {
	return newEnv(t, config.Default().Analysis)
}

func (e *env) observe(t *testing.T, machineID int64, r model.Range, mode, state int64) {
	t.Helper()
	m, err := NewContextChangeModification(machineID, model.MachineContextChange{
		Range:            r,
		MachineMode:      mode,
		ObservationState: state,
	}, t0)
	require.NoError(t, err)
	_, err = e.sched.Submit(context.Background(), m)
	require.NoError(t, err)
}

func (e *env) associate(t *testing.T, machineID int64, assoc model.ReasonMachineAssociation) model.ModificationRef {
	t.Helper()
	m, err := NewAssociationModification(machineID, &assoc, 0, t0)
	require.NoError(t, err)
	ref, err := e.sched.Submit(context.Background(), m)
	require.NoError(t, err)
	return ref
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	_, err := e.sched.Drain(context.Background(), 20)
	require.NoError(t, err)
}

func (e *env) slots(t *testing.T, machineID int64) []model.ReasonSlot {
	t.Helper()
	var out []model.ReasonSlot
	err := e.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.SlotsOverlapping(context.Background(), machineID, model.OpenRange(historyBegin))
		return err
	})
	require.NoError(t, err)
	return out
}

func (e *env) proposals(t *testing.T, machineID int64) []model.ReasonProposal {
	t.Helper()
	var out []model.ReasonProposal
	err := e.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		out, err = tx.ProposalsOverlapping(context.Background(), machineID, model.OpenRange(historyBegin))
		return err
	})
	require.NoError(t, err)
	return out
}

func (e *env) get(t *testing.T, ref model.ModificationRef) *model.Modification {
	t.Helper()
	var m *model.Modification
	err := e.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		m, err = tx.FindModification(context.Background(), ref)
		return err
	})
	require.NoError(t, err)
	return m
}

func (e *env) subs(t *testing.T, ref model.ModificationRef) []*model.Modification {
	t.Helper()
	var out []*model.Modification
	err := e.store.View(context.Background(), func(tx *store.Tx) error {
		s, err := tx.FindSubModifications(context.Background(), ref)
		out = s.All()
		return err
	})
	require.NoError(t, err)
	return out
}

// slotView is the comparable part of a slot.
type slotView struct {
	Range   string
	Reason  model.ReasonID
	Source  string
	Autos   int
	Confirm bool
}

func viewOf(slots []model.ReasonSlot) []slotView {
	out := make([]slotView, len(slots))
	for i, s := range slots {
		out[i] = slotView{
			Range:   s.Range.String(),
			Reason:  s.Reason,
			Source:  s.Source.String(),
			Autos:   s.AutoReasonNumber,
			Confirm: s.OverwriteRequired,
		}
	}
	return out
}

func view(r model.Range, reason model.ReasonID, source model.ReasonSource, autos int) slotView {
	return slotView{Range: r.String(), Reason: reason, Source: source.String(), Autos: autos}
}

func auto(r model.Range, reason model.ReasonID, score float64) model.ReasonMachineAssociation {
	return model.ReasonMachineAssociation{Kind: model.KindAuto, Range: r, Reason: reason, Score: score}
}

func manual(r model.Range, reason model.ReasonID) model.ReasonMachineAssociation {
	return model.ReasonMachineAssociation{Kind: model.KindManual, Range: r, Reason: reason}
}

var (
	srcDefault     = model.ReasonSource{Default: true}
	srcDefaultAuto = model.ReasonSource{Default: true, DefaultIsAuto: true}
	srcAuto        = model.ReasonSource{Auto: true}
	srcManual      = model.ReasonSource{Manual: true}
	srcAutoManual  = model.ReasonSource{Auto: true, Manual: true}
)
