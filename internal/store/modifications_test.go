package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/testutil"
)

var t0 = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

func insert(t *testing.T, tx *Tx, m *model.Modification) model.ModificationRef {
	t.Helper()
	require.NoError(t, tx.InsertModification(context.Background(), m))
	return m.Ref
}

func TestInsertModification_AssignsIDPerTable(t *testing.T) {
	s := openTestStore(t)
	tx := beginTx(t, s, engine.TxReadWrite)

	g := insert(t, tx, model.NewModification(model.ScopeGlobal, 0, "work", 0, t0))
	m1 := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 0, t0))
	m2 := insert(t, tx, model.NewModification(model.ScopeMachine, 2, "work", 0, t0))

	assert.Equal(t, model.GlobalRef(1), g)
	assert.Equal(t, model.MachineRef(1, 1), m1)
	assert.Equal(t, model.MachineRef(2, 2), m2)
}

func TestInsertModification_RequiresMachine(t *testing.T) {
	s := openTestStore(t)
	tx := beginTx(t, s, engine.TxReadWrite)

	err := tx.InsertModification(context.Background(), model.NewModification(model.ScopeMachine, 0, "work", 0, t0))
	assert.Error(t, err)
}

func TestModification_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	parent := insert(t, tx, model.NewModification(model.ScopeGlobal, 0, "global", 3, t0))

	m := model.NewModification(model.ScopeMachine, 7, "work", 3, t0)
	m.Payload = []byte(`{"kind":"manual"}`)
	m.SetParent(parent)
	m.Auto = true
	m.Message = "waiting"
	m.BeginAttempt(t0.Add(time.Second))
	m.EndAttempt(t0.Add(2*time.Second), 1500*time.Millisecond)
	m.StepSpan = 20 * time.Second
	m.AppliedUntil = t0.Add(time.Hour)
	m.MarkAsPendingSubModifications(model.StatusDone)
	ref := insert(t, tx, m)

	got, err := tx.FindModification(ctx, ref)
	require.NoError(t, err)

	assert.Equal(t, ref, got.Ref)
	require.NotNil(t, got.Parent)
	assert.Equal(t, parent, *got.Parent)
	assert.Equal(t, "work", got.Type)
	assert.JSONEq(t, `{"kind":"manual"}`, string(got.Payload))
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, model.StatusPendingSubModifications, got.Status)
	require.NotNil(t, got.NextStatus)
	assert.Equal(t, model.StatusDone, *got.NextStatus)
	assert.True(t, got.Auto)
	assert.Equal(t, "waiting", got.Message)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Equal(t, 1, got.Iterations)
	assert.Equal(t, 1500*time.Millisecond, got.TotalDuration)
	assert.Equal(t, 1500*time.Millisecond, got.LastDuration)
	assert.Equal(t, 20*time.Second, got.StepSpan)
	assert.True(t, got.AnalysisBegin.Equal(t0.Add(time.Second)))
	assert.True(t, got.AnalysisEnd.Equal(t0.Add(2*time.Second)))
	assert.True(t, got.AppliedUntil.Equal(t0.Add(time.Hour)))
	assert.Nil(t, got.CompletionOrder)
	assert.Equal(t, int64(1), got.Version)
}

func TestFindModification_NotFound(t *testing.T) {
	s := openTestStore(t)
	tx := beginTx(t, s, engine.TxReadOnly)

	_, err := tx.FindModification(context.Background(), model.MachineRef(1, 42))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindModification_WrongMachine(t *testing.T) {
	s := openTestStore(t)
	tx := beginTx(t, s, engine.TxReadWrite)

	ref := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 0, t0))

	_, err := tx.FindModification(context.Background(), model.MachineRef(2, ref.ID))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveModification_DetectsConcurrentWriter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	ref := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 0, t0))
	first, err := tx.FindModification(ctx, ref)
	require.NoError(t, err)
	second, err := tx.FindModification(ctx, ref)
	require.NoError(t, err)

	first.MarkAsPending("no data")
	require.NoError(t, tx.SaveModification(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.MarkAsPending("other writer")
	err = tx.SaveModification(ctx, second)
	require.Error(t, err)
	assert.True(t, engine.IsStaleData(err))

	got, err := tx.FindModification(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "no data", got.Message)
}

func TestFindNotCompleted_SchedulingOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	low := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 1, t0))
	high1 := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 5, t0))
	high2 := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 5, t0))
	insert(t, tx, model.NewModification(model.ScopeMachine, 2, "work", 9, t0))

	done := model.NewModification(model.ScopeMachine, 1, "work", 9, t0)
	done.MarkAsCompleted(testutil.NewDeterministicClock())
	insert(t, tx, done)

	mods, err := tx.FindNotCompleted(ctx, model.MachinePartition(1), -100)
	require.NoError(t, err)
	assert.Equal(t, []model.ModificationRef{high1, high2, low}, refsOf(mods))

	mods, err = tx.FindNotCompleted(ctx, model.MachinePartition(1), 5)
	require.NoError(t, err)
	assert.Equal(t, []model.ModificationRef{high1, high2}, refsOf(mods))
}

func TestFindSubModifications_BothPartitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	parent := insert(t, tx, model.NewModification(model.ScopeGlobal, 0, "global", 0, t0))
	var want []model.ModificationRef
	for _, machine := range []int64{3, 1} {
		child := model.NewModification(model.ScopeMachine, machine, "child", 0, t0)
		child.SetParent(parent)
		want = append(want, insert(t, tx, child))
	}
	globalChild := model.NewModification(model.ScopeGlobal, 0, "child", 0, t0)
	globalChild.SetParent(parent)
	gref := insert(t, tx, globalChild)

	insert(t, tx, model.NewModification(model.ScopeMachine, 1, "other", 0, t0))

	subs, err := tx.FindSubModifications(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, []model.ModificationRef{gref}, refsOf(subs.Global))
	assert.Equal(t, []model.ModificationRef{want[1], want[0]}, refsOf(subs.Machine), "ordered by machine")
}

func TestBacklogPartitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	parts, err := tx.BacklogPartitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, parts)

	insert(t, tx, model.NewModification(model.ScopeMachine, 4, "work", 0, t0))
	insert(t, tx, model.NewModification(model.ScopeMachine, 2, "work", 0, t0))
	insert(t, tx, model.NewModification(model.ScopeGlobal, 0, "work", 0, t0))
	done := model.NewModification(model.ScopeMachine, 9, "work", 0, t0)
	done.MarkAsCompleted(testutil.NewDeterministicClock())
	insert(t, tx, done)

	parts, err = tx.BacklogPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Partition{
		model.GlobalPartition,
		model.MachinePartition(2),
		model.MachinePartition(4),
	}, parts)
}

func TestPurgeBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)
	clock := testutil.NewDeterministicClock()

	old := model.NewModification(model.ScopeMachine, 1, "auto", 0, t0)
	old.EndAttempt(t0, time.Second)
	old.MarkAsDonePurge(clock)
	oldRef := insert(t, tx, old)

	recent := model.NewModification(model.ScopeGlobal, 0, "auto", 0, t0)
	recent.EndAttempt(t0.Add(time.Hour), time.Second)
	recent.MarkAsDonePurge(clock)
	recentRef := insert(t, tx, recent)

	n, err := tx.PurgeBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = tx.FindModification(ctx, oldRef)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = tx.FindModification(ctx, recentRef)
	assert.NoError(t, err)
}

func TestCompletionOrder_UniqueAcrossTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	first, err := tx.NextCompletionOrder(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	a := model.NewModification(model.ScopeMachine, 1, "work", 0, t0)
	a.Status = model.StatusDone
	a.CompletionOrder = &first
	insert(t, tx, a)

	second, err := tx.NextCompletionOrder(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second)

	b := model.NewModification(model.ScopeGlobal, 0, "work", 0, t0)
	b.Status = model.StatusDone
	b.CompletionOrder = &second
	insert(t, tx, b)

	dup := model.NewModification(model.ScopeMachine, 2, "work", 0, t0)
	dup.Status = model.StatusDone
	dup.CompletionOrder = &first
	err = tx.InsertModification(ctx, dup)
	require.Error(t, err)
	assert.True(t, engine.IsIntegrityViolation(err), "duplicate completion order maps to an integrity violation: %v", err)
}

func TestCompletionOrder_SharedByConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()
	open := func() *Store {
		s, err := Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}
	a, b := open(), open()

	draw := func(s *Store) int64 {
		var v int64
		require.NoError(t, s.Update(ctx, func(tx *Tx) error {
			var err error
			v, err = tx.NextCompletionOrder(ctx)
			return err
		}))
		return v
	}
	got := []int64{draw(a), draw(b), draw(a), draw(b)}
	assert.Equal(t, []int64{1, 2, 3, 4}, got)
}

func TestCompletionOrder_RollbackDiscardsDraw(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, engine.TxReadWrite)
	require.NoError(t, err)
	_, err = tx.NextCompletionOrder(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	tx = beginTx(t, s, engine.TxReadWrite)
	v, err := tx.NextCompletionOrder(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "rolled back draws are not kept")

	ro := beginTx(t, openTestStore(t), engine.TxReadOnly)
	_, err = ro.NextCompletionOrder(ctx)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestMigrateToV2_ResumesSequences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	order := int64(40)
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		m := model.NewModification(model.ScopeMachine, 1, "work", 0, t0)
		m.Status = model.StatusDone
		m.CompletionOrder = &order
		if err := tx.InsertModification(ctx, m); err != nil {
			return err
		}
		return tx.InsertProposal(ctx, &model.ReasonProposal{
			MachineID: 1, ModificationID: m.Ref.ID, Kind: model.KindAuto,
			Range: model.NewRange(t0, t0.Add(time.Hour)), Reason: 5, AppliedOrder: 12,
		})
	}))
	// Simulate a database written before the sequences table existed.
	_, err = s.db.Exec("UPDATE sequences SET value = 0; PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		completion, err := tx.NextCompletionOrder(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(41), completion)
		application, err := tx.NextApplicationOrder(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(13), application)
		return nil
	}))
}

func TestDeleteModification(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	ref := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 0, t0))
	require.NoError(t, tx.DeleteModification(ctx, ref))

	_, err := tx.FindModification(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAnalysisLog_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	ref := model.MachineRef(3, 11)
	require.NoError(t, tx.AppendAnalysisLog(ctx, model.AnalysisLog{
		Level:        model.LogError,
		Message:      "boom",
		Modification: &ref,
		Iterations:   2,
		Status:       model.StatusError.String(),
		CreatedAt:    t0,
	}))
	require.NoError(t, tx.AppendAnalysisLog(ctx, model.AnalysisLog{
		Level:     model.LogInfo,
		Message:   "later",
		CreatedAt: t0.Add(time.Minute),
	}))

	logs, err := tx.AnalysisLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	assert.Equal(t, "later", logs[0].Message)
	assert.Nil(t, logs[0].Modification)

	assert.Equal(t, model.LogError, logs[1].Level)
	require.NotNil(t, logs[1].Modification)
	assert.Equal(t, ref, *logs[1].Modification)
	assert.Equal(t, int64(3), logs[1].MachineID)
	assert.Equal(t, 2, logs[1].Iterations)
	assert.True(t, logs[1].CreatedAt.Equal(t0))
}

func TestRecentModifications(t *testing.T) {
	s := openTestStore(t)
	tx := beginTx(t, s, engine.TxReadWrite)

	a := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 0, t0))
	b := insert(t, tx, model.NewModification(model.ScopeMachine, 1, "work", 0, t0))
	insert(t, tx, model.NewModification(model.ScopeMachine, 2, "work", 0, t0))

	mods, err := tx.RecentModifications(context.Background(), model.MachinePartition(1), 5)
	require.NoError(t, err)
	assert.Equal(t, []model.ModificationRef{b, a}, refsOf(mods))
}

func refsOf(mods []*model.Modification) []model.ModificationRef {
	refs := make([]model.ModificationRef, len(mods))
	for i, m := range mods {
		refs[i] = m.Ref
	}
	return refs
}
