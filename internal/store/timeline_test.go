package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func span(from, to int) model.Range {
	return model.NewRange(at(from), at(to))
}

func rangesOf[T any](items []T, get func(T) model.Range) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = get(it).String()
	}
	return out
}

func segRange(c model.MachineContext) model.Range { return c.Range }
func slotRange(s model.ReasonSlot) model.Range { return s.Range }

func TestReplaceContext_SplitsAndTrims(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	require.NoError(t, tx.ReplaceContext(ctx, model.MachineContext{
		MachineID: 1, Range: model.OpenRange(at(0)), MachineMode: 1, ObservationState: 1,
	}))
	require.NoError(t, tx.ReplaceContext(ctx, model.MachineContext{
		MachineID: 1, Range: span(10, 20), MachineMode: 2, ObservationState: 1,
	}))

	segs, err := tx.ContextSegments(ctx, 1, model.OpenRange(at(0)))
	require.NoError(t, err)
	assert.Equal(t, []string{
		span(0, 10).String(),
		span(10, 20).String(),
		model.OpenRange(at(20)).String(),
	}, rangesOf(segs, segRange))
	assert.Equal(t, []int64{1, 2, 1}, []int64{segs[0].MachineMode, segs[1].MachineMode, segs[2].MachineMode})

	until, ok, err := tx.ObservedUntil(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, until.IsZero(), "open latest segment")

	_, ok, err = tx.ObservedUntil(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContextSegments_HalfOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	require.NoError(t, tx.ReplaceContext(ctx, model.MachineContext{
		MachineID: 1, Range: span(0, 10), MachineMode: 1, ObservationState: 1,
	}))

	segs, err := tx.ContextSegments(ctx, 1, span(10, 20))
	require.NoError(t, err)
	assert.Empty(t, segs, "a segment ending at the range begin does not overlap")

	until, ok, err := tx.ObservedUntil(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, until.Equal(at(10)))
}

func TestProposals_RoundTripAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	restricted := span(5, 8)
	first := model.ReasonProposal{
		MachineID:      1,
		ModificationID: 10,
		Kind:           model.KindAuto,
		Range:          span(0, 10),
		Reason:         42,
		Score:          80,
		Details:        "detected",
		Data:           model.Data{"operator": "ann"},
		Restriction:    model.Restriction{Range: &restricted, MachineMode: 3},
		AppliedOrder:   7,
	}
	second := model.ReasonProposal{
		MachineID:      1,
		ModificationID: 11,
		Kind:           model.KindManual,
		Range:          model.OpenRange(at(2)),
		Reason:         43,
		Score:          100,
		AppliedOrder:   3,
	}
	require.NoError(t, tx.InsertProposal(ctx, &first))
	require.NoError(t, tx.InsertProposal(ctx, &second))
	assert.NotZero(t, first.ID)

	got, err := tx.ProposalsOverlapping(ctx, 1, span(4, 6))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID, "application order")
	assert.Equal(t, first.ID, got[1].ID)

	p := got[1]
	assert.Equal(t, model.KindAuto, p.Kind)
	assert.Equal(t, model.ReasonID(42), p.Reason)
	assert.Equal(t, 80.0, p.Score)
	assert.Equal(t, "detected", p.Details)
	assert.True(t, p.Data.Equal(model.Data{"operator": "ann"}))
	require.NotNil(t, p.Restriction.Range)
	assert.Equal(t, restricted.String(), p.Restriction.Range.String())
	assert.Equal(t, int64(3), p.Restriction.MachineMode)
	assert.True(t, got[0].Range.IsOpen())

	p.Range = span(0, 5)
	require.NoError(t, tx.UpdateProposal(ctx, p))
	got, err = tx.ProposalsOverlapping(ctx, 1, span(6, 7))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)

	mine, err := tx.ProposalsOf(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.NoError(t, tx.DeleteProposal(ctx, mine[0].ID))

	mine, err = tx.ProposalsOf(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, mine)

	order, err := tx.NextApplicationOrder(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), order, "application orders are drawn from the sequence, not from stored proposals")
}

func TestUpdateProposal_NotFound(t *testing.T) {
	s := openTestStore(t)
	tx := beginTx(t, s, engine.TxReadWrite)

	err := tx.UpdateProposal(context.Background(), model.ReasonProposal{ID: 99, MachineID: 1, Range: span(0, 1)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testSlot(from, to int, reason model.ReasonID) model.ReasonSlot {
	return model.ReasonSlot{
		MachineID:        1,
		Range:            span(from, to),
		MachineMode:      1,
		ObservationState: 1,
		Reason:           reason,
		Score:            model.DefaultReasonScore,
		Source:           model.SourceDefault,
	}
}

func TestSlots_TouchingAndReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	require.NoError(t, tx.ReplaceSlots(ctx, 1, span(0, 30), []model.ReasonSlot{
		testSlot(0, 10, 5),
		testSlot(10, 20, 6),
		testSlot(20, 30, 7),
	}))

	touching, err := tx.SlotsOverlapping(ctx, 1, span(10, 20))
	require.NoError(t, err)
	assert.Equal(t, []string{span(0, 10).String(), span(10, 20).String(), span(20, 30).String()},
		rangesOf(touching, slotRange))

	merged := testSlot(10, 30, 9)
	merged.Source = model.ReasonSource{Manual: true, UnsafeAutoReasonNumber: true}
	merged.Data = model.Data{"n": int64(2)}
	merged.OverwriteRequired = true
	merged.AutoReasonNumber = 2
	require.NoError(t, tx.ReplaceSlots(ctx, 1, span(10, 30), []model.ReasonSlot{merged}))

	all, err := tx.SlotsOverlapping(ctx, 1, model.OpenRange(at(0)))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.ReasonID(5), all[0].Reason)

	got := all[1]
	assert.Equal(t, span(10, 30).String(), got.Range.String())
	assert.Equal(t, merged.Source, got.Source)
	assert.True(t, got.OverwriteRequired)
	assert.Equal(t, 2, got.AutoReasonNumber)
	assert.True(t, got.Data.Equal(merged.Data))
}

func TestFlaggedSlots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tx := beginTx(t, s, engine.TxReadWrite)

	recount := testSlot(20, 30, 5)
	recount.Source.UnsafeAutoReasonNumber = true
	require.NoError(t, tx.ReplaceSlots(ctx, 1, span(0, 30), []model.ReasonSlot{
		testSlot(0, 10, 5),
		testSlot(10, 20, model.ReasonProcessing),
		recount,
	}))

	flagged, err := tx.FlaggedSlots(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{span(10, 20).String(), span(20, 30).String()}, rangesOf(flagged, slotRange))
}
