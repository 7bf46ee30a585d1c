package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/config"
)

func minutes(n int) config.Duration {
	return config.Duration(time.Duration(n) * time.Minute)
}

func endAt(n int) *config.Duration {
	d := minutes(n)
	return &d
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }

func testSnapshot() *Snapshot {
	return &Snapshot{
		Scenario: "assertions",
		Machines: []MachineSnapshot{
			{
				Machine: 1,
				Slots: []SlotSnapshot{
					{Begin: "0s", End: "10m0s", Mode: 1, State: 1, Reason: 20, Source: "Default"},
					{Begin: "10m0s", End: "20m0s", Mode: 1, State: 1, Reason: 50, Source: "Auto", Autos: 2, OverwriteRequired: true},
					{Begin: "20m0s", Mode: 1, State: 1, Reason: 20, Source: "Default"},
				},
				Proposals: 2,
			},
		},
		Records: []RecordSnapshot{
			{Label: "a", Ref: "machine/1/2", Status: "Done", Iterations: 1},
			{Label: "b", Ref: "machine/1/3", Status: "InProgress", Iterations: 2, Remaining: 1},
		},
	}
}

func TestAssertSlots_Pass(t *testing.T) {
	err := assertSlots(testSnapshot(), Assertion{
		Type:    AssertSlots,
		Machine: 1,
		Slots: []ExpectedSlot{
			{Begin: minutes(0), End: endAt(10), Reason: 20, Source: "Default"},
			{Begin: minutes(10), End: endAt(20), Reason: 50, Autos: intPtr(2), OverwriteRequired: boolPtr(true)},
			{Begin: minutes(20), Reason: 20},
		},
	})
	assert.NoError(t, err)
}

func TestAssertSlots_CountMismatch(t *testing.T) {
	err := assertSlots(testSnapshot(), Assertion{
		Type:    AssertSlots,
		Machine: 1,
		Slots:   []ExpectedSlot{{Begin: minutes(0), Reason: 20}},
	})
	require.Error(t, err)

	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "1 slots on machine 1", aerr.Expected)
	assert.Equal(t, "3 slots", aerr.Actual)
	assert.Len(t, aerr.Timeline, 3)
	assert.Contains(t, err.Error(), "[2] [10m0s,20m0s) reason=50 Auto autos=2 overwrite_required")
}

func TestAssertSlots_FieldMismatch(t *testing.T) {
	base := []ExpectedSlot{
		{Begin: minutes(0), End: endAt(10), Reason: 20},
		{Begin: minutes(10), End: endAt(20), Reason: 50},
		{Begin: minutes(20), Reason: 20},
	}

	tests := []struct {
		name   string
		modify func(slots []ExpectedSlot)
		want   string
	}{
		{"range", func(s []ExpectedSlot) { s[2].End = endAt(30) }, "slot 3 of machine 1: range [20m0s,30m0s)"},
		{"reason", func(s []ExpectedSlot) { s[1].Reason = 51 }, "slot 2 of machine 1: reason 51"},
		{"source", func(s []ExpectedSlot) { s[0].Source = "Manual" }, "slot 1 of machine 1: source Manual"},
		{"autos", func(s []ExpectedSlot) { s[1].Autos = intPtr(1) }, "slot 2 of machine 1: autos 1"},
		{"overwrite", func(s []ExpectedSlot) { s[0].OverwriteRequired = boolPtr(true) }, "slot 1 of machine 1: overwrite_required true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots := append([]ExpectedSlot(nil), base...)
			tt.modify(slots)
			err := assertSlots(testSnapshot(), Assertion{Type: AssertSlots, Machine: 1, Slots: slots})

			var aerr *AssertionError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, tt.want, aerr.Expected)
		})
	}
}

func TestAssertSlots_UnknownMachineIsEmpty(t *testing.T) {
	assert.NoError(t, assertSlots(testSnapshot(), Assertion{Type: AssertSlots, Machine: 9}))
}

func TestAssertStatus(t *testing.T) {
	snap := testSnapshot()
	assert.NoError(t, assertStatus(snap, Assertion{Type: AssertStatus, Record: "a", Status: "Done"}))

	err := assertStatus(snap, Assertion{Type: AssertStatus, Record: "b", Status: "Done"})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "b (machine/1/3) in status Done", aerr.Expected)
	assert.Equal(t, "InProgress", aerr.Actual)

	err = assertStatus(snap, Assertion{Type: AssertStatus, Record: "missing", Status: "Done"})
	assert.ErrorContains(t, err, `unknown record "missing"`)
}

func TestAssertRemaining(t *testing.T) {
	snap := testSnapshot()
	assert.NoError(t, assertRemaining(snap, Assertion{Type: AssertRemaining, Record: "b", Count: intPtr(1)}))

	err := assertRemaining(snap, Assertion{Type: AssertRemaining, Record: "a", Count: intPtr(2)})
	assert.ErrorContains(t, err, "2 remaining modifications for a")
}

func TestAssertProposals(t *testing.T) {
	snap := testSnapshot()
	assert.NoError(t, assertProposals(snap, Assertion{Type: AssertProposals, Machine: 1, Count: intPtr(2)}))
	assert.NoError(t, assertProposals(snap, Assertion{Type: AssertProposals, Machine: 4, Count: intPtr(0)}))

	err := assertProposals(snap, Assertion{Type: AssertProposals, Machine: 1, Count: intPtr(0)})
	assert.ErrorContains(t, err, "0 proposals on machine 1")
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	errors := EvaluateAssertions(testSnapshot(), []Assertion{
		{Type: AssertStatus, Record: "a", Status: "Done"},
		{Type: AssertProposals, Machine: 1, Count: intPtr(2)},
		{Type: AssertRemaining, Record: "a", Count: intPtr(0)},
	})
	assert.Empty(t, errors)
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	errors := EvaluateAssertions(testSnapshot(), []Assertion{
		{Type: AssertStatus, Record: "a", Status: "Done"},
		{Type: AssertStatus, Record: "b", Status: "Done"},
		{Type: AssertProposals, Machine: 1, Count: intPtr(5)},
	})
	assert.Len(t, errors, 2)
}

func TestEvaluateAssertions_MissingCount(t *testing.T) {
	errors := EvaluateAssertions(testSnapshot(), []Assertion{
		{Type: AssertRemaining, Record: "a"},
		{Type: AssertProposals, Machine: 1},
	})
	require.Len(t, errors, 2)
	assert.Contains(t, errors[0], "assertion[0]: remaining requires count")
	assert.Contains(t, errors[1], "assertion[1]: proposals requires count")
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errors := EvaluateAssertions(testSnapshot(), []Assertion{{Type: "final_state"}})
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0], `unknown assertion type "final_state"`)
}
