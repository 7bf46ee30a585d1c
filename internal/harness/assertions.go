package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string         // Assertion type for categorization
	Expected string         // Human-readable expected outcome
	Actual   string         // Human-readable actual outcome
	Timeline []SlotSnapshot // Machine timeline for context, if any
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Timeline) > 0 {
		fmt.Fprintf(&buf, "\nTimeline:\n")
		for i, s := range e.Timeline {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, s)
		}
	}
	return buf.String()
}

// String formats the slot as "[10m0s,20m0s) reason=40 Manual autos=0".
func (s SlotSnapshot) String() string {
	out := fmt.Sprintf("[%s,%s) reason=%d %s autos=%d", s.Begin, s.End, s.Reason, s.Source, s.Autos)
	if s.OverwriteRequired {
		out += " overwrite_required"
	}
	return out
}

// assertSlots checks the machine timeline slot by slot.
func assertSlots(snap *Snapshot, assertion Assertion) error {
	var actual []SlotSnapshot
	if m := snap.Machine(assertion.Machine); m != nil {
		actual = m.Slots
	}

	if len(actual) != len(assertion.Slots) {
		return &AssertionError{
			Type:     AssertSlots,
			Expected: fmt.Sprintf("%d slots on machine %d", len(assertion.Slots), assertion.Machine),
			Actual:   fmt.Sprintf("%d slots", len(actual)),
			Timeline: actual,
		}
	}

	for i, want := range assertion.Slots {
		if diff := compareSlot(want, actual[i]); diff != "" {
			return &AssertionError{
				Type:     AssertSlots,
				Expected: fmt.Sprintf("slot %d of machine %d: %s", i+1, assertion.Machine, diff),
				Actual:   actual[i].String(),
				Timeline: actual,
			}
		}
	}
	return nil
}

// compareSlot returns a description of the first mismatch, "" on match.
func compareSlot(want ExpectedSlot, got SlotSnapshot) string {
	begin := want.Begin.String()
	end := ""
	if want.End != nil {
		end = want.End.String()
	}
	switch {
	case got.Begin != begin || got.End != end:
		return fmt.Sprintf("range [%s,%s)", begin, end)
	case got.Reason != want.Reason:
		return fmt.Sprintf("reason %d", want.Reason)
	case want.Source != "" && got.Source != want.Source:
		return fmt.Sprintf("source %s", want.Source)
	case want.Autos != nil && got.Autos != *want.Autos:
		return fmt.Sprintf("autos %d", *want.Autos)
	case want.OverwriteRequired != nil && got.OverwriteRequired != *want.OverwriteRequired:
		return fmt.Sprintf("overwrite_required %t", *want.OverwriteRequired)
	}
	return ""
}

// assertStatus checks the final status of a labeled record.
func assertStatus(snap *Snapshot, assertion Assertion) error {
	rec := snap.Record(assertion.Record)
	if rec == nil {
		return fmt.Errorf("status assertion: unknown record %q", assertion.Record)
	}
	if rec.Status != assertion.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s (%s) in status %s", assertion.Record, rec.Ref, assertion.Status),
			Actual:   rec.Status,
		}
	}
	return nil
}

// assertRemaining checks the not completed count below a labeled record.
func assertRemaining(snap *Snapshot, assertion Assertion) error {
	rec := snap.Record(assertion.Record)
	if rec == nil {
		return fmt.Errorf("remaining assertion: unknown record %q", assertion.Record)
	}
	if rec.Remaining != *assertion.Count {
		return &AssertionError{
			Type:     AssertRemaining,
			Expected: fmt.Sprintf("%d remaining modifications for %s", *assertion.Count, assertion.Record),
			Actual:   fmt.Sprintf("%d remaining", rec.Remaining),
		}
	}
	return nil
}

// assertProposals checks the number of stored proposals of a machine.
func assertProposals(snap *Snapshot, assertion Assertion) error {
	count := 0
	var timeline []SlotSnapshot
	if m := snap.Machine(assertion.Machine); m != nil {
		count = m.Proposals
		timeline = m.Slots
	}
	if count != *assertion.Count {
		return &AssertionError{
			Type:     AssertProposals,
			Expected: fmt.Sprintf("%d proposals on machine %d", *assertion.Count, assertion.Machine),
			Actual:   fmt.Sprintf("%d proposals", count),
			Timeline: timeline,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the snapshot.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(snap *Snapshot, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertSlots:
			err = assertSlots(snap, assertion)
		case AssertStatus:
			err = assertStatus(snap, assertion)
		case AssertRemaining:
			if assertion.Count == nil {
				err = fmt.Errorf("assertion[%d]: remaining requires count", i)
			} else {
				err = assertRemaining(snap, assertion)
			}
		case AssertProposals:
			if assertion.Count == nil {
				err = fmt.Errorf("assertion[%d]: proposals requires count", i)
			} else {
				err = assertProposals(snap, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
