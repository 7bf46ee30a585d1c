package model

import (
	"encoding/json"
	"time"
)

// Sequencer hands out completion order values. Values must be strictly
// increasing across calls.
type Sequencer interface {
	Next() int64
}

// Modification is an asynchronous unit of change progressing through the
// status state machine.
//
// Children are never embedded; they are retrieved by parent reference
// through the persistence layer.
type Modification struct {
	Ref    ModificationRef  `json:"ref"`
	Parent *ModificationRef `json:"parent,omitempty"`

	// Type selects the analyzer. Payload is the analyzer specific JSON body.
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Priority       int             `json:"priority"`
	StatusPriority int             `json:"status_priority"`
	Status         AnalysisStatus  `json:"status"`
	NextStatus     *AnalysisStatus `json:"next_status,omitempty"`
	Message        string          `json:"message,omitempty"`

	// Auto modifications are physically removed once completed successfully.
	Auto      bool      `json:"auto"`
	CreatedAt time.Time `json:"created_at"`

	Iterations      int           `json:"iterations"`
	TotalDuration   time.Duration `json:"total_duration"`
	LastDuration    time.Duration `json:"last_duration"`
	StepSpan        time.Duration `json:"step_span"`
	AnalysisBegin   time.Time     `json:"analysis_begin"`
	AnalysisEnd     time.Time     `json:"analysis_end"`
	CompletionOrder *int64        `json:"completion_order,omitempty"`
	TimeoutCount    int           `json:"timeout_count"`

	// AppliedUntil records the progress of range based analyzers between attempts.
	AppliedUntil time.Time `json:"applied_until"`

	// Version is the stored row version, checked on save to detect
	// concurrent writers.
	Version int64 `json:"-"`
}

// Step span tuning values.
const (
	stepSpanGrowthRate      = 1.2
	stepSpanGrowthThreshold = 0.70
)

// NewModification creates a New record in the given partition. The id is
// assigned when the record is stored.
func NewModification(scope Scope, machineID int64, typ string, priority int, createdAt time.Time) *Modification {
	return &Modification{
		Ref:            ModificationRef{Scope: scope, MachineID: machineID},
		Type:           typ,
		Priority:       priority,
		StatusPriority: priority,
		Status:         StatusNew,
		CreatedAt:      createdAt.UTC(),
	}
}

// SetParent attaches the record to a parent through its tagged reference.
func (m *Modification) SetParent(parent ModificationRef) {
	p := parent
	m.Parent = &p
}

// HasParent reports whether the record is a sub-modification.
func (m *Modification) HasParent() bool {
	return m.Parent != nil
}

// IsGlobal reports whether the record belongs to the global partition.
func (m *Modification) IsGlobal() bool {
	return m.Ref.Scope == ScopeGlobal
}

// setStatus applies a transition. A terminal record never goes back to a
// not completed status. The completion order is assigned on the first
// terminal transition and never reassigned.
func (m *Modification) setStatus(status AnalysisStatus, seq Sequencer) {
	if m.Status.IsTerminal() && status.IsNotCompleted() {
		return
	}
	m.Status = status
	if status.IsTerminal() && m.CompletionOrder == nil {
		order := seq.Next()
		m.CompletionOrder = &order
	}
}

// BeginAttempt records the start of an analysis attempt.
func (m *Modification) BeginAttempt(now time.Time) {
	m.Iterations++
	if m.AnalysisBegin.IsZero() {
		m.AnalysisBegin = now.UTC()
	}
}

// EndAttempt records the duration of the attempt that just finished.
func (m *Modification) EndAttempt(now time.Time, duration time.Duration) {
	m.LastDuration = duration
	m.TotalDuration += duration
	m.AnalysisEnd = now.UTC()
}

// EffectiveStepSpan returns the current attempt budget, defaulting to def.
func (m *Modification) EffectiveStepSpan(def time.Duration) time.Duration {
	if m.StepSpan <= 0 {
		return def
	}
	return m.StepSpan
}

// ShrinkStepSpan reduces the attempt budget after a step timeout.
func (m *Modification) ShrinkStepSpan(def time.Duration, rate float64, min time.Duration) {
	span := time.Duration(float64(m.EffectiveStepSpan(def)) * rate)
	if span < min {
		span = min
	}
	m.StepSpan = span
}

// GrowStepSpan raises a previously shrunk budget when the last attempt used
// less than 70% of it. The budget never exceeds max.
func (m *Modification) GrowStepSpan(max time.Duration) {
	if m.StepSpan <= 0 || m.StepSpan >= max {
		return
	}
	if float64(m.LastDuration) >= stepSpanGrowthThreshold*float64(m.StepSpan) {
		return
	}
	span := time.Duration(float64(m.StepSpan) * stepSpanGrowthRate)
	if span > max {
		span = max
	}
	m.StepSpan = span
}

// MarkAsCompleted sets Done and clears the scheduling hint.
func (m *Modification) MarkAsCompleted(seq Sequencer) {
	m.NextStatus = nil
	m.StatusPriority = m.Priority
	m.setStatus(StatusDone, seq)
}

// MarkAsPendingSubModifications waits for children, adopting next once they complete.
func (m *Modification) MarkAsPendingSubModifications(next AnalysisStatus) {
	n := next
	m.NextStatus = &n
	m.StatusPriority = m.Priority
	m.setStatus(StatusPendingSubModifications, nil)
}

// MarkAsInProgress records partial progress; the next attempt resumes from appliedUntil.
func (m *Modification) MarkAsInProgress(appliedUntil time.Time) {
	if !appliedUntil.IsZero() {
		m.AppliedUntil = appliedUntil.UTC()
	}
	m.StatusPriority = m.Priority - 1
	m.setStatus(StatusInProgress, nil)
}

// MarkAsPending postpones the analysis, typically until data exists.
func (m *Modification) MarkAsPending(message string) {
	m.Message = message
	m.StatusPriority = m.Priority - 1
	m.setStatus(StatusPending, nil)
}

// MarkAsStepTimeout reschedules after an attempt exceeded its step span.
func (m *Modification) MarkAsStepTimeout() {
	m.StatusPriority = m.Priority
	m.setStatus(StatusStepTimeout, nil)
}

// MarkAsTimeout reschedules after the total timeout was exceeded.
func (m *Modification) MarkAsTimeout() {
	m.TimeoutCount++
	m.StatusPriority = m.Priority
	m.setStatus(StatusTimeout, nil)
}

// MarkAsDatabaseTimeout reschedules after the storage layer timed out.
func (m *Modification) MarkAsDatabaseTimeout() {
	m.TimeoutCount++
	m.StatusPriority = m.Priority
	m.setStatus(StatusDatabaseTimeout, nil)
}

func (m *Modification) markTerminal(status AnalysisStatus, message string, seq Sequencer) {
	if message != "" {
		m.Message = message
	}
	m.NextStatus = nil
	m.setStatus(status, seq)
}

// MarkAsError completes the record in error.
func (m *Modification) MarkAsError(message string, seq Sequencer) {
	m.markTerminal(StatusError, message, seq)
}

// MarkAsConstraintIntegrityViolation completes the record in error. It is never retried.
func (m *Modification) MarkAsConstraintIntegrityViolation(message string, seq Sequencer) {
	m.markTerminal(StatusConstraintIntegrityViolation, message, seq)
}

// MarkAsNotApplicable completes the record without effect.
func (m *Modification) MarkAsNotApplicable(message string, seq Sequencer) {
	m.markTerminal(StatusNotApplicable, message, seq)
}

// MarkAsAncestorNotApplicable requests the ancestor to become not applicable.
func (m *Modification) MarkAsAncestorNotApplicable(message string, seq Sequencer) {
	m.markTerminal(StatusAncestorNotApplicable, message, seq)
}

// MarkAsAncestorError requests the ancestor to complete in error.
func (m *Modification) MarkAsAncestorError(message string, seq Sequencer) {
	m.markTerminal(StatusAncestorError, message, seq)
}

// MarkAsParentInError completes a child whose parent was cancelled or failed.
func (m *Modification) MarkAsParentInError(message string, seq Sequencer) {
	m.markTerminal(StatusParentInError, message, seq)
}

// MarkAsTimeoutCanceled completes a record whose timeouts persisted.
func (m *Modification) MarkAsTimeoutCanceled(seq Sequencer) {
	m.markTerminal(StatusTimeoutCanceled, "timeout persisted", seq)
}

// MarkAsDatabaseTimeoutCanceled completes a record whose database timeouts persisted.
func (m *Modification) MarkAsDatabaseTimeoutCanceled(seq Sequencer) {
	m.markTerminal(StatusDatabaseTimeoutCanceled, "database timeout persisted", seq)
}

// MarkAsObsolete completes a record that was too old at first pickup.
func (m *Modification) MarkAsObsolete(seq Sequencer) {
	m.markTerminal(StatusObsolete, "obsolete", seq)
}

// MarkAsCanceled completes a cancelled record.
func (m *Modification) MarkAsCanceled(message string, seq Sequencer) {
	m.markTerminal(StatusCancel, message, seq)
}

// MarkAsDonePurge converts a successful auto record into its delayed purge variant.
func (m *Modification) MarkAsDonePurge(seq Sequencer) {
	if m.Status == StatusDone {
		m.Status = StatusDonePurge
		return
	}
	m.markTerminal(StatusDonePurge, "", seq)
}

// MarkAllSubModificationsCompleted resolves a record waiting for its
// children, given their terminal statuses, and returns the new status.
//
// An explicit AncestorError child fails the record; any other child error
// gives ChildInError whatever next status was recorded; an
// AncestorNotApplicable child makes the record not applicable. Requests from
// children keep travelling up when the record has a parent itself.
func (m *Modification) MarkAllSubModificationsCompleted(children []AnalysisStatus, seq Sequencer) AnalysisStatus {
	if m.Status != StatusPendingSubModifications {
		return m.Status
	}

	var ancestorError, childError, ancestorNotApplicable bool
	for _, s := range children {
		switch {
		case s == StatusAncestorError:
			ancestorError = true
		case s.IsInError():
			childError = true
		case s == StatusAncestorNotApplicable:
			ancestorNotApplicable = true
		}
	}

	switch {
	case ancestorError:
		if m.HasParent() {
			m.MarkAsAncestorError("sub-modification requested an error", seq)
		} else {
			m.MarkAsError("sub-modification requested an error", seq)
		}
	case childError:
		m.markTerminal(StatusChildInError, "sub-modification in error", seq)
	case ancestorNotApplicable:
		if m.HasParent() {
			m.MarkAsAncestorNotApplicable("sub-modification not applicable", seq)
		} else {
			m.MarkAsNotApplicable("sub-modification not applicable", seq)
		}
	default:
		next := StatusDone
		if m.NextStatus != nil {
			next = *m.NextStatus
		}
		m.NextStatus = nil
		m.StatusPriority = m.Priority
		m.setStatus(next, seq)
	}
	return m.Status
}
