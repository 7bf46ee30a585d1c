package model

import "time"

// MachineContext is an observed context segment of a machine timeline.
// Segments of one machine never overlap.
type MachineContext struct {
	MachineID        int64 `json:"machine_id"`
	Range            Range `json:"range"`
	MachineMode      int64 `json:"machine_mode"`
	ObservationState int64 `json:"observation_state"`
	Shift            int64 `json:"shift,omitempty"`
}

// SameContext reports equal mode, state and shift.
func (c MachineContext) SameContext(o MachineContext) bool {
	return c.MachineMode == o.MachineMode && c.ObservationState == o.ObservationState && c.Shift == o.Shift
}

// ReasonProposal is a candidate reason for a sub-range of a machine
// timeline, produced by one association and not yet reconciled.
type ReasonProposal struct {
	ID             int64           `json:"id"`
	MachineID      int64           `json:"machine_id"`
	ModificationID int64           `json:"modification_id"`
	Kind           AssociationKind `json:"kind"`
	Range          Range           `json:"range"`
	Reason         ReasonID        `json:"reason,omitempty"`
	Score          float64         `json:"score"`
	Details        string          `json:"details,omitempty"`
	Data           Data            `json:"data,omitempty"`
	Restriction    Restriction     `json:"restriction"`

	// AppliedOrder orders proposals by application; ties among auto
	// proposals keep the lowest value.
	AppliedOrder int64 `json:"applied_order"`
}

// OverwriteRequired reports whether a winning proposal requires confirmation.
func (p ReasonProposal) OverwriteRequired() bool {
	return p.Kind == KindAutoWithOverwriteRequired
}

// IsManualReset reports a manual proposal without reason, kept for audit.
func (p ReasonProposal) IsManualReset() bool {
	return p.Kind == KindManual && p.Reason == 0
}

// Applies reports whether the proposal contributes to sub-range r observed
// under context c.
func (p ReasonProposal) Applies(r Range, c MachineContext) bool {
	if !p.Range.Covers(r) {
		return false
	}
	if p.Restriction.Range != nil && !p.Restriction.Range.Covers(r) {
		return false
	}
	if p.Restriction.MachineMode != 0 && p.Restriction.MachineMode != c.MachineMode {
		return false
	}
	if p.Restriction.ObservationState != 0 && p.Restriction.ObservationState != c.ObservationState {
		return false
	}
	return true
}

// ReasonSlot is a contiguous period of a machine timeline holding the
// effective reason and its provenance. Slots are produced only by the
// consolidator.
type ReasonSlot struct {
	MachineID         int64        `json:"machine_id"`
	Range             Range        `json:"range"`
	MachineMode       int64        `json:"machine_mode"`
	ObservationState  int64        `json:"observation_state"`
	Shift             int64        `json:"shift,omitempty"`
	Reason            ReasonID     `json:"reason"`
	Score             float64      `json:"score"`
	Details           string       `json:"details,omitempty"`
	Data              Data         `json:"data,omitempty"`
	Source            ReasonSource `json:"source"`
	OverwriteRequired bool         `json:"overwrite_required"`
	AutoReasonNumber  int          `json:"auto_reason_number"`
}

// IsProcessing reports the placeholder set while a reset is in progress.
func (s ReasonSlot) IsProcessing() bool {
	return s.Reason == ReasonProcessing
}

// Context returns the observed context of the slot.
func (s ReasonSlot) Context() MachineContext {
	return MachineContext{
		MachineID:        s.MachineID,
		Range:            s.Range,
		MachineMode:      s.MachineMode,
		ObservationState: s.ObservationState,
		Shift:            s.Shift,
	}
}

// Mergeable reports whether two adjacent slots carry identical values.
// The auto reason number and the Unsafe markers are not compared.
func (s ReasonSlot) Mergeable(o ReasonSlot) bool {
	if s.MachineID != o.MachineID || s.Range.IsOpen() || !s.Range.End.Equal(o.Range.Begin) {
		return false
	}
	return s.MachineMode == o.MachineMode &&
		s.ObservationState == o.ObservationState &&
		s.Shift == o.Shift &&
		s.Reason == o.Reason &&
		s.Score == o.Score &&
		s.Details == o.Details &&
		s.Source.Main() == o.Source.Main() &&
		s.Source.DefaultIsAuto == o.Source.DefaultIsAuto &&
		s.OverwriteRequired == o.OverwriteRequired &&
		s.Data.Equal(o.Data)
}

// MachineMode is a node of the externally configured machine mode hierarchy.
type MachineMode struct {
	ID     int64  `json:"id" yaml:"id"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Parent int64  `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// MachineModeDefaultReason maps a (machine mode, observation state) pair to
// its default reason. With a MaximumDuration the entry only applies to
// default periods shorter than it; a pair may carry several bounded entries
// and at most one unbounded entry.
type MachineModeDefaultReason struct {
	MachineMode      int64         `json:"machine_mode" yaml:"machine_mode"`
	ObservationState int64         `json:"observation_state" yaml:"observation_state"`
	Reason           ReasonID      `json:"reason" yaml:"reason"`
	Score            float64       `json:"score,omitempty" yaml:"score,omitempty"`
	Auto             bool          `json:"auto,omitempty" yaml:"auto,omitempty"`
	MaximumDuration  time.Duration `json:"maximum_duration,omitempty" yaml:"maximum_duration,omitempty"`
}

// DefaultReason is the result of a default reason lookup. DurationBound is
// set when the matched pair has bounded entries, so the result depends on
// the period duration.
type DefaultReason struct {
	Reason        ReasonID
	Score         float64
	Auto          bool
	DurationBound bool
}

// UndefinedDefault is returned when no configured entry matches.
var UndefinedDefault = DefaultReason{Reason: ReasonUndefined, Score: DefaultReasonScore}

// LogLevel is the severity of an analysis log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// AnalysisLog is an entry of the operator visible, append-only log.
type AnalysisLog struct {
	ID           int64            `json:"id"`
	Level        LogLevel         `json:"level"`
	Message      string           `json:"message"`
	Modification *ModificationRef `json:"modification,omitempty"`
	MachineID    int64            `json:"machine_id,omitempty"`
	Iterations   int              `json:"iterations,omitempty"`
	Status       string           `json:"status,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
