package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Modification types handled by the reason analyzers.
const (
	TypeReasonMachineAssociation = "reason_machine_association"
	TypeGlobalReasonAssociation  = "global_reason_association"
	TypeMachineContextChange     = "machine_context_change"
)

// AssociationKind is the kind of a reason machine association.
type AssociationKind string

const (
	KindManual                    AssociationKind = "manual"
	KindAuto                      AssociationKind = "auto"
	KindAutoWithOverwriteRequired AssociationKind = "auto_overwrite"
	KindReset                     AssociationKind = "reset"
	KindTrackDynamicEnd           AssociationKind = "track_dynamic_end"
)

// ValidateKind checks if kind is a known association kind.
func ValidateKind(kind string) error {
	switch AssociationKind(kind) {
	case KindManual, KindAuto, KindAutoWithOverwriteRequired, KindReset, KindTrackDynamicEnd:
		return nil
	default:
		return fmt.Errorf("invalid association kind %q", kind)
	}
}

// IsAuto reports both auto kinds.
func (k AssociationKind) IsAuto() bool {
	return k == KindAuto || k == KindAutoWithOverwriteRequired
}

// ProducesProposal reports kinds converted into reason proposals.
func (k AssociationKind) ProducesProposal() bool {
	return k == KindManual || k.IsAuto()
}

// AssociationOption holds the option flags of an association.
type AssociationOption struct {
	// DynamicEndBeforeRealEnd cancels the association when the resolved
	// dynamic end lands after the fixed end.
	DynamicEndBeforeRealEnd bool `json:"dynamic_end_before_real_end,omitempty"`

	// ProgressiveStrategy applies the association up to the fixed end before
	// the dynamic end is known, and corrects it later.
	ProgressiveStrategy bool `json:"progressive_strategy,omitempty"`
}

// Restriction limits where a proposal contributes. Zero values mean no restriction.
type Restriction struct {
	Range            *Range `json:"range,omitempty"`
	MachineMode      int64  `json:"machine_mode,omitempty"`
	ObservationState int64  `json:"observation_state,omitempty"`
}

// IsZero reports the absence of any restriction.
func (r Restriction) IsZero() bool {
	return r.Range == nil && r.MachineMode == 0 && r.ObservationState == 0
}

// ReasonMachineAssociation is the payload of a machine-scoped modification
// proposing a reason for a time range.
type ReasonMachineAssociation struct {
	Kind  AssociationKind `json:"kind"`
	Range Range           `json:"range"`

	// Dynamic is "<start-resolver>,<end-resolver>"; an empty side uses the fixed bound.
	Dynamic string `json:"dynamic,omitempty"`

	// Reason zero on a manual association resets the manual reason.
	Reason  ReasonID `json:"reason,omitempty"`
	Score   float64  `json:"score"`
	Details string   `json:"details,omitempty"`
	Data    Data     `json:"data,omitempty"`

	Option      AssociationOption `json:"option"`
	Restriction Restriction       `json:"restriction"`

	// Resolved is set once the dynamic bounds were resolved into Range.
	Resolved bool `json:"resolved,omitempty"`
}

// IsDynamic reports a dynamic descriptor that still needs resolution.
func (a *ReasonMachineAssociation) IsDynamic() bool {
	return a.Dynamic != "" && !a.Resolved
}

// DynamicBounds splits the dynamic descriptor into its start and end
// resolver names. A descriptor without a comma names the end resolver.
func (a *ReasonMachineAssociation) DynamicBounds() (start, end string) {
	if a.Dynamic == "" {
		return "", ""
	}
	before, after, found := strings.Cut(a.Dynamic, ",")
	if !found {
		return "", strings.TrimSpace(before)
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}

// Validate checks the static consistency of the payload.
func (a *ReasonMachineAssociation) Validate() error {
	if err := ValidateKind(string(a.Kind)); err != nil {
		return err
	}
	if a.Range.Begin.IsZero() {
		return fmt.Errorf("association range has no begin")
	}
	if !a.Range.Valid() {
		return fmt.Errorf("association range %s ends before it begins", a.Range)
	}
	if a.Range.IsEmpty() && a.Dynamic == "" {
		return fmt.Errorf("association range %s is empty", a.Range)
	}
	if a.Kind.IsAuto() && a.Reason == 0 {
		return fmt.Errorf("%s association requires a reason", a.Kind)
	}
	if a.Kind == KindReset && a.Dynamic != "" {
		return fmt.Errorf("reset association cannot be dynamic")
	}
	if a.Score < 0 {
		return fmt.Errorf("negative reason score %v", a.Score)
	}
	return nil
}

// Normalize applies text normalization to free text fields.
func (a *ReasonMachineAssociation) Normalize() {
	a.Details = NormalizeText(a.Details)
	a.Range = NewRange(a.Range.Begin, a.Range.End)
	if a.Kind == KindManual && a.Score == 0 && a.Reason != 0 {
		a.Score = ManualReasonScore
	}
}

// GlobalReasonAssociation is the payload of a global modification applying
// one association to several machines through machine sub-modifications.
type GlobalReasonAssociation struct {
	MachineIDs  []int64                  `json:"machine_ids"`
	Association ReasonMachineAssociation `json:"association"`
}

// MachineContextChange is the payload of an auto modification recording the
// observed context of a machine over a range.
type MachineContextChange struct {
	Range            Range `json:"range"`
	MachineMode      int64 `json:"machine_mode"`
	ObservationState int64 `json:"observation_state"`
	Shift            int64 `json:"shift,omitempty"`
}

// EncodePayload serializes a payload for Modification.Payload.
func EncodePayload(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodeAssociation decodes a ReasonMachineAssociation payload.
func DecodeAssociation(raw json.RawMessage) (*ReasonMachineAssociation, error) {
	var a ReasonMachineAssociation
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode association: %w", err)
	}
	return &a, nil
}

// DecodeGlobalAssociation decodes a GlobalReasonAssociation payload.
func DecodeGlobalAssociation(raw json.RawMessage) (*GlobalReasonAssociation, error) {
	var g GlobalReasonAssociation
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode global association: %w", err)
	}
	return &g, nil
}

// DecodeContextChange decodes a MachineContextChange payload.
func DecodeContextChange(raw json.RawMessage) (*MachineContextChange, error) {
	var c MachineContextChange
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode context change: %w", err)
	}
	return &c, nil
}
