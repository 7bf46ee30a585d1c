package model

import "fmt"

// ReasonID references a reason of the reason vocabulary.
type ReasonID int64

// Reasons the engine itself relies on.
const (
	ReasonUndefined  ReasonID = 1
	ReasonMotion     ReasonID = 2
	ReasonOff        ReasonID = 6
	ReasonUnknown    ReasonID = 7
	ReasonProcessing ReasonID = 8
)

// Default scores.
const (
	DefaultReasonScore = 10.0
	ActiveReasonScore  = 90.0
	ManualReasonScore  = 100.0
)

// ReasonSource is the provenance of the reason of a slot.
//
// It replaces the legacy bit set with named flags. Default, Auto and Manual
// are the provenance components; the two Unsafe markers are independent.
type ReasonSource struct {
	Default bool `json:"default,omitempty"`
	Auto    bool `json:"auto,omitempty"`
	Manual  bool `json:"manual,omitempty"`

	// DefaultIsAuto marks a default reason that was configured as an auto reason.
	DefaultIsAuto bool `json:"default_is_auto,omitempty"`

	// UnsafeManualFlag marks a slot whose Manual component must be re-checked.
	UnsafeManualFlag bool `json:"unsafe_manual_flag,omitempty"`

	// UnsafeAutoReasonNumber marks a slot whose auto_reason_number is
	// approximate and must be recounted.
	UnsafeAutoReasonNumber bool `json:"unsafe_auto_reason_number,omitempty"`
}

// Legacy integer codes of the stored bit set.
const (
	sourceCodeDefault                int64 = 1
	sourceCodeAuto                   int64 = 2
	sourceCodeManual                 int64 = 4
	sourceCodeUnsafeManualFlag       int64 = 8
	sourceCodeUnsafeAutoReasonNumber int64 = 16
	sourceCodeDefaultIsAuto          int64 = 32
)

// sourceCombinations is the mapping table of the main provenance
// combinations to their legacy codes. Combinations marked legacy are kept
// representable but the consolidator only produces them through the
// precedence rules, never as a designed target.
var sourceCombinations = []struct {
	name   string
	src    ReasonSource
	code   int64
	legacy bool
}{
	{"Default", ReasonSource{Default: true}, 1, false},
	{"Auto", ReasonSource{Auto: true}, 2, false},
	{"DefaultAuto", ReasonSource{Default: true, Auto: true}, 3, false},
	{"Manual", ReasonSource{Manual: true}, 4, false},
	{"DefaultManual", ReasonSource{Default: true, Manual: true}, 5, true},
	{"AutoManual", ReasonSource{Auto: true, Manual: true}, 6, false},
	{"DefaultAutoManual", ReasonSource{Default: true, Auto: true, Manual: true}, 7, true},
}

// SourceDefault is the provenance of a slot that fell back to the default reason.
var SourceDefault = ReasonSource{Default: true}

// Main returns the provenance components without the independent markers.
func (s ReasonSource) Main() ReasonSource {
	return ReasonSource{Default: s.Default, Auto: s.Auto, Manual: s.Manual}
}

// IsDefaultOnly reports the plain Default provenance.
func (s ReasonSource) IsDefaultOnly() bool {
	return s.Main() == SourceDefault
}

// IsLegacy reports a combination documented as historical.
func (s ReasonSource) IsLegacy() bool {
	main := s.Main()
	for _, c := range sourceCombinations {
		if c.src == main {
			return c.legacy
		}
	}
	return false
}

// String returns the combination name followed by its markers.
func (s ReasonSource) String() string {
	name := "None"
	main := s.Main()
	for _, c := range sourceCombinations {
		if c.src == main {
			name = c.name
			break
		}
	}
	if s.DefaultIsAuto {
		name += "+DefaultIsAuto"
	}
	if s.UnsafeManualFlag {
		name += "+UnsafeManualFlag"
	}
	if s.UnsafeAutoReasonNumber {
		name += "+UnsafeAutoReasonNumber"
	}
	return name
}

// Code returns the legacy integer code used for storage.
func (s ReasonSource) Code() int64 {
	var code int64
	if s.Default {
		code |= sourceCodeDefault
	}
	if s.Auto {
		code |= sourceCodeAuto
	}
	if s.Manual {
		code |= sourceCodeManual
	}
	if s.UnsafeManualFlag {
		code |= sourceCodeUnsafeManualFlag
	}
	if s.UnsafeAutoReasonNumber {
		code |= sourceCodeUnsafeAutoReasonNumber
	}
	if s.DefaultIsAuto {
		code |= sourceCodeDefaultIsAuto
	}
	return code
}

// ReasonSourceFromCode decodes a stored legacy code.
func ReasonSourceFromCode(code int64) (ReasonSource, error) {
	const known = sourceCodeDefault | sourceCodeAuto | sourceCodeManual |
		sourceCodeUnsafeManualFlag | sourceCodeUnsafeAutoReasonNumber | sourceCodeDefaultIsAuto
	if code&^known != 0 {
		return ReasonSource{}, fmt.Errorf("unknown reason source bits in %d", code)
	}
	return ReasonSource{
		Default:                code&sourceCodeDefault != 0,
		Auto:                   code&sourceCodeAuto != 0,
		Manual:                 code&sourceCodeManual != 0,
		UnsafeManualFlag:       code&sourceCodeUnsafeManualFlag != 0,
		UnsafeAutoReasonNumber: code&sourceCodeUnsafeAutoReasonNumber != 0,
		DefaultIsAuto:          code&sourceCodeDefaultIsAuto != 0,
	}, nil
}
