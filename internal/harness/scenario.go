package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/model"
)

// DefaultOrigin is the timeline origin of scenarios that do not set one.
var DefaultOrigin = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

// Scenario defines a timeline test scenario.
// Steps feed context changes and associations to a fresh processing system;
// assertions check the consolidated reason slots and the record statuses.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Origin anchors every offset of the scenario. Defaults to DefaultOrigin.
	Origin time.Time `yaml:"origin,omitempty"`

	Settings Settings `yaml:"settings,omitempty"`

	MachineModes   []model.MachineMode              `yaml:"machine_modes,omitempty"`
	DefaultReasons []model.MachineModeDefaultReason `yaml:"default_reasons,omitempty"`

	// Steps are executed in order. The system is drained after any step
	// with drain set and once more after the last step.
	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Settings overrides analysis parameters for one scenario.
type Settings struct {
	ReasonStepRange config.Duration `yaml:"reason_step_range,omitempty"`
	MaxStepsPerPass int             `yaml:"max_steps_per_pass,omitempty"`
}

// Step is one scenario action. At most one of Observe, Associate and
// Cancel is set; a step without any only drains or runs a pass.
type Step struct {
	// Label names the submitted association for cancel steps and
	// assertions. Context changes are purged once applied and carry none.
	Label string `yaml:"label,omitempty"`

	Observe   *ObserveStep   `yaml:"observe,omitempty"`
	Associate *AssociateStep `yaml:"associate,omitempty"`

	// Cancel is the label of the record to cancel.
	Cancel string `yaml:"cancel,omitempty"`

	// Drain runs scheduler passes until no progress is made. Pass runs a
	// single pass, leaving chunked work half applied.
	Drain bool `yaml:"drain,omitempty"`
	Pass  bool `yaml:"pass,omitempty"`
}

// ObserveStep records the observed context of a machine. A missing end
// leaves the segment open.
type ObserveStep struct {
	Machine int64            `yaml:"machine"`
	Begin   config.Duration  `yaml:"begin"`
	End     *config.Duration `yaml:"end,omitempty"`
	Mode    int64            `yaml:"mode"`
	State   int64            `yaml:"state"`
	Shift   int64            `yaml:"shift,omitempty"`
}

// AssociateStep submits a reason association. Machines makes it a global
// association fanned out to each listed machine.
type AssociateStep struct {
	Machine  int64   `yaml:"machine,omitempty"`
	Machines []int64 `yaml:"machines,omitempty"`

	Kind    string           `yaml:"kind"`
	Begin   config.Duration  `yaml:"begin"`
	End     *config.Duration `yaml:"end,omitempty"`
	Dynamic string           `yaml:"dynamic,omitempty"`

	Reason   int64          `yaml:"reason,omitempty"`
	Score    float64        `yaml:"score,omitempty"`
	Details  string         `yaml:"details,omitempty"`
	Data     map[string]any `yaml:"data,omitempty"`
	Priority int            `yaml:"priority,omitempty"`

	DynamicEndBeforeRealEnd bool `yaml:"dynamic_end_before_real_end,omitempty"`
	Progressive             bool `yaml:"progressive,omitempty"`

	RestrictMode  int64 `yaml:"restrict_mode,omitempty"`
	RestrictState int64 `yaml:"restrict_state,omitempty"`
}

// IsGlobal reports a multi-machine association.
func (a *AssociateStep) IsGlobal() bool {
	return len(a.Machines) > 0
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "slots": the machine timeline equals Slots exactly
	// - "status": the labeled record has Status
	// - "remaining": the labeled record and its descendants have Count
	//   not completed records
	// - "proposals": the machine holds Count reason proposals
	Type string `yaml:"type"`

	Machine int64          `yaml:"machine,omitempty"`
	Slots   []ExpectedSlot `yaml:"slots,omitempty"`

	Record string `yaml:"record,omitempty"`
	Status string `yaml:"status,omitempty"`
	Count  *int   `yaml:"count,omitempty"`
}

// ExpectedSlot describes one slot. Unset optional fields are not compared.
type ExpectedSlot struct {
	Begin             config.Duration  `yaml:"begin"`
	End               *config.Duration `yaml:"end,omitempty"`
	Reason            int64            `yaml:"reason"`
	Source            string           `yaml:"source,omitempty"`
	Autos             *int             `yaml:"autos,omitempty"`
	OverwriteRequired *bool            `yaml:"overwrite_required,omitempty"`
}

// Assertion type constants.
const (
	AssertSlots     = "slots"
	AssertStatus    = "status"
	AssertRemaining = "remaining"
	AssertProposals = "proposals"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Origin.IsZero() {
		scenario.Origin = DefaultOrigin
	}
	scenario.Origin = scenario.Origin.UTC()
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	labels := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, &step, labels); err != nil {
			return err
		}
		if step.Label != "" {
			labels[step.Label] = true
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, labels); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step, labels map[string]bool) error {
	actions := 0
	if step.Observe != nil {
		actions++
	}
	if step.Associate != nil {
		actions++
	}
	if step.Cancel != "" {
		actions++
	}
	switch {
	case actions > 1:
		return fmt.Errorf("steps[%d]: only one of observe, associate and cancel may be set", index)
	case actions == 0 && !step.Drain && !step.Pass:
		return fmt.Errorf("steps[%d]: one of observe, associate, cancel, drain or pass is required", index)
	case step.Drain && step.Pass:
		return fmt.Errorf("steps[%d]: drain and pass are exclusive", index)
	}

	if step.Label != "" {
		if labels[step.Label] {
			return fmt.Errorf("steps[%d]: duplicate label %q", index, step.Label)
		}
		if step.Associate == nil {
			return fmt.Errorf("steps[%d]: label %q names no association", index, step.Label)
		}
	}
	if step.Cancel != "" && !labels[step.Cancel] {
		return fmt.Errorf("steps[%d]: cancel references unknown label %q", index, step.Cancel)
	}

	if o := step.Observe; o != nil {
		if o.Machine <= 0 {
			return fmt.Errorf("steps[%d].observe: machine is required", index)
		}
		if o.End != nil && *o.End <= o.Begin {
			return fmt.Errorf("steps[%d].observe: end must be after begin", index)
		}
	}

	if a := step.Associate; a != nil {
		if a.Machine <= 0 && !a.IsGlobal() {
			return fmt.Errorf("steps[%d].associate: machine or machines is required", index)
		}
		if a.Machine > 0 && a.IsGlobal() {
			return fmt.Errorf("steps[%d].associate: machine and machines are exclusive", index)
		}
		if err := model.ValidateKind(a.Kind); err != nil {
			return fmt.Errorf("steps[%d].associate: %w", index, err)
		}
		if a.End != nil && *a.End < a.Begin {
			return fmt.Errorf("steps[%d].associate: end must not precede begin", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, labels map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertSlots:
		if a.Machine <= 0 {
			return fmt.Errorf("assertions[%d]: machine is required for slots", index)
		}
	case AssertStatus:
		if !labels[a.Record] {
			return fmt.Errorf("assertions[%d]: unknown record label %q", index, a.Record)
		}
		if _, err := model.ParseAnalysisStatus(a.Status); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertRemaining:
		if !labels[a.Record] {
			return fmt.Errorf("assertions[%d]: unknown record label %q", index, a.Record)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for remaining", index)
		}
	case AssertProposals:
		if a.Machine <= 0 {
			return fmt.Errorf("assertions[%d]: machine is required for proposals", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for proposals", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
