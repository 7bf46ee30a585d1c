// Package config loads the processing parameters, the machine mode
// hierarchy and the default reason table from a YAML document.
//
// The raw document is validated against an embedded CUE schema before it is
// decoded, so unknown keys and malformed durations are rejected with the
// CUE error position.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pulse/internal/model"
)

//go:embed schema.cue
var schemaCUE string

// Config is the full configuration document.
type Config struct {
	Database       string                           `yaml:"database,omitempty"`
	Analysis       Analysis                         `yaml:"analysis"`
	Auto           Auto                             `yaml:"auto"`
	Scheduler      Scheduler                        `yaml:"scheduler"`
	MachineModes   []model.MachineMode              `yaml:"machine_modes,omitempty"`
	DefaultReasons []model.MachineModeDefaultReason `yaml:"default_reasons,omitempty"`
}

// Analysis holds the parameters consumed by the modification processor.
type Analysis struct {
	// ModificationTimeout bounds the analysis time summed across attempts.
	ModificationTimeout Duration `yaml:"modification_timeout"`

	// StepTimeout is the initial and maximum per-attempt budget.
	StepTimeout Duration `yaml:"step_timeout"`

	MinStepSpan          Duration `yaml:"min_step_span"`
	StepSpanDecreaseRate float64  `yaml:"step_span_decrease_rate"`

	// MaxTimeoutRetries is the number of Timeout/DatabaseTimeout outcomes
	// tolerated before the record is cancelled.
	MaxTimeoutRetries int `yaml:"max_timeout_retries"`

	// RetryLogThreshold is the attempt count from which retryable statuses
	// reach the analysis log.
	RetryLogThreshold int `yaml:"retry_log_threshold"`

	// ObsoleteAfter marks New records older than this as Obsolete. Zero disables.
	ObsoleteAfter Duration `yaml:"obsolete_after"`

	MaxStepsPerPass int `yaml:"max_steps_per_pass"`

	// ReasonStepRange is the timeline length applied per attempt. Zero
	// applies the whole range at once.
	ReasonStepRange Duration `yaml:"reason_step_range"`
}

// Auto holds the parameters of machine generated modifications.
type Auto struct {
	Priority   int      `yaml:"priority"`
	PurgeDelay Duration `yaml:"purge_delay"`
}

// Scheduler holds the worker pool parameters.
type Scheduler struct {
	Workers      int      `yaml:"workers"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Analysis: Analysis{
			ModificationTimeout:  Duration(2 * time.Minute),
			StepTimeout:          Duration(40 * time.Second),
			MinStepSpan:          Duration(time.Second),
			StepSpanDecreaseRate: 0.5,
			MaxTimeoutRetries:    3,
			RetryLogThreshold:    5,
			MaxStepsPerPass:      100,
		},
		Scheduler: Scheduler{
			Workers:      4,
			PollInterval: Duration(2 * time.Second),
		},
	}
}

// Load reads, validates and decodes a YAML file on top of Default().
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes a YAML document on top of Default().
func Parse(data []byte) (Config, error) {
	if err := validateSchema(data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints the schema cannot express.
func (c Config) Validate() error {
	if c.Analysis.StepTimeout <= 0 {
		return fmt.Errorf("config: analysis.step_timeout must be positive")
	}
	if c.Analysis.ModificationTimeout < c.Analysis.StepTimeout {
		return fmt.Errorf("config: analysis.modification_timeout %s is shorter than step_timeout %s",
			c.Analysis.ModificationTimeout, c.Analysis.StepTimeout)
	}
	if c.Analysis.MinStepSpan > c.Analysis.StepTimeout {
		return fmt.Errorf("config: analysis.min_step_span exceeds step_timeout")
	}
	if c.Analysis.StepSpanDecreaseRate <= 0 || c.Analysis.StepSpanDecreaseRate >= 1 {
		return fmt.Errorf("config: analysis.step_span_decrease_rate must be in (0, 1)")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("config: scheduler.workers must be at least 1")
	}

	modes := make(map[int64]bool, len(c.MachineModes))
	for _, m := range c.MachineModes {
		if modes[m.ID] {
			return fmt.Errorf("config: machine mode %d defined twice", m.ID)
		}
		modes[m.ID] = true
	}
	type key struct {
		mode, state int64
		max         time.Duration
	}
	seen := make(map[key]bool, len(c.DefaultReasons))
	for _, d := range c.DefaultReasons {
		if d.MaximumDuration < 0 {
			return fmt.Errorf("config: default reason for mode %d state %d has a negative maximum_duration", d.MachineMode, d.ObservationState)
		}
		k := key{d.MachineMode, d.ObservationState, d.MaximumDuration}
		if seen[k] {
			if d.MaximumDuration == 0 {
				return fmt.Errorf("config: default reason for mode %d state %d defined twice without maximum_duration", d.MachineMode, d.ObservationState)
			}
			return fmt.Errorf("config: default reason for mode %d state %d defined twice with maximum_duration %s",
				d.MachineMode, d.ObservationState, d.MaximumDuration)
		}
		seen[k] = true
	}
	return nil
}

// validateSchema unifies the raw document with #Config.
func validateSchema(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if raw == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML parses "40s", "2m", "1h30m".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
