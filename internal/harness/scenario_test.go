package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/config"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
origin: 2026-03-01T06:00:00Z
settings:
  reason_step_range: 30m
machine_modes:
  - { id: 1, name: production }
default_reasons:
  - { machine_mode: 1, observation_state: 1, reason: 20 }
steps:
  - observe: { machine: 1, begin: 0s, end: 2h, mode: 1, state: 1 }
  - label: fix
    associate:
      machine: 1
      kind: manual
      begin: 10m
      end: 1h
      reason: 40
      data: { order: 12, line: "A" }
assertions:
  - type: status
    record: fix
    status: Done
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), scenario.Origin)
	assert.Equal(t, config.Duration(30*time.Minute), scenario.Settings.ReasonStepRange)
	require.Len(t, scenario.Steps, 2)
	require.NotNil(t, scenario.Steps[0].Observe)
	assert.Equal(t, config.Duration(2*time.Hour), *scenario.Steps[0].Observe.End)

	assoc := scenario.Steps[1].Associate
	require.NotNil(t, assoc)
	assert.Equal(t, "fix", scenario.Steps[1].Label)
	assert.Equal(t, "manual", assoc.Kind)
	assert.Equal(t, config.Duration(10*time.Minute), assoc.Begin)
	assert.Equal(t, 12, assoc.Data["order"])
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_DefaultOrigin(t *testing.T) {
	path := writeScenario(t, `
name: test
description: "Test"
steps:
  - drain: true
assertions:
  - { type: proposals, machine: 1, count: 0 }
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultOrigin, scenario.Origin)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, `
name: test
description: "Test"
steps:
  - drain: true
assertion:
  - { type: proposals, machine: 1, count: 0 }
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_InvalidDuration(t *testing.T) {
	path := writeScenario(t, `
name: test
description: "Test"
steps:
  - observe: { machine: 1, begin: ten minutes, mode: 1, state: 1 }
assertions:
  - { type: proposals, machine: 1, count: 0 }
`)

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duration")
}

func TestParseScenario_Validation(t *testing.T) {
	const header = "name: test\ndescription: \"Test\"\n"

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing name",
			content: "description: x\nsteps: [{drain: true}]\nassertions: [{type: proposals, machine: 1, count: 0}]\n",
			want:    "name is required",
		},
		{
			name:    "missing description",
			content: "name: x\nsteps: [{drain: true}]\nassertions: [{type: proposals, machine: 1, count: 0}]\n",
			want:    "description is required",
		},
		{
			name:    "missing steps",
			content: header + "assertions: [{type: proposals, machine: 1, count: 0}]\n",
			want:    "steps list is required",
		},
		{
			name:    "missing assertions",
			content: header + "steps: [{drain: true}]\n",
			want:    "assertions list is required",
		},
		{
			name:    "empty step",
			content: header + "steps: [{label: x}]\nassertions: [{type: proposals, machine: 1, count: 0}]\n",
			want:    "steps[0]: one of observe",
		},
		{
			name: "two actions",
			content: header + `steps:
  - observe: { machine: 1, begin: 0s, mode: 1, state: 1 }
    cancel: x
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: "only one of observe",
		},
		{
			name: "drain and pass",
			content: header + `steps: [{drain: true, pass: true}]
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: "drain and pass are exclusive",
		},
		{
			name: "label on observation",
			content: header + `steps:
  - label: ctx
    observe: { machine: 1, begin: 0s, mode: 1, state: 1 }
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: "names no association",
		},
		{
			name: "duplicate label",
			content: header + `steps:
  - { label: a, associate: { machine: 1, kind: manual, begin: 0s, end: 1m, reason: 4 } }
  - { label: a, associate: { machine: 1, kind: manual, begin: 0s, end: 1m, reason: 4 } }
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: `duplicate label "a"`,
		},
		{
			name: "cancel before label",
			content: header + `steps:
  - cancel: a
  - { label: a, associate: { machine: 1, kind: manual, begin: 0s, end: 1m, reason: 4 } }
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: `cancel references unknown label "a"`,
		},
		{
			name: "observation ends before begin",
			content: header + `steps:
  - observe: { machine: 1, begin: 10m, end: 5m, mode: 1, state: 1 }
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: "end must be after begin",
		},
		{
			name: "association without machine",
			content: header + `steps:
  - associate: { kind: manual, begin: 0s, end: 1m, reason: 4 }
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: "machine or machines is required",
		},
		{
			name: "machine and machines",
			content: header + `steps:
  - associate: { machine: 1, machines: [1, 2], kind: manual, begin: 0s, end: 1m, reason: 4 }
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: "machine and machines are exclusive",
		},
		{
			name: "unknown kind",
			content: header + `steps:
  - associate: { machine: 1, kind: guess, begin: 0s, end: 1m, reason: 4 }
assertions: [{type: proposals, machine: 1, count: 0}]
`,
			want: `invalid association kind "guess"`,
		},
		{
			name:    "unknown assertion type",
			content: header + "steps: [{drain: true}]\nassertions: [{type: trace_contains}]\n",
			want:    `unknown assertion type "trace_contains"`,
		},
		{
			name:    "status of unknown record",
			content: header + "steps: [{drain: true}]\nassertions: [{type: status, record: a, status: Done}]\n",
			want:    `unknown record label "a"`,
		},
		{
			name: "unknown status",
			content: header + `steps:
  - { label: a, associate: { machine: 1, kind: manual, begin: 0s, end: 1m, reason: 4 } }
assertions: [{type: status, record: a, status: Finished}]
`,
			want: `unknown analysis status "Finished"`,
		},
		{
			name:    "proposals without count",
			content: header + "steps: [{drain: true}]\nassertions: [{type: proposals, machine: 1}]\n",
			want:    "non-negative count is required for proposals",
		},
		{
			name:    "slots without machine",
			content: header + "steps: [{drain: true}]\nassertions: [{type: slots}]\n",
			want:    "machine is required for slots",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}
