package reason

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulse/internal/model"
)

func TestDefaultResolver(t *testing.T) {
	r := NewDefaultResolver(testModes, testDefaults)

	tests := []struct {
		name  string
		mode  int64
		state int64
		want  model.DefaultReason
	}{
		{"direct", modeProduction, stateRunning, model.DefaultReason{Reason: reasonProduction, Score: model.DefaultReasonScore}},
		{"auto default", modeStop, stateRunning, model.DefaultReason{Reason: reasonStop, Score: model.DefaultReasonScore, Auto: true}},
		{"inherited from parent", modeSetup, stateRunning, model.DefaultReason{Reason: reasonProduction, Score: model.DefaultReasonScore}},
		{"unknown state", modeSetup, 42, model.UndefinedDefault},
		{"unknown mode", 99, stateRunning, model.UndefinedDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.mode, tt.state, OpenDuration)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultResolver_Cycle(t *testing.T) {
	r := NewDefaultResolver([]model.MachineMode{
		{ID: 1, Parent: 2},
		{ID: 2, Parent: 3},
		{ID: 3, Parent: 1},
	}, nil)

	_, err := r.Resolve(1, stateRunning, OpenDuration)
	assert.ErrorIs(t, err, ErrModeHierarchyCycle)
	assert.ErrorIs(t, r.CheckHierarchy(), ErrModeHierarchyCycle)

	assert.NoError(t, NewDefaultResolver(testModes, testDefaults).CheckHierarchy())
}

func TestDefaultResolver_ExplicitScore(t *testing.T) {
	r := NewDefaultResolver(nil, []model.MachineModeDefaultReason{
		{MachineMode: 1, ObservationState: 1, Reason: 5, Score: 3},
	})
	got, err := r.Resolve(1, 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.Score)
}

const reasonMicroStop model.ReasonID = 21

func TestDefaultResolver_MaximumDuration(t *testing.T) {
	r := NewDefaultResolver(testModes, []model.MachineModeDefaultReason{
		{MachineMode: modeProduction, ObservationState: stateRunning, Reason: reasonProduction},
		{MachineMode: modeProduction, ObservationState: stateRunning, Reason: 22, MaximumDuration: 30 * time.Second},
		{MachineMode: modeProduction, ObservationState: stateRunning, Reason: reasonMicroStop, MaximumDuration: 5 * time.Minute},
		{MachineMode: modeStop, ObservationState: stateRunning, Reason: reasonMicroStop, MaximumDuration: 5 * time.Minute},
	})

	tests := []struct {
		name     string
		mode     int64
		duration time.Duration
		want     model.ReasonID
	}{
		{"shortest bound first", modeProduction, 10 * time.Second, 22},
		{"below the maximum", modeProduction, 4 * time.Minute, reasonMicroStop},
		{"at the maximum", modeProduction, 5 * time.Minute, reasonProduction},
		{"open period", modeProduction, OpenDuration, reasonProduction},
		{"bounds apply to inherited modes", modeSetup, time.Minute, reasonMicroStop},
		{"bounded only below", modeStop, time.Minute, reasonMicroStop},
		{"bounded only above", modeStop, time.Hour, model.ReasonUndefined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.mode, stateRunning, tt.duration)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Reason)
			assert.True(t, got.DurationBound)
		})
	}

	plain, err := NewDefaultResolver(testModes, testDefaults).Resolve(modeProduction, stateRunning, time.Minute)
	require.NoError(t, err)
	assert.False(t, plain.DurationBound)
}
