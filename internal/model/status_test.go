package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClassification_Exhaustive(t *testing.T) {
	for _, s := range AllStatuses() {
		class := s.Class()
		require.NotEqual(t, classUnknown, class, "status %d has no class", int(s))
		require.NotEmpty(t, s.String())

		n := 0
		for _, in := range []bool{s.IsNotCompleted(), s.IsCompletedSuccessfully(), s.IsInError(), s.IsAdministrative()} {
			if in {
				n++
			}
		}
		assert.Equal(t, 1, n, "status %s must belong to exactly one class", s)
	}
}

func TestStatusClassification_Groups(t *testing.T) {
	notCompleted := []AnalysisStatus{StatusNew, StatusPending, StatusInProgress, StatusPendingSubModifications,
		StatusStepTimeout, StatusTimeout, StatusDatabaseTimeout}
	success := []AnalysisStatus{StatusDone, StatusDonePurge, StatusNotApplicable, StatusAncestorNotApplicable}
	errs := []AnalysisStatus{StatusError, StatusConstraintIntegrityViolation, StatusAncestorError,
		StatusTimeoutCanceled, StatusParentInError, StatusChildInError, StatusDatabaseTimeoutCanceled}
	admin := []AnalysisStatus{StatusObsolete, StatusDelete, StatusCancel}

	for _, s := range notCompleted {
		assert.True(t, s.IsNotCompleted(), s.String())
		assert.False(t, s.IsTerminal(), s.String())
	}
	for _, s := range success {
		assert.True(t, s.IsCompletedSuccessfully(), s.String())
		assert.True(t, s.IsTerminal(), s.String())
	}
	for _, s := range errs {
		assert.True(t, s.IsInError(), s.String())
		assert.True(t, s.IsTerminal(), s.String())
	}
	for _, s := range admin {
		assert.True(t, s.IsAdministrative(), s.String())
		assert.True(t, s.IsTerminal(), s.String())
	}
	assert.Len(t, AllStatuses(), len(notCompleted)+len(success)+len(errs)+len(admin))
}

func TestStatus_InProgressAndRetryable(t *testing.T) {
	assert.False(t, StatusNew.IsInProgress())
	assert.False(t, StatusPending.IsInProgress())
	assert.True(t, StatusInProgress.IsInProgress())
	assert.True(t, StatusStepTimeout.IsInProgress())
	assert.False(t, StatusDone.IsInProgress())

	assert.True(t, StatusStepTimeout.IsRetryable())
	assert.True(t, StatusTimeout.IsRetryable())
	assert.True(t, StatusDatabaseTimeout.IsRetryable())
	assert.False(t, StatusConstraintIntegrityViolation.IsRetryable())
	assert.False(t, StatusInProgress.IsRetryable())
}

func TestParseAnalysisStatus(t *testing.T) {
	for _, s := range AllStatuses() {
		parsed, err := ParseAnalysisStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseAnalysisStatus("Unknown")
	assert.Error(t, err)
	assert.Equal(t, "AnalysisStatus(99)", AnalysisStatus(99).String())
	assert.False(t, AnalysisStatus(99).IsTerminal())
}
