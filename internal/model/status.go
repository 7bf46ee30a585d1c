package model

import "fmt"

// AnalysisStatus is the state of a modification in the processing state machine.
//
// Values are persisted as integers; never renumber an existing status.
type AnalysisStatus int

const (
	StatusNew                          AnalysisStatus = 0
	StatusPending                      AnalysisStatus = 1
	StatusDone                         AnalysisStatus = 2
	StatusError                        AnalysisStatus = 3
	StatusObsolete                     AnalysisStatus = 4
	StatusDelete                       AnalysisStatus = 5
	StatusTimeout                      AnalysisStatus = 6
	StatusConstraintIntegrityViolation AnalysisStatus = 7
	StatusInProgress                   AnalysisStatus = 8
	StatusPendingSubModifications      AnalysisStatus = 9
	StatusAncestorError                AnalysisStatus = 10
	StatusNotApplicable                AnalysisStatus = 11
	StatusAncestorNotApplicable        AnalysisStatus = 12
	StatusStepTimeout                  AnalysisStatus = 13
	StatusTimeoutCanceled              AnalysisStatus = 14
	StatusParentInError                AnalysisStatus = 15
	StatusChildInError                 AnalysisStatus = 16
	StatusDatabaseTimeout              AnalysisStatus = 17
	StatusDatabaseTimeoutCanceled      AnalysisStatus = 18
	StatusDonePurge                    AnalysisStatus = 19
	StatusCancel                       AnalysisStatus = 20

	statusCount = 21
)

// StatusClass is the classification of a status. Every status belongs to
// exactly one class.
type StatusClass int

const (
	classUnknown StatusClass = iota
	ClassNotCompleted
	ClassCompletedSuccess
	ClassCompletedError
	ClassAdministrative
)

func (c StatusClass) String() string {
	switch c {
	case ClassNotCompleted:
		return "not_completed"
	case ClassCompletedSuccess:
		return "success"
	case ClassCompletedError:
		return "error"
	case ClassAdministrative:
		return "administrative"
	default:
		return "unknown"
	}
}

type statusInfo struct {
	name  string
	class StatusClass
}

// statusTable is the single source of truth for status names and classes.
// The array length pins it to statusCount; a missing entry has classUnknown
// and fails TestStatusClassification_Exhaustive.
var statusTable = [statusCount]statusInfo{
	StatusNew:                          {"New", ClassNotCompleted},
	StatusPending:                      {"Pending", ClassNotCompleted},
	StatusInProgress:                   {"InProgress", ClassNotCompleted},
	StatusPendingSubModifications:      {"PendingSubModifications", ClassNotCompleted},
	StatusStepTimeout:                  {"StepTimeout", ClassNotCompleted},
	StatusTimeout:                      {"Timeout", ClassNotCompleted},
	StatusDatabaseTimeout:              {"DatabaseTimeout", ClassNotCompleted},
	StatusDone:                         {"Done", ClassCompletedSuccess},
	StatusDonePurge:                    {"DonePurge", ClassCompletedSuccess},
	StatusNotApplicable:                {"NotApplicable", ClassCompletedSuccess},
	StatusAncestorNotApplicable:        {"AncestorNotApplicable", ClassCompletedSuccess},
	StatusError:                        {"Error", ClassCompletedError},
	StatusConstraintIntegrityViolation: {"ConstraintIntegrityViolation", ClassCompletedError},
	StatusAncestorError:                {"AncestorError", ClassCompletedError},
	StatusTimeoutCanceled:              {"TimeoutCanceled", ClassCompletedError},
	StatusParentInError:                {"ParentInError", ClassCompletedError},
	StatusChildInError:                 {"ChildInError", ClassCompletedError},
	StatusDatabaseTimeoutCanceled:      {"DatabaseTimeoutCanceled", ClassCompletedError},
	StatusObsolete:                     {"Obsolete", ClassAdministrative},
	StatusDelete:                       {"Delete", ClassAdministrative},
	StatusCancel:                       {"Cancel", ClassAdministrative},
}

// AllStatuses returns every defined status in stored-value order.
func AllStatuses() []AnalysisStatus {
	all := make([]AnalysisStatus, statusCount)
	for i := range all {
		all[i] = AnalysisStatus(i)
	}
	return all
}

func (s AnalysisStatus) valid() bool {
	return s >= 0 && int(s) < statusCount
}

// String returns the status name.
func (s AnalysisStatus) String() string {
	if !s.valid() {
		return fmt.Sprintf("AnalysisStatus(%d)", int(s))
	}
	return statusTable[s].name
}

// ParseAnalysisStatus parses a status name as returned by String.
func ParseAnalysisStatus(name string) (AnalysisStatus, error) {
	for i, info := range statusTable {
		if info.name == name {
			return AnalysisStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown analysis status %q", name)
}

// Class returns the classification of the status.
func (s AnalysisStatus) Class() StatusClass {
	if !s.valid() {
		return classUnknown
	}
	return statusTable[s].class
}

// IsNotCompleted reports whether the modification is still eligible for processing.
func (s AnalysisStatus) IsNotCompleted() bool {
	return s.Class() == ClassNotCompleted
}

// IsTerminal reports whether the status is final. Administrative statuses are terminal.
func (s AnalysisStatus) IsTerminal() bool {
	c := s.Class()
	return c != ClassNotCompleted && c != classUnknown
}

// IsInProgress reports whether at least one analysis attempt ran without
// reaching a terminal state.
func (s AnalysisStatus) IsInProgress() bool {
	return s.IsNotCompleted() && s != StatusNew && s != StatusPending
}

// IsCompletedSuccessfully reports a successful terminal status.
func (s AnalysisStatus) IsCompletedSuccessfully() bool {
	return s.Class() == ClassCompletedSuccess
}

// IsInError reports an error terminal status.
func (s AnalysisStatus) IsInError() bool {
	return s.Class() == ClassCompletedError
}

// IsAdministrative reports a status that normal analysis never reaches.
func (s AnalysisStatus) IsAdministrative() bool {
	return s.Class() == ClassAdministrative
}

// IsRetryable reports a transient status that is re-enqueued automatically.
func (s AnalysisStatus) IsRetryable() bool {
	switch s {
	case StatusStepTimeout, StatusTimeout, StatusDatabaseTimeout:
		return true
	default:
		return false
	}
}
