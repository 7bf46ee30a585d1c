package harness

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every assertion holds.
	Pass bool `json:"pass"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the final state, used for assertions and golden comparison.
	Snapshot Snapshot `json:"snapshot"`
}

// Snapshot captures the final timelines and record statuses of a run.
// Times are offsets from the scenario origin so snapshots stay readable.
type Snapshot struct {
	Scenario string            `json:"scenario"`
	Machines []MachineSnapshot `json:"machines"`
	Records  []RecordSnapshot  `json:"records"`
}

// MachineSnapshot is the reason timeline of one machine.
type MachineSnapshot struct {
	Machine   int64          `json:"machine"`
	Slots     []SlotSnapshot `json:"slots"`
	Proposals int            `json:"proposals"`
}

// SlotSnapshot is one reason slot.
type SlotSnapshot struct {
	Begin             string `json:"begin"`
	End               string `json:"end,omitempty"`
	Mode              int64  `json:"mode"`
	State             int64  `json:"state"`
	Reason            int64  `json:"reason"`
	Source            string `json:"source"`
	Autos             int    `json:"autos"`
	OverwriteRequired bool   `json:"overwrite_required,omitempty"`
}

// RecordSnapshot is the final state of a labeled association.
type RecordSnapshot struct {
	Label      string `json:"label"`
	Ref        string `json:"ref"`
	Status     string `json:"status"`
	Iterations int    `json:"iterations"`
	Remaining  int    `json:"remaining"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Machine returns the snapshot of machineID, nil when absent.
func (s *Snapshot) Machine(machineID int64) *MachineSnapshot {
	for i := range s.Machines {
		if s.Machines[i].Machine == machineID {
			return &s.Machines[i]
		}
	}
	return nil
}

// Record returns the snapshot of a labeled record, nil when absent.
func (s *Snapshot) Record(label string) *RecordSnapshot {
	for i := range s.Records {
		if s.Records[i].Label == label {
			return &s.Records[i]
		}
	}
	return nil
}
