package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope is the storage partition of a modification.
type Scope string

const (
	// ScopeGlobal modifications apply across the whole system.
	ScopeGlobal Scope = "global"

	// ScopeMachine modifications apply to exactly one machine. Chains of
	// different machines are processed in parallel.
	ScopeMachine Scope = "machine"
)

// ValidateScope checks if scope is a known partition.
func ValidateScope(scope string) error {
	switch Scope(scope) {
	case ScopeGlobal, ScopeMachine:
		return nil
	default:
		return fmt.Errorf("invalid scope %q: must be global or machine", scope)
	}
}

// Partition identifies one processing chain: the global chain or one
// machine chain. It is the key of the exclusive processing claim.
type Partition struct {
	Scope     Scope
	MachineID int64
}

// GlobalPartition is the single global chain.
var GlobalPartition = Partition{Scope: ScopeGlobal}

// MachinePartition returns the chain of one machine.
func MachinePartition(machineID int64) Partition {
	return Partition{Scope: ScopeMachine, MachineID: machineID}
}

func (p Partition) String() string {
	if p.Scope == ScopeGlobal {
		return "global"
	}
	return "machine:" + strconv.FormatInt(p.MachineID, 10)
}

// ModificationRef is the tagged reference to a modification: Global(id) or
// Machine(machine_id, id). Ids are only unique within a partition, so a
// reference always carries its partition tag.
type ModificationRef struct {
	Scope     Scope `json:"scope"`
	MachineID int64 `json:"machine_id,omitempty"`
	ID        int64 `json:"id"`
}

// GlobalRef references a global modification.
func GlobalRef(id int64) ModificationRef {
	return ModificationRef{Scope: ScopeGlobal, ID: id}
}

// MachineRef references a machine-scoped modification.
func MachineRef(machineID, id int64) ModificationRef {
	return ModificationRef{Scope: ScopeMachine, MachineID: machineID, ID: id}
}

// IsZero reports an unset reference.
func (r ModificationRef) IsZero() bool {
	return r.ID == 0 && r.Scope == ""
}

// IsGlobal reports a reference to the global partition.
func (r ModificationRef) IsGlobal() bool {
	return r.Scope == ScopeGlobal
}

// Partition returns the chain the referenced modification belongs to.
func (r ModificationRef) Partition() Partition {
	if r.Scope == ScopeGlobal {
		return GlobalPartition
	}
	return MachinePartition(r.MachineID)
}

// String formats the reference as "global/12" or "machine/3/12".
func (r ModificationRef) String() string {
	if r.Scope == ScopeGlobal {
		return fmt.Sprintf("global/%d", r.ID)
	}
	return fmt.Sprintf("machine/%d/%d", r.MachineID, r.ID)
}

// ParseModificationRef parses the String form of a reference.
func ParseModificationRef(s string) (ModificationRef, error) {
	parts := strings.Split(s, "/")
	switch {
	case len(parts) == 2 && parts[0] == string(ScopeGlobal):
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return ModificationRef{}, fmt.Errorf("parse modification ref %q: %w", s, err)
		}
		return GlobalRef(id), nil
	case len(parts) == 3 && parts[0] == string(ScopeMachine):
		machineID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return ModificationRef{}, fmt.Errorf("parse modification ref %q: %w", s, err)
		}
		id, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return ModificationRef{}, fmt.Errorf("parse modification ref %q: %w", s, err)
		}
		return MachineRef(machineID, id), nil
	default:
		return ModificationRef{}, fmt.Errorf("parse modification ref %q: expected global/<id> or machine/<machine>/<id>", s)
	}
}
