package engine

import (
	"context"
	"time"

	"github.com/roach88/pulse/internal/model"
)

// TxMode selects the transaction kind requested from the repository.
type TxMode int

const (
	// TxReadOnly transactions refuse writes.
	TxReadOnly TxMode = iota

	// TxReadWrite transactions are required whenever a computation may need
	// to materialize new rows.
	TxReadWrite
)

func (m TxMode) String() string {
	if m == TxReadOnly {
		return "read-only"
	}
	return "read-write"
}

// Repository is the persistence collaborator of the processor.
type Repository interface {
	BeginTx(ctx context.Context, mode TxMode) (Tx, error)
}

// SubModifications are the children of a modification, split by partition.
type SubModifications struct {
	Global  []*model.Modification
	Machine []*model.Modification
}

// All returns the global children followed by the machine children.
func (s SubModifications) All() []*model.Modification {
	all := make([]*model.Modification, 0, len(s.Global)+len(s.Machine))
	all = append(all, s.Global...)
	return append(all, s.Machine...)
}

// Tx is a unit of work over the modification tables. Implementations may
// expose more capabilities (the reason timeline) on the same value.
type Tx interface {
	Mode() TxMode

	// FindModification returns store.ErrNotFound style errors when absent.
	FindModification(ctx context.Context, ref model.ModificationRef) (*model.Modification, error)

	// FindNotCompleted returns the not completed records of a partition with
	// status_priority >= minPriority, ordered by status_priority descending
	// then id ascending.
	FindNotCompleted(ctx context.Context, p model.Partition, minPriority int) ([]*model.Modification, error)

	FindSubModifications(ctx context.Context, parent model.ModificationRef) (SubModifications, error)

	// BacklogPartitions lists the partitions holding not completed records.
	BacklogPartitions(ctx context.Context) ([]model.Partition, error)

	// InsertModification stores a new record and assigns its id.
	InsertModification(ctx context.Context, m *model.Modification) error
	SaveModification(ctx context.Context, m *model.Modification) error
	DeleteModification(ctx context.Context, ref model.ModificationRef) error

	// PurgeBefore deletes DonePurge records whose analysis ended before
	// cutoff and returns the number removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// NextCompletionOrder draws the next value of the completion sequence.
	// Values are unique and increasing across both partitions and every
	// processor sharing the repository. The draw belongs to the transaction
	// and is undone with it.
	NextCompletionOrder(ctx context.Context) (int64, error)

	// NextApplicationOrder draws the next order handed to analyzers
	// through Step.NextApplicationOrder.
	NextApplicationOrder(ctx context.Context) (int64, error)

	AppendAnalysisLog(ctx context.Context, entry model.AnalysisLog) error

	Commit() error
	Rollback() error
}
