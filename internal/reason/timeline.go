package reason

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
)

// Timeline is the storage view of one or more machine timelines: observed
// context segments, reason proposals and reason slots.
//
// It is obtained from the transaction of a step through a type assertion, so
// every read and write happens in the transaction of the attempt.
type Timeline interface {
	// ContextSegments returns the segments overlapping r ordered by begin.
	ContextSegments(ctx context.Context, machineID int64, r model.Range) ([]model.MachineContext, error)

	// ObservedUntil returns the end of the latest segment. The bool is false
	// when no context was recorded; an open latest segment yields a zero time.
	ObservedUntil(ctx context.Context, machineID int64) (time.Time, bool, error)

	// ReplaceContext stores seg, trimming or splitting the stored segments
	// it overlaps.
	ReplaceContext(ctx context.Context, seg model.MachineContext) error

	// ProposalsOverlapping returns the proposals overlapping r ordered by
	// application order.
	ProposalsOverlapping(ctx context.Context, machineID int64, r model.Range) ([]model.ReasonProposal, error)

	// ProposalsOf returns the proposals created by one modification.
	ProposalsOf(ctx context.Context, machineID, modificationID int64) ([]model.ReasonProposal, error)

	// InsertProposal stores p and assigns its ID.
	InsertProposal(ctx context.Context, p *model.ReasonProposal) error
	UpdateProposal(ctx context.Context, p model.ReasonProposal) error
	DeleteProposal(ctx context.Context, id int64) error

	// SlotsOverlapping returns the slots overlapping or touching r ordered by begin.
	SlotsOverlapping(ctx context.Context, machineID int64, r model.Range) ([]model.ReasonSlot, error)

	// ReplaceSlots deletes the slots overlapping r and stores slots.
	ReplaceSlots(ctx context.Context, machineID int64, r model.Range, slots []model.ReasonSlot) error

	// FlaggedSlots returns the Processing slots and the slots whose auto
	// reason number must be recounted, ordered by begin.
	FlaggedSlots(ctx context.Context, machineID int64) ([]model.ReasonSlot, error)
}

// timelineOf returns the Timeline implemented by tx.
func timelineOf(tx engine.Tx) (Timeline, error) {
	tl, ok := tx.(Timeline)
	if !ok {
		return nil, fmt.Errorf("transaction %T does not expose a reason timeline", tx)
	}
	return tl, nil
}
