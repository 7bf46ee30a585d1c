package engine

import "context"

// orderSequence satisfies model.Sequencer by drawing completion orders from
// the repository inside the transaction of a step. Values are therefore
// unique across partitions and across processes sharing the store.
//
// The first failure is kept and reported by Err, later draws return 0. A
// transition recorded after a failed draw must not be saved.
type orderSequence struct {
	ctx context.Context
	tx  Tx
	err error
}

func newOrderSequence(ctx context.Context, tx Tx) *orderSequence {
	return &orderSequence{ctx: ctx, tx: tx}
}

// Next draws the next completion order.
func (s *orderSequence) Next() int64 {
	if s.err != nil {
		return 0
	}
	v, err := s.tx.NextCompletionOrder(s.ctx)
	if err != nil {
		s.err = err
		return 0
	}
	return v
}

// Err returns the first draw failure.
func (s *orderSequence) Err() error { return s.err }
