package engine

import (
	"time"

	"github.com/roach88/pulse/internal/model"
)

// TimeSource provides the wall clock used to measure analysis attempts.
type TimeSource interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now().UTC() }

// Budget enforces the time limits of one analysis attempt.
//
// Each attempt gets its own Budget. Analyzers call Step.Checkpoint at
// iteration boundaries, which delegates to Check; nothing is interrupted
// preemptively.
//
// Two limits apply:
//   - Step span: the per-attempt budget; exceeding it yields StepTimeout
//   - Modification timeout: the analysis time summed across all attempts;
//     exceeding it yields Timeout and takes precedence over the step span
//
// A pending cancellation request is reported before either limit.
type Budget struct {
	ref        model.ModificationRef
	clock      TimeSource
	start      time.Time
	stepSpan   time.Duration
	priorTotal time.Duration
	limit      time.Duration
	canceled   func() bool
	checks     int
}

// newBudget starts measuring an attempt now. A zero stepSpan or limit
// disables that limit.
func newBudget(ref model.ModificationRef, clock TimeSource, stepSpan, priorTotal, limit time.Duration, canceled func() bool) *Budget {
	return &Budget{
		ref:        ref,
		clock:      clock,
		start:      clock.Now(),
		stepSpan:   stepSpan,
		priorTotal: priorTotal,
		limit:      limit,
		canceled:   canceled,
	}
}

// Check returns an *AnalysisError when the attempt must stop.
func (b *Budget) Check() error {
	b.checks++
	if b.canceled != nil && b.canceled() {
		return NewCanceledError(b.ref)
	}
	elapsed := b.Elapsed()
	if b.limit > 0 && b.priorTotal+elapsed > b.limit {
		return NewTimeoutError(b.ref, b.priorTotal+elapsed, b.limit)
	}
	if b.stepSpan > 0 && elapsed > b.stepSpan {
		return NewStepTimeoutError(b.ref, b.stepSpan)
	}
	return nil
}

// Elapsed returns the time spent in the attempt so far.
func (b *Budget) Elapsed() time.Duration {
	return b.clock.Now().Sub(b.start)
}

// Remaining returns the time left before the step span is exceeded.
func (b *Budget) Remaining() time.Duration {
	if b.stepSpan <= 0 {
		return 0
	}
	if left := b.stepSpan - b.Elapsed(); left > 0 {
		return left
	}
	return 0
}

// StepSpan returns the per-attempt budget.
func (b *Budget) StepSpan() time.Duration {
	return b.stepSpan
}

// Checks returns the number of checkpoints passed. Used for diagnostics.
func (b *Budget) Checks() int {
	return b.checks
}
