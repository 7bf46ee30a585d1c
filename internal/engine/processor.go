package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/model"
)

// Processor drives modifications through the status state machine.
//
// Every step runs under the claim of the record partition and inside one
// read-write transaction: load, attempt, record the outcome, commit. A failed
// attempt is rolled back and its bookkeeping is written by a second
// transaction, so a retry starts from the state before the attempt.
//
// Thread-safety model:
//   - RunStep, Cancel, Submit: safe from any goroutine; steps of the same
//     partition are serialized by the claim
//   - RequestCancel: safe from any goroutine, never blocks
//
// INVARIANTS:
//   - A claim is always acquired before a transaction is opened, never while
//     one is held
//   - Completion orders are drawn from the repository in the transaction
//     that records the transition
type Processor struct {
	repo        Repository
	analyzers   *Registry
	claims      *ClaimManager
	cancels   *cancelRequests
	cfg       config.Analysis
	auto      config.Auto
	now       TimeSource
	logger    *slog.Logger
	metrics   *Metrics
	tokens    TokenGenerator
	notifyFn  func(model.Partition)
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTimeSource sets the wall clock used for budgets and timestamps.
func WithTimeSource(ts TimeSource) Option {
	return func(p *Processor) {
		if ts != nil {
			p.now = ts
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithTokenGenerator sets the claim token generator. Default: UUIDv7Generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(p *Processor) {
		if g != nil {
			p.tokens = g
		}
	}
}

// StepResult describes the outcome of one RunStep.
type StepResult struct {
	Ref    model.ModificationRef
	Parent *model.ModificationRef
	Before model.AnalysisStatus
	After  model.AnalysisStatus

	// Deleted is set when a successful auto record was removed.
	Deleted bool

	// Retry asks the scheduler for an immediate new attempt.
	Retry bool

	Iterations int
}

// Completed reports a terminal outcome (including deletion).
func (r StepResult) Completed() bool {
	return r.Deleted || r.After.IsTerminal()
}

// New creates a processor.
func New(repo Repository, analyzers *Registry, analysis config.Analysis, auto config.Auto, opts ...Option) *Processor {
	p := &Processor{
		repo:      repo,
		analyzers: analyzers,
		cancels:   newCancelRequests(),
		cfg:       analysis,
		auto:      auto,
		now:       systemTime{},
		logger:    slog.Default(),
		tokens:    UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.claims = NewClaimManager(p.tokens)
	return p
}

// Claims exposes the claim manager, shared with the scheduler.
func (p *Processor) Claims() *ClaimManager { return p.claims }

// Repository returns the persistence collaborator.
func (p *Processor) Repository() Repository { return p.repo }

// Now returns the processor wall clock.
func (p *Processor) Now() time.Time { return p.now.Now() }

// OnNotify installs the hook called when a partition gets new work.
func (p *Processor) OnNotify(fn func(model.Partition)) {
	p.notifyFn = fn
}

func (p *Processor) notify(part model.Partition) {
	if p.notifyFn != nil {
		p.notifyFn(part)
	}
}

// Submit stores a new modification and returns its reference. Auto records
// take the configured auto priority.
func (p *Processor) Submit(ctx context.Context, m *model.Modification) (model.ModificationRef, error) {
	if _, ok := p.analyzers.Lookup(m.Type); !ok {
		return model.ModificationRef{}, NewUnknownAnalyzerError(m.Ref, m.Type)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = p.now.Now()
	}
	if m.Auto {
		m.Priority = p.auto.Priority
		m.StatusPriority = p.auto.Priority
	}
	m.Status = model.StatusNew

	tx, err := p.repo.BeginTx(ctx, TxReadWrite)
	if err != nil {
		return model.ModificationRef{}, fmt.Errorf("submit: %w", err)
	}
	if err := tx.InsertModification(ctx, m); err != nil {
		tx.Rollback()
		return model.ModificationRef{}, fmt.Errorf("submit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.ModificationRef{}, fmt.Errorf("submit: %w", err)
	}

	p.logger.Debug("modification submitted",
		"modification", m.Ref.String(),
		"type", m.Type,
		"priority", m.Priority,
		"auto", m.Auto)
	p.notify(m.Ref.Partition())
	return m.Ref, nil
}

// RunStep advances the record by at most one bounded attempt.
//
// Blocks while another worker holds the partition claim. Returns an error
// only when the step could not be run or recorded (storage failure, context
// cancellation); analysis failures are recorded as statuses.
func (p *Processor) RunStep(ctx context.Context, ref model.ModificationRef) (StepResult, error) {
	claim, err := p.claims.Acquire(ctx, ref.Partition())
	if err != nil {
		return StepResult{Ref: ref}, err
	}
	res, cascade, err := p.runClaimed(ctx, ref)
	claim.Release()
	if err != nil {
		return res, err
	}

	if cascade {
		if err := p.cascadeParentInError(ctx, ref); err != nil {
			return res, err
		}
	}
	if res.Completed() && res.Parent != nil {
		p.notify(res.Parent.Partition())
	}
	return res, nil
}

// runClaimed runs one step while the claim is held. The bool result asks
// for a ParentInError cascade once the claim is released.
func (p *Processor) runClaimed(ctx context.Context, ref model.ModificationRef) (StepResult, bool, error) {
	res := StepResult{Ref: ref}

	tx, err := p.repo.BeginTx(ctx, TxReadWrite)
	if err != nil {
		return res, false, fmt.Errorf("step %s: %w", ref, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	seq := newOrderSequence(ctx, tx)

	mod, err := tx.FindModification(ctx, ref)
	if err != nil {
		return res, false, fmt.Errorf("step %s: %w", ref, err)
	}
	res.Before = mod.Status
	res.After = mod.Status
	res.Parent = mod.Parent
	res.Iterations = mod.Iterations
	if mod.Status.IsTerminal() {
		return res, false, nil
	}

	finish := func(cascade bool) (StepResult, bool, error) {
		if err := save(ctx, tx, seq, mod); err != nil {
			return res, false, fmt.Errorf("step %s: save: %w", ref, err)
		}
		if err := tx.Commit(); err != nil {
			return res, false, fmt.Errorf("step %s: commit: %w", ref, err)
		}
		committed = true
		res.After = mod.Status
		res.Iterations = mod.Iterations
		return res, cascade, nil
	}

	analyzer, ok := p.analyzers.Lookup(mod.Type)
	if !ok {
		uerr := NewUnknownAnalyzerError(ref, mod.Type)
		mod.MarkAsError(uerr.Error(), seq)
		if err := p.logStatus(ctx, tx, mod); err != nil {
			return res, false, err
		}
		return finish(false)
	}

	if p.cancels.Requested(ref) {
		if err := p.cancelInTx(ctx, tx, seq, mod, analyzer, "cancellation requested"); err != nil {
			return res, false, err
		}
		res, cascade, err := finish(true)
		if err == nil {
			p.cancels.Clear(ref)
		}
		return res, cascade, err
	}

	switch {
	case mod.Status == model.StatusNew && p.isObsolete(mod):
		mod.MarkAsObsolete(seq)
		p.logger.Info("modification obsolete",
			"modification", ref.String(),
			"created_at", mod.CreatedAt)
		return finish(false)

	case p.timeoutPersisted(mod) && analyzer.CancelAfterTimeout(mod):
		step := newStep(p, tx, seq, mod, nil)
		if err := analyzer.Cancel(ctx, step); err != nil {
			return res, false, fmt.Errorf("step %s: undo after timeout: %w", ref, err)
		}
		if mod.Status == model.StatusDatabaseTimeout {
			mod.MarkAsDatabaseTimeoutCanceled(seq)
		} else {
			mod.MarkAsTimeoutCanceled(seq)
		}
		if err := p.logStatus(ctx, tx, mod); err != nil {
			return res, false, err
		}
		return finish(true)

	case mod.Status == model.StatusPendingSubModifications:
		waiting, err := p.resolveChildren(ctx, tx, seq, mod, analyzer)
		if err != nil {
			return res, false, err
		}
		if waiting {
			return finish(false)
		}
		if err := p.logStatus(ctx, tx, mod); err != nil {
			return res, false, err
		}
		return finish(false)
	}

	return p.attempt(ctx, tx, seq, mod, analyzer, &committed, res)
}

func (p *Processor) isObsolete(m *model.Modification) bool {
	limit := p.cfg.ObsoleteAfter.Std()
	return limit > 0 && m.Iterations == 0 && p.now.Now().Sub(m.CreatedAt) > limit
}

func (p *Processor) timeoutPersisted(m *model.Modification) bool {
	if m.Status != model.StatusTimeout && m.Status != model.StatusDatabaseTimeout {
		return false
	}
	return p.cfg.MaxTimeoutRetries > 0 && m.TimeoutCount >= p.cfg.MaxTimeoutRetries
}

// attempt runs the analyzer once. On failure the transaction is rolled back
// and the outcome recorded by recordFailure.
func (p *Processor) attempt(ctx context.Context, tx Tx, seq *orderSequence, mod *model.Modification, analyzer Analyzer, committed *bool, res StepResult) (StepResult, bool, error) {
	ref := mod.Ref

	// Each Timeout outcome grants a fresh total window to the next attempt;
	// persistence is bounded by MaxTimeoutRetries instead.
	prior := mod.TotalDuration
	if mod.Status == model.StatusTimeout {
		prior = 0
	}
	span := mod.EffectiveStepSpan(p.cfg.StepTimeout.Std())
	budget := newBudget(ref, p.now, span, prior, p.cfg.ModificationTimeout.Std(), func() bool {
		return p.cancels.Requested(ref)
	})

	start := p.now.Now()
	mod.BeginAttempt(start)
	step := newStep(p, tx, seq, mod, budget)

	aerr := p.analyze(ctx, analyzer, step)
	if aerr == nil && !step.transitioned {
		aerr = step.MarkAsCompleted(ctx)
	}
	if aerr == nil {
		aerr = seq.Err()
	}

	end := p.now.Now()
	duration := end.Sub(start)
	mod.EndAttempt(end, duration)

	if aerr != nil {
		tx.Rollback()
		*committed = true
		return p.recordFailure(ctx, mod, analyzer, aerr, res)
	}

	if mod.Status == model.StatusInProgress {
		mod.GrowStepSpan(p.cfg.StepTimeout.Std())
	}
	p.metrics.observeStep(mod.Type, mod.Status, duration)

	if err := p.logStatus(ctx, tx, mod); err != nil {
		return res, false, err
	}

	if mod.Auto && mod.Status == model.StatusDone {
		if p.auto.PurgeDelay.Std() <= 0 {
			if err := tx.DeleteModification(ctx, ref); err != nil {
				return res, false, fmt.Errorf("step %s: delete auto: %w", ref, err)
			}
			if err := tx.Commit(); err != nil {
				return res, false, fmt.Errorf("step %s: commit: %w", ref, err)
			}
			*committed = true
			res.After = mod.Status
			res.Deleted = true
			res.Iterations = mod.Iterations
			return res, false, nil
		}
		mod.MarkAsDonePurge(seq)
	}

	if err := save(ctx, tx, seq, mod); err != nil {
		return res, false, fmt.Errorf("step %s: save: %w", ref, err)
	}
	if err := tx.Commit(); err != nil {
		return res, false, fmt.Errorf("step %s: commit: %w", ref, err)
	}
	*committed = true

	res.After = mod.Status
	res.Iterations = mod.Iterations
	res.Retry = mod.Status == model.StatusInProgress
	return res, mod.Status.IsInError() && mod.Status != model.StatusChildInError, nil
}

// save writes mod unless drawing its completion order failed.
func save(ctx context.Context, tx Tx, seq *orderSequence, mod *model.Modification) error {
	if err := seq.Err(); err != nil {
		return err
	}
	return tx.SaveModification(ctx, mod)
}

// analyze calls the analyzer, converting a panic into an error.
func (p *Processor) analyze(ctx context.Context, analyzer Analyzer, step *Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analyzer panic: %v", r)
		}
	}()
	return analyzer.Analyze(ctx, step)
}

// recordFailure writes the outcome of a failed attempt in a new transaction.
// attempted carries the bookkeeping of the rolled back attempt.
func (p *Processor) recordFailure(ctx context.Context, attempted *model.Modification, analyzer Analyzer, aerr error, res StepResult) (StepResult, bool, error) {
	ref := attempted.Ref
	if ctx.Err() != nil {
		return res, false, fmt.Errorf("step %s: %w", ref, ctx.Err())
	}

	tx, err := p.repo.BeginTx(ctx, TxReadWrite)
	if err != nil {
		return res, false, fmt.Errorf("step %s: record failure: %w", ref, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	seq := newOrderSequence(ctx, tx)

	mod, err := tx.FindModification(ctx, ref)
	if err != nil {
		return res, false, fmt.Errorf("step %s: record failure: %w", ref, err)
	}
	mod.Iterations = attempted.Iterations
	mod.TotalDuration = attempted.TotalDuration
	mod.LastDuration = attempted.LastDuration
	mod.AnalysisBegin = attempted.AnalysisBegin
	mod.AnalysisEnd = attempted.AnalysisEnd
	mod.StepSpan = attempted.StepSpan

	cascade := false
	switch {
	case IsStepTimeout(aerr):
		mod.ShrinkStepSpan(p.cfg.StepTimeout.Std(), p.cfg.StepSpanDecreaseRate, p.cfg.MinStepSpan.Std())
		mod.MarkAsStepTimeout()
		res.Retry = true

	case IsTimeout(aerr):
		mod.MarkAsTimeout()
		if err := p.appendLog(ctx, tx, mod, model.LogWarn, "Analysis timeout"); err != nil {
			return res, false, err
		}

	case IsDatabaseTimeout(aerr):
		mod.MarkAsDatabaseTimeout()
		if err := p.appendLog(ctx, tx, mod, model.LogWarn, fmt.Sprintf("Database timeout: %v", aerr)); err != nil {
			return res, false, err
		}

	case IsIntegrityViolation(aerr):
		mod.MarkAsConstraintIntegrityViolation(aerr.Error(), seq)
		cascade = true

	case IsStaleData(aerr):
		res.Retry = true
		p.logger.Debug("stale data, retrying",
			"modification", ref.String(),
			"error", aerr)

	case IsCanceled(aerr):
		if err := p.cancelInTx(ctx, tx, seq, mod, analyzer, "cancellation requested"); err != nil {
			return res, false, err
		}
		cascade = true

	default:
		mod.MarkAsError(aerr.Error(), seq)
		cascade = true
	}

	if !IsTimeout(aerr) && !IsDatabaseTimeout(aerr) {
		if err := p.logStatus(ctx, tx, mod); err != nil {
			return res, false, err
		}
	}
	p.metrics.observeStep(mod.Type, mod.Status, mod.LastDuration)

	if err := save(ctx, tx, seq, mod); err != nil {
		return res, false, fmt.Errorf("step %s: save failure: %w", ref, err)
	}
	if err := tx.Commit(); err != nil {
		return res, false, fmt.Errorf("step %s: commit failure: %w", ref, err)
	}
	committed = true
	if IsCanceled(aerr) {
		p.cancels.Clear(ref)
	}

	res.After = mod.Status
	res.Iterations = mod.Iterations
	return res, cascade, nil
}

// resolveChildren settles a record waiting for its sub-modifications.
// Returns true while children are still running.
func (p *Processor) resolveChildren(ctx context.Context, tx Tx, seq *orderSequence, mod *model.Modification, analyzer Analyzer) (bool, error) {
	subs, err := tx.FindSubModifications(ctx, mod.Ref)
	if err != nil {
		return false, fmt.Errorf("resolve children of %s: %w", mod.Ref, err)
	}

	children := subs.All()
	statuses := make([]model.AnalysisStatus, 0, len(children))
	waiting := false
	maxPriority := mod.Priority
	for _, c := range children {
		if c.Status.IsNotCompleted() {
			waiting = true
			if c.StatusPriority > maxPriority {
				maxPriority = c.StatusPriority
			}
		}
		statuses = append(statuses, c.Status)
	}
	if waiting {
		mod.StatusPriority = maxPriority
		return true, nil
	}

	if r, ok := analyzer.(SubModificationResolver); ok {
		step := newStep(p, tx, seq, mod, nil)
		if err := r.ResolveSubModifications(ctx, step, children); err != nil {
			return false, fmt.Errorf("resolve children of %s: %w", mod.Ref, err)
		}
		if step.transitioned {
			return false, nil
		}
	}

	switch mod.MarkAllSubModificationsCompleted(statuses, seq) {
	case model.StatusError, model.StatusAncestorError,
		model.StatusNotApplicable, model.StatusAncestorNotApplicable:
		step := newStep(p, tx, seq, mod, nil)
		if err := analyzer.Cancel(ctx, step); err != nil {
			return false, fmt.Errorf("undo %s: %w", mod.Ref, err)
		}
	}
	return false, nil
}

// RequestCancel flags the record for cancellation without blocking. A worker
// holding it stops at its next checkpoint.
func (p *Processor) RequestCancel(ref model.ModificationRef) {
	p.cancels.Request(ref)
}

// Cancel undoes the effects of the record, completes it as cancelled and
// cascades ParentInError to its not completed descendants. Cancelling a
// completed record only runs the cascade.
func (p *Processor) Cancel(ctx context.Context, ref model.ModificationRef) error {
	p.cancels.Request(ref)

	claim, err := p.claims.Acquire(ctx, ref.Partition())
	if err != nil {
		return fmt.Errorf("cancel %s: %w", ref, err)
	}
	parent, err := p.cancelClaimed(ctx, ref)
	claim.Release()
	if err != nil {
		return err
	}
	p.cancels.Clear(ref)

	if err := p.cascadeParentInError(ctx, ref); err != nil {
		return err
	}
	if parent != nil {
		p.notify(parent.Partition())
	}
	return nil
}

func (p *Processor) cancelClaimed(ctx context.Context, ref model.ModificationRef) (*model.ModificationRef, error) {
	tx, err := p.repo.BeginTx(ctx, TxReadWrite)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", ref, err)
	}
	defer tx.Rollback()
	seq := newOrderSequence(ctx, tx)

	mod, err := tx.FindModification(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", ref, err)
	}
	if mod.Status.IsTerminal() {
		return nil, nil
	}

	analyzer, ok := p.analyzers.Lookup(mod.Type)
	if !ok {
		return nil, NewUnknownAnalyzerError(ref, mod.Type)
	}
	if err := p.cancelInTx(ctx, tx, seq, mod, analyzer, "cancelled by operator"); err != nil {
		return nil, err
	}
	if err := save(ctx, tx, seq, mod); err != nil {
		return nil, fmt.Errorf("cancel %s: save: %w", ref, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cancel %s: commit: %w", ref, err)
	}
	return mod.Parent, nil
}

func (p *Processor) cancelInTx(ctx context.Context, tx Tx, seq *orderSequence, mod *model.Modification, analyzer Analyzer, message string) error {
	step := newStep(p, tx, seq, mod, nil)
	if err := analyzer.Cancel(ctx, step); err != nil {
		return fmt.Errorf("cancel %s: undo: %w", mod.Ref, err)
	}
	mod.MarkAsCanceled(message, seq)
	p.metrics.observeCancel()
	p.logger.Info("modification cancelled",
		"modification", mod.Ref.String(),
		"message", message)
	return p.appendLog(ctx, tx, mod, model.LogInfo, message)
}

// cascadeParentInError completes every not completed descendant of ref with
// ParentInError, undoing their effects. Each descendant is handled under
// its own partition claim.
func (p *Processor) cascadeParentInError(ctx context.Context, ref model.ModificationRef) error {
	queue := []model.ModificationRef{ref}
	visited := map[model.ModificationRef]bool{ref: true}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := p.childRefs(ctx, current)
		if err != nil {
			return err
		}
		for _, child := range children {
			if visited[child] {
				continue
			}
			visited[child] = true
			if err := p.markParentInError(ctx, child, current); err != nil {
				return err
			}
			queue = append(queue, child)
		}
	}
	return nil
}

func (p *Processor) childRefs(ctx context.Context, ref model.ModificationRef) ([]model.ModificationRef, error) {
	tx, err := p.repo.BeginTx(ctx, TxReadOnly)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", ref, err)
	}
	defer tx.Rollback()

	subs, err := tx.FindSubModifications(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", ref, err)
	}
	all := subs.All()
	refs := make([]model.ModificationRef, 0, len(all))
	for _, c := range all {
		refs = append(refs, c.Ref)
	}
	return refs, nil
}

func (p *Processor) markParentInError(ctx context.Context, ref, parent model.ModificationRef) error {
	claim, err := p.claims.Acquire(ctx, ref.Partition())
	if err != nil {
		return fmt.Errorf("cascade to %s: %w", ref, err)
	}
	defer claim.Release()

	tx, err := p.repo.BeginTx(ctx, TxReadWrite)
	if err != nil {
		return fmt.Errorf("cascade to %s: %w", ref, err)
	}
	defer tx.Rollback()
	seq := newOrderSequence(ctx, tx)

	mod, err := tx.FindModification(ctx, ref)
	if err != nil {
		return fmt.Errorf("cascade to %s: %w", ref, err)
	}
	if mod.Status.IsTerminal() {
		return nil
	}
	if analyzer, ok := p.analyzers.Lookup(mod.Type); ok {
		if err := analyzer.Cancel(ctx, newStep(p, tx, seq, mod, nil)); err != nil {
			return fmt.Errorf("cascade to %s: undo: %w", ref, err)
		}
	}
	mod.MarkAsParentInError(fmt.Sprintf("parent %s cancelled or in error", parent), seq)
	p.metrics.observeCancel()
	if err := p.logStatus(ctx, tx, mod); err != nil {
		return err
	}
	if err := save(ctx, tx, seq, mod); err != nil {
		return fmt.Errorf("cascade to %s: save: %w", ref, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cascade to %s: commit: %w", ref, err)
	}
	return nil
}

// RemainingModifications returns the number of not completed records among
// the record and its descendants. Approximate under concurrent updates.
func (p *Processor) RemainingModifications(ctx context.Context, ref model.ModificationRef) (int, error) {
	tx, err := p.repo.BeginTx(ctx, TxReadOnly)
	if err != nil {
		return 0, fmt.Errorf("remaining of %s: %w", ref, err)
	}
	defer tx.Rollback()

	root, err := tx.FindModification(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("remaining of %s: %w", ref, err)
	}

	count := 0
	queue := []*model.Modification{root}
	visited := map[model.ModificationRef]bool{}
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		if visited[m.Ref] {
			continue
		}
		visited[m.Ref] = true
		if m.Status.IsNotCompleted() {
			count++
		}
		subs, err := tx.FindSubModifications(ctx, m.Ref)
		if err != nil {
			return 0, fmt.Errorf("remaining of %s: %w", ref, err)
		}
		queue = append(queue, subs.All()...)
	}
	return count, nil
}

// Purge removes DonePurge records whose purge delay elapsed.
func (p *Processor) Purge(ctx context.Context) (int64, error) {
	tx, err := p.repo.BeginTx(ctx, TxReadWrite)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	defer tx.Rollback()

	cutoff := p.now.Now().Add(-p.auto.PurgeDelay.Std())
	n, err := tx.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge: commit: %w", err)
	}
	p.metrics.observePurged(n)
	if n > 0 {
		p.logger.Debug("purged auto modifications", "count", n)
	}
	return n, nil
}

// logStatus reports the status of the record to the analysis log following
// the visibility policy: errors always, caveated successes at info level,
// retryable statuses past the retry threshold.
func (p *Processor) logStatus(ctx context.Context, tx Tx, mod *model.Modification) error {
	switch {
	case mod.Status.IsInError():
		msg := mod.Message
		if msg == "" {
			msg = mod.Status.String()
		}
		return p.appendLog(ctx, tx, mod, model.LogError, msg)

	case mod.Status == model.StatusNotApplicable || mod.Status == model.StatusAncestorNotApplicable:
		return p.appendLog(ctx, tx, mod, model.LogInfo, fmt.Sprintf("%s: %s", mod.Status, mod.Message))

	case mod.Status == model.StatusDonePurge:
		p.logger.Info("modification kept for delayed purge", "modification", mod.Ref.String())

	case mod.Status.IsRetryable() && p.cfg.RetryLogThreshold > 0 && mod.Iterations >= p.cfg.RetryLogThreshold:
		return p.appendLog(ctx, tx, mod, model.LogWarn,
			fmt.Sprintf("%s after %d attempts", mod.Status, mod.Iterations))
	}
	return nil
}

func (p *Processor) appendLog(ctx context.Context, tx Tx, mod *model.Modification, level model.LogLevel, message string) error {
	ref := mod.Ref
	entry := model.AnalysisLog{
		Level:        level,
		Message:      message,
		Modification: &ref,
		MachineID:    ref.MachineID,
		Iterations:   mod.Iterations,
		Status:       mod.Status.String(),
		CreatedAt:    p.now.Now(),
	}

	attrs := []any{
		"modification", ref.String(),
		"machine_id", ref.MachineID,
		"iterations", mod.Iterations,
		"status", mod.Status.String(),
	}
	switch level {
	case model.LogError:
		p.logger.Error(message, attrs...)
	case model.LogWarn:
		p.logger.Warn(message, attrs...)
	default:
		p.logger.Info(message, attrs...)
	}

	if err := tx.AppendAnalysisLog(ctx, entry); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("analysis log for %s: %w", ref, err)
	}
	return nil
}
