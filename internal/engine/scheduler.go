package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/model"
)

// anyPriority selects every not completed record regardless of priority.
const anyPriority = math.MinInt32

// PartitionHook runs after a partition pass while its claim is held.
type PartitionHook func(ctx context.Context, tx Tx, p model.Partition) error

// PassStats summarizes one or more scheduler passes.
type PassStats struct {
	Passes     int
	Partitions int
	Steps      int
	Completed  int

	// Progress counts steps that changed the record (status, deletion or
	// retry request).
	Progress int
}

func (s *PassStats) add(o PassStats) {
	s.Passes += o.Passes
	s.Partitions += o.Partitions
	s.Steps += o.Steps
	s.Completed += o.Completed
	s.Progress += o.Progress
}

// Scheduler runs processor steps over every partition with pending work.
//
// Partitions are served concurrently, at most Workers at a time. Inside a
// partition records are advanced one after the other in scheduling order
// (status_priority descending, id ascending), so a machine timeline only
// ever sees one writer.
type Scheduler struct {
	proc     *Processor
	queue    *partitionQueue
	cfg      config.Scheduler
	maxSteps int
	hooks    []PartitionHook
	logger   *slog.Logger
	metrics  *Metrics
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPartitionHook adds a hook run after each machine partition pass.
func WithPartitionHook(h PartitionHook) SchedulerOption {
	return func(s *Scheduler) {
		s.hooks = append(s.hooks, h)
	}
}

// WithSchedulerLogger sets the logger. Default: the processor logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler creates a scheduler bound to proc. Records submitted through
// the processor wake the scheduler.
func NewScheduler(proc *Processor, cfg config.Scheduler, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		proc:     proc,
		queue:    newPartitionQueue(),
		cfg:      cfg,
		maxSteps: proc.cfg.MaxStepsPerPass,
		logger:   proc.logger,
		metrics:  proc.metrics,
	}
	if s.cfg.Workers < 1 {
		s.cfg.Workers = 1
	}
	if s.maxSteps < 1 {
		s.maxSteps = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	proc.OnNotify(s.Notify)
	return s
}

// Notify queues p for the next pass.
func (s *Scheduler) Notify(p model.Partition) {
	s.queue.Enqueue(p)
}

// Submit stores m through the processor and wakes the scheduler.
func (s *Scheduler) Submit(ctx context.Context, m *model.Modification) (model.ModificationRef, error) {
	return s.proc.Submit(ctx, m)
}

// Run loops passes until ctx is done. A pass starts on notification or
// every PollInterval; DonePurge records are purged after each pass.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		"workers", s.cfg.Workers,
		"poll_interval", s.cfg.PollInterval.Std())

	interval := s.cfg.PollInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.queue.Close()

	for {
		if _, err := s.RunPass(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("scheduler pass failed", "error", err)
		}
		if _, err := s.proc.Purge(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("purge failed", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-s.queue.Wait():
			continue
		case <-ticker.C:
			continue
		}
		break
	}

	s.logger.Info("scheduler stopped", "reason", ctx.Err())
	return ctx.Err()
}

// Drain runs passes until one makes no progress or maxPasses is reached.
func (s *Scheduler) Drain(ctx context.Context, maxPasses int) (PassStats, error) {
	var total PassStats
	for i := 0; i < maxPasses; i++ {
		stats, err := s.RunPass(ctx)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.Progress == 0 && s.queue.Len() == 0 {
			break
		}
	}
	if _, err := s.proc.Purge(ctx); err != nil {
		return total, err
	}
	return total, nil
}

// RunPass serves every queued or backlogged partition once.
func (s *Scheduler) RunPass(ctx context.Context) (PassStats, error) {
	partitions, err := s.pending(ctx)
	if err != nil {
		return PassStats{}, err
	}
	s.metrics.observePass()

	var (
		mu    sync.Mutex
		stats = PassStats{Passes: 1, Partitions: len(partitions)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, part := range partitions {
		g.Go(func() error {
			ps, err := s.servePartition(gctx, part)
			mu.Lock()
			stats.add(ps)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	return stats, err
}

// pending merges the notified partitions with the stored backlog.
func (s *Scheduler) pending(ctx context.Context) ([]model.Partition, error) {
	notified := s.queue.DrainAll()

	tx, err := s.proc.repo.BeginTx(ctx, TxReadOnly)
	if err != nil {
		return nil, fmt.Errorf("scheduler backlog: %w", err)
	}
	backlog, err := tx.BacklogPartitions(ctx)
	tx.Rollback()
	if err != nil {
		return nil, fmt.Errorf("scheduler backlog: %w", err)
	}

	seen := make(map[model.Partition]bool, len(notified)+len(backlog))
	out := make([]model.Partition, 0, len(notified)+len(backlog))
	for _, list := range [][]model.Partition{notified, backlog} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *Scheduler) servePartition(ctx context.Context, part model.Partition) (PassStats, error) {
	var stats PassStats

	refs, err := s.notCompleted(ctx, part)
	if err != nil {
		return stats, err
	}

	for _, ref := range refs {
		for steps := 0; steps < s.maxSteps; steps++ {
			res, err := s.proc.RunStep(ctx, ref)
			if err != nil {
				return stats, err
			}
			stats.Steps++
			if res.Completed() && !res.Before.IsTerminal() {
				stats.Completed++
			}
			if res.Deleted || res.Retry || res.After != res.Before {
				stats.Progress++
			}
			if !res.Retry {
				break
			}
		}
	}

	if part.Scope == model.ScopeMachine && len(s.hooks) > 0 {
		if err := s.runHooks(ctx, part); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (s *Scheduler) notCompleted(ctx context.Context, part model.Partition) ([]model.ModificationRef, error) {
	tx, err := s.proc.repo.BeginTx(ctx, TxReadOnly)
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", part, err)
	}
	defer tx.Rollback()

	mods, err := tx.FindNotCompleted(ctx, part, anyPriority)
	if err != nil {
		return nil, fmt.Errorf("partition %s: %w", part, err)
	}
	refs := make([]model.ModificationRef, len(mods))
	for i, m := range mods {
		refs[i] = m.Ref
	}
	return refs, nil
}

func (s *Scheduler) runHooks(ctx context.Context, part model.Partition) error {
	claim, err := s.proc.claims.Acquire(ctx, part)
	if err != nil {
		return err
	}
	defer claim.Release()

	tx, err := s.proc.repo.BeginTx(ctx, TxReadWrite)
	if err != nil {
		return fmt.Errorf("partition %s hooks: %w", part, err)
	}
	for _, h := range s.hooks {
		if err := h(ctx, tx, part); err != nil {
			tx.Rollback()
			if errors.Is(err, context.Canceled) {
				return err
			}
			// A failed hook only delays the pending slot pass.
			s.logger.Warn("partition hook failed",
				"partition", part.String(),
				"error", err)
			return nil
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("partition %s hooks: commit: %w", part, err)
	}
	return nil
}
