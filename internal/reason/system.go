package reason

import (
	"fmt"
	"log/slog"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/engine"
)

// System bundles the processor and scheduler serving the reason analyzers.
type System struct {
	Consolidator *Consolidator
	Resolvers    *Resolvers
	Processor    *engine.Processor
	Scheduler    *engine.Scheduler
}

// NewSystem wires the reason analyzers on repo from cfg. The mode hierarchy
// is checked for cycles.
func NewSystem(repo engine.Repository, cfg config.Config, logger *slog.Logger, opts ...engine.Option) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := NewDefaultResolver(cfg.MachineModes, cfg.DefaultReasons)
	if err := defaults.CheckHierarchy(); err != nil {
		return nil, fmt.Errorf("machine modes: %w", err)
	}

	cons := NewConsolidator(defaults, WithConsolidatorLogger(logger))
	resolvers := NewResolvers()
	reg := engine.NewRegistry()
	if err := Register(reg, cons, resolvers); err != nil {
		return nil, err
	}

	opts = append([]engine.Option{engine.WithLogger(logger)}, opts...)
	proc := engine.New(repo, reg, cfg.Analysis, cfg.Auto, opts...)
	sched := engine.NewScheduler(proc, cfg.Scheduler,
		engine.WithPartitionHook(cons.ProcessPendingSlots),
		engine.WithSchedulerLogger(logger))

	return &System{
		Consolidator: cons,
		Resolvers:    resolvers,
		Processor:    proc,
		Scheduler:    sched,
	}, nil
}
