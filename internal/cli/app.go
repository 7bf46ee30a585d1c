package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/pulse/internal/config"
	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/reason"
	"github.com/roach88/pulse/internal/store"
)

// drainPasses bounds the passes a command runs with --drain.
const drainPasses = 1000

// app is a store with the reason system wired on it.
type app struct {
	store  *store.Store
	sys    *reason.System
	logger *slog.Logger
}

// loadConfig reads --config when given, else the defaults. --db wins over
// the configured database.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	return cfg, nil
}

// newLogger logs at level, or at debug with --verbose.
func newLogger(opts *RootOptions, w io.Writer, level slog.Level) *slog.Logger {
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openApp opens the configured store and wires the processor on it.
func openApp(opts *RootOptions, logger *slog.Logger, extra ...engine.Option) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, wrapUsage(CodeConfig, "failed to load configuration", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, wrapUsage(CodeStore, "failed to open database", err)
	}

	sys, err := reason.NewSystem(st, cfg, logger, extra...)
	if err != nil {
		_ = st.Close()
		return nil, wrapUsage(CodeConfig, "failed to start processor", err)
	}
	logger.Debug("database ready", "path", cfg.Database)

	return &app{store: st, sys: sys, logger: logger}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// drain processes the backlog in process.
func (a *app) drain(ctx context.Context) (engine.PassStats, error) {
	stats, err := a.sys.Scheduler.Drain(ctx, drainPasses)
	if err != nil {
		return stats, wrapFailure(CodeProcessingFailed, "processing failed", err)
	}
	a.logger.Debug("backlog drained",
		"passes", stats.Passes,
		"steps", stats.Steps,
		"completed", stats.Completed)
	return stats, nil
}

// commandContext returns the command context or a background one.
func commandContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// parseTime accepts RFC 3339 timestamps; the result is UTC.
func parseTime(flag, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, usageError(CodeInvalidFlag, fmt.Sprintf("invalid --%s %q: expected RFC 3339", flag, value))
	}
	return t.UTC(), nil
}

// parseRange builds [begin,end) from flag values. An empty end is open.
func parseRange(begin, end string) (model.Range, error) {
	if begin == "" {
		return model.Range{}, usageError(CodeInvalidFlag, "--begin is required")
	}
	b, err := parseTime("begin", begin)
	if err != nil {
		return model.Range{}, err
	}
	if end == "" {
		return model.OpenRange(b), nil
	}
	e, err := parseTime("end", end)
	if err != nil {
		return model.Range{}, err
	}
	if e.Before(b) {
		return model.Range{}, usageError(CodeInvalidFlag, "--end must not precede --begin")
	}
	return model.NewRange(b, e), nil
}

// refFromFlags resolves --global/--machine with --id into a reference.
func refFromFlags(global bool, machine, id int64) (model.ModificationRef, error) {
	if id <= 0 {
		return model.ModificationRef{}, usageError(CodeInvalidFlag, "--id is required")
	}
	switch {
	case global && machine != 0:
		return model.ModificationRef{}, usageError(CodeInvalidFlag, "--global and --machine are exclusive")
	case global:
		return model.GlobalRef(id), nil
	case machine > 0:
		return model.MachineRef(machine, id), nil
	default:
		return model.ModificationRef{}, usageError(CodeInvalidFlag, "--machine or --global is required")
	}
}
