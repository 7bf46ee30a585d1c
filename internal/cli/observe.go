package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/reason"
)

// ObserveOptions holds flags for the observe command.
type ObserveOptions struct {
	*RootOptions
	Machine int64
	Begin   string
	End     string
	Mode    int64
	State   int64
	Shift   int64
	Drain   bool
}

// NewObserveCommand creates the observe command.
func NewObserveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ObserveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Record an observed machine context",
		Long: `Submit a machine context change: the machine mode and observation
state seen over a range. The range receives the default reason of the
context unless a manual or auto reason covers it.

Example:
  pulse observe --machine 7 --mode 1 --state 1 --begin 2026-01-05T06:00:00Z
  pulse observe --machine 7 --mode 2 --state 1 --shift 3 \
    --begin 2026-01-05T14:00:00Z --end 2026-01-05T22:00:00Z --drain`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return observe(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.Int64Var(&opts.Machine, "machine", 0, "machine id (required)")
	f.StringVar(&opts.Begin, "begin", "", "range begin (RFC 3339)")
	f.StringVar(&opts.End, "end", "", "range end (RFC 3339); empty is open")
	f.Int64Var(&opts.Mode, "mode", 0, "machine mode id (required)")
	f.Int64Var(&opts.State, "state", 0, "observation state id (required)")
	f.Int64Var(&opts.Shift, "shift", 0, "shift id")
	f.BoolVar(&opts.Drain, "drain", false, "process the backlog before returning")
	_ = cmd.MarkFlagRequired("machine")
	_ = cmd.MarkFlagRequired("mode")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}

func observe(opts *ObserveOptions, cmd *cobra.Command) error {
	r, err := parseRange(opts.Begin, opts.End)
	if err != nil {
		return err
	}
	if r.IsEmpty() {
		return usageError(CodeInvalidFlag, "--end must be after --begin")
	}

	ctx := commandContext(cmd.Context())
	a, err := openApp(opts.RootOptions, newLogger(opts.RootOptions, cmd.ErrOrStderr(), slog.LevelWarn))
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := reason.NewContextChangeModification(opts.Machine, model.MachineContextChange{
		Range:            r,
		MachineMode:      opts.Mode,
		ObservationState: opts.State,
		Shift:            opts.Shift,
	}, a.sys.Processor.Now())
	if err != nil {
		return wrapUsage(CodeInvalidContext, "invalid context change", err)
	}

	ref, err := a.sys.Scheduler.Submit(ctx, m)
	if err != nil {
		return wrapFailure(CodeSubmitFailed, "failed to submit context change", err)
	}
	a.logger.Info("context change submitted", "ref", ref.String(), "range", r.String())

	return reportSubmission(ctx, a, opts.RootOptions, opts.Drain, ref, cmd)
}
