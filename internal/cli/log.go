package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Limit   int
	Records bool
	Machine int64
	Global  bool
}

// RecordView is one line of the recent modifications listing.
type RecordView struct {
	Ref        string    `json:"ref"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	Iterations int       `json:"iterations"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the analysis log",
		Long: `Show the newest analysis log entries: status changes, retries and
errors of the processed modifications.

With --records the most recent modifications of one partition are listed
instead.

Example:
  pulse log --limit 20
  pulse log --records --machine 7
  pulse log --records --global --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showLog(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Limit, "limit", 50, "maximum number of entries")
	f.BoolVar(&opts.Records, "records", false, "list recent modifications instead of log entries")
	f.Int64Var(&opts.Machine, "machine", 0, "machine partition of --records")
	f.BoolVar(&opts.Global, "global", false, "global partition of --records")

	return cmd
}

func showLog(opts *LogOptions, cmd *cobra.Command) error {
	if opts.Limit <= 0 {
		return usageError(CodeInvalidFlag, "--limit must be positive")
	}
	var partition model.Partition
	if opts.Records {
		switch {
		case opts.Global && opts.Machine != 0:
			return usageError(CodeInvalidFlag, "--global and --machine are exclusive")
		case opts.Global:
			partition = model.GlobalPartition
		case opts.Machine > 0:
			partition = model.MachinePartition(opts.Machine)
		default:
			return usageError(CodeInvalidFlag, "--records requires --machine or --global")
		}
	}

	ctx := commandContext(cmd.Context())
	a, err := openApp(opts.RootOptions, newLogger(opts.RootOptions, cmd.ErrOrStderr(), slog.LevelWarn))
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		entries []model.AnalysisLog
		records []RecordView
	)
	err = a.store.View(ctx, func(tx *store.Tx) error {
		if !opts.Records {
			var err error
			entries, err = tx.AnalysisLogs(ctx, opts.Limit)
			return err
		}
		mods, err := tx.RecentModifications(ctx, partition, opts.Limit)
		if err != nil {
			return err
		}
		for _, m := range mods {
			records = append(records, RecordView{
				Ref:        m.Ref.String(),
				Type:       m.Type,
				Status:     m.Status.String(),
				Priority:   m.Priority,
				Iterations: m.Iterations,
				CreatedAt:  m.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return wrapFailure(CodeStore, "failed to read log", err)
	}

	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		out := &OutputFormatter{Format: opts.Format, Writer: w}
		if opts.Records {
			if records == nil {
				records = []RecordView{}
			}
			return out.Success(records)
		}
		if entries == nil {
			entries = []model.AnalysisLog{}
		}
		return out.Success(entries)
	}

	if opts.Records {
		if len(records) == 0 {
			fmt.Fprintf(w, "No modifications in %s\n", partition)
		}
		for _, r := range records {
			fmt.Fprintf(w, "%s %s %s %s iterations=%d priority=%d\n",
				r.CreatedAt.Format(time.RFC3339), r.Ref, r.Type, r.Status, r.Iterations, r.Priority)
		}
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No log entries.")
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-5s", e.CreatedAt.Format(time.RFC3339), e.Level)
		if e.Modification != nil {
			line += " " + e.Modification.String()
		}
		if e.Status != "" {
			line += " " + e.Status
		}
		fmt.Fprintf(w, "%s %s\n", line, e.Message)
	}
	return nil
}
