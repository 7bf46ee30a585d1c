package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/store"
)

// statusPurged is reported for auto records removed after completion.
const statusPurged = "Purged"

// RefOptions selects one modification record.
type RefOptions struct {
	*RootOptions
	Machine int64
	Global  bool
	ID      int64
}

func (o *RefOptions) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&o.Machine, "machine", 0, "machine id of a machine modification")
	cmd.Flags().BoolVar(&o.Global, "global", false, "select a global modification")
	cmd.Flags().Int64Var(&o.ID, "id", 0, "modification id (required)")
}

// StatusView is the status report of one modification.
type StatusView struct {
	Ref        string        `json:"ref"`
	Type       string        `json:"type"`
	Status     string        `json:"status"`
	NextStatus string        `json:"next_status,omitempty"`
	Message    string        `json:"message,omitempty"`
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"total_duration"`
	Remaining  int           `json:"remaining"`
	Parent     string        `json:"parent,omitempty"`
}

func (v StatusView) String() string {
	s := fmt.Sprintf("%s %s %s iterations=%d remaining=%d", v.Ref, v.Type, v.Status, v.Iterations, v.Remaining)
	if v.NextStatus != "" {
		s += " next=" + v.NextStatus
	}
	if v.Parent != "" {
		s += " parent=" + v.Parent
	}
	if v.Message != "" {
		s += "\n  " + v.Message
	}
	return s
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RefOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the processing status of a modification",
		Long: `Show the status, iteration count and number of remaining not completed
modifications of a record. The remaining count includes the record itself
and, for a global association, its machine sub-modifications.

Example:
  pulse status --machine 7 --id 12
  pulse status --global --id 3 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(opts, cmd)
		},
	}
	opts.bind(cmd)

	return cmd
}

func showStatus(opts *RefOptions, cmd *cobra.Command) error {
	ref, err := refFromFlags(opts.Global, opts.Machine, opts.ID)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd.Context())
	a, err := openApp(opts.RootOptions, newLogger(opts.RootOptions, cmd.ErrOrStderr(), slog.LevelWarn))
	if err != nil {
		return err
	}
	defer a.Close()

	var mod *model.Modification
	err = a.store.View(ctx, func(tx *store.Tx) error {
		mod, err = tx.FindModification(ctx, ref)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return failure(CodeNotFound, fmt.Sprintf("modification %s not found", ref))
	}
	if err != nil {
		return wrapFailure(CodeStore, "failed to read modification", err)
	}

	remaining, err := a.sys.Processor.RemainingModifications(ctx, ref)
	if err != nil {
		return wrapFailure(CodeStore, "failed to count remaining modifications", err)
	}

	view := StatusView{
		Ref:        mod.Ref.String(),
		Type:       mod.Type,
		Status:     mod.Status.String(),
		Message:    mod.Message,
		Iterations: mod.Iterations,
		Duration:   mod.TotalDuration,
		Remaining:  remaining,
	}
	if mod.NextStatus != nil {
		view.NextStatus = mod.NextStatus.String()
	}
	if mod.Parent != nil {
		view.Parent = mod.Parent.String()
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Success(view)
}

// currentStatus returns the stored status name of ref, or Purged.
func currentStatus(ctx context.Context, a *app, ref model.ModificationRef) (string, error) {
	var status string
	err := a.store.View(ctx, func(tx *store.Tx) error {
		m, err := tx.FindModification(ctx, ref)
		if err != nil {
			return err
		}
		status = m.Status.String()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return statusPurged, nil
	}
	if err != nil {
		return "", wrapFailure(CodeStore, "failed to read modification", err)
	}
	return status, nil
}
