package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/store"
)

// NewCancelCommand creates the cancel command.
func NewCancelCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RefOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a modification",
		Long: `Cancel a machine association: the part already applied is withdrawn
from the timeline and the record ends in status Cancel. Descendants of the
record are put in ParentInError. Completed records only cascade.

Context changes and global modifications cannot be cancelled.

Example:
  pulse cancel --machine 7 --id 12`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cancelModification(opts, cmd)
		},
	}
	opts.bind(cmd)

	return cmd
}

func cancelModification(opts *RefOptions, cmd *cobra.Command) error {
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

	err = a.sys.Processor.Cancel(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return failure(CodeNotFound, fmt.Sprintf("modification %s not found", ref))
	}
	if err != nil {
		return wrapFailure(CodeCancelFailed, fmt.Sprintf("failed to cancel %s", ref), err)
	}
	a.logger.Info("modification cancelled", "ref", ref.String())

	status, err := currentStatus(ctx, a, ref)
	if err != nil {
		return err
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if opts.Format == "json" {
		return out.Success(submitResult{Ref: ref.String(), Status: status})
	}
	return out.Success(fmt.Sprintf("%s %s", ref, status))
}
