package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/store"
)

// SlotsOptions holds flags for the slots command.
type SlotsOptions struct {
	*RootOptions
	Machine   int64
	Begin     string
	End       string
	Proposals bool
}

// TimelineView is the timeline of one machine over a range.
type TimelineView struct {
	Machine   int64                  `json:"machine"`
	Range     string                 `json:"range"`
	Slots     []model.ReasonSlot     `json:"slots"`
	Proposals []model.ReasonProposal `json:"proposals,omitempty"`
}

// NewSlotsCommand creates the slots command.
func NewSlotsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SlotsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Show the reason timeline of a machine",
		Long: `List the reason slots of a machine overlapping a range, oldest first.
Without --begin the whole timeline is listed.

Example:
  pulse slots --machine 7
  pulse slots --machine 7 --begin 2026-01-05T06:00:00Z --end 2026-01-05T14:00:00Z
  pulse slots --machine 7 --proposals --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showSlots(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.Int64Var(&opts.Machine, "machine", 0, "machine id (required)")
	f.StringVar(&opts.Begin, "begin", "", "range begin (RFC 3339)")
	f.StringVar(&opts.End, "end", "", "range end (RFC 3339); empty is open")
	f.BoolVar(&opts.Proposals, "proposals", false, "also list the proposals")
	_ = cmd.MarkFlagRequired("machine")

	return cmd
}

func showSlots(opts *SlotsOptions, cmd *cobra.Command) error {
	r := model.OpenRange(time.Unix(0, 0).UTC())
	if opts.Begin != "" || opts.End != "" {
		var err error
		if r, err = parseRange(opts.Begin, opts.End); err != nil {
			return err
		}
	}

	ctx := commandContext(cmd.Context())
	a, err := openApp(opts.RootOptions, newLogger(opts.RootOptions, cmd.ErrOrStderr(), slog.LevelWarn))
	if err != nil {
		return err
	}
	defer a.Close()

	view := TimelineView{Machine: opts.Machine, Range: r.String()}
	err = a.store.View(ctx, func(tx *store.Tx) error {
		slots, err := tx.SlotsOverlapping(ctx, opts.Machine, r)
		if err != nil {
			return err
		}
		view.Slots = slots
		if !opts.Proposals {
			return nil
		}
		view.Proposals, err = tx.ProposalsOverlapping(ctx, opts.Machine, r)
		return err
	})
	if err != nil {
		return wrapFailure(CodeStore, "failed to read timeline", err)
	}
	if view.Slots == nil {
		view.Slots = []model.ReasonSlot{}
	}

	if opts.Format == "json" {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return out.Success(view)
	}
	outputTimelineText(cmd, view)
	return nil
}

func outputTimelineText(cmd *cobra.Command, view TimelineView) {
	w := cmd.OutOrStdout()
	if len(view.Slots) == 0 {
		fmt.Fprintf(w, "No slots on machine %d in %s\n", view.Machine, view.Range)
	}
	for _, s := range view.Slots {
		line := fmt.Sprintf("%s mode=%d state=%d reason=%d %s score=%g",
			s.Range, s.MachineMode, s.ObservationState, s.Reason, s.Source, s.Score)
		if s.AutoReasonNumber > 0 {
			line += fmt.Sprintf(" autos=%d", s.AutoReasonNumber)
		}
		if s.OverwriteRequired {
			line += " overwrite_required"
		}
		fmt.Fprintln(w, line)
	}

	if len(view.Proposals) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Proposals: %d\n", len(view.Proposals))
	for _, p := range view.Proposals {
		fmt.Fprintf(w, "  #%d %s %s reason=%d score=%g modification=%d\n",
			p.ID, p.Kind, p.Range, p.Reason, p.Score, p.ModificationID)
	}
}
