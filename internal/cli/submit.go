package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pulse/internal/model"
	"github.com/roach88/pulse/internal/reason"
)

// SubmitOptions holds flags for the submit association command.
type SubmitOptions struct {
	*RootOptions
	Machine  int64
	Machines []int64
	Kind     string
	Begin    string
	End      string
	Dynamic  string
	Reason   int64
	Score    float64
	Details  string
	Data     string
	Priority int

	DynamicEndBeforeRealEnd bool
	Progressive             bool
	RestrictMode            int64
	RestrictState           int64

	Drain bool
}

// submitResult is the JSON payload of a submission.
type submitResult struct {
	Ref    string `json:"ref"`
	Status string `json:"status"`
}

// NewSubmitCommand creates the submit command group.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit modifications",
	}
	cmd.AddCommand(NewSubmitAssociationCommand(rootOpts))
	return cmd
}

// NewSubmitAssociationCommand creates the submit association command.
func NewSubmitAssociationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "association",
		Short: "Associate a reason with a machine range",
		Long: `Submit a reason machine association.

A single --machine creates a machine modification. --machines creates a
global modification fanning the association out to every listed machine.

Kinds:
  manual          operator reason; reason 0 resets the manual reason
  auto            detected reason, applied where no manual reason exists
  auto-overwrite  auto reason marked as requiring an operator overwrite
  reset           remove every association from the range

Examples:
  pulse submit association --machine 7 --kind manual --reason 40 \
    --begin 2026-01-05T10:00:00Z --end 2026-01-05T10:20:00Z
  pulse submit association --machines 1,2 --kind auto --reason 50 --score 80 \
    --begin 2026-01-05T10:00:00Z --dynamic ,next-stop --drain`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitAssociation(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.Int64Var(&opts.Machine, "machine", 0, "machine id")
	f.Int64SliceVar(&opts.Machines, "machines", nil, "machine ids of a global association")
	f.StringVar(&opts.Kind, "kind", "", "association kind (manual|auto|auto-overwrite|reset)")
	f.StringVar(&opts.Begin, "begin", "", "range begin (RFC 3339)")
	f.StringVar(&opts.End, "end", "", "range end (RFC 3339); empty is open")
	f.StringVar(&opts.Dynamic, "dynamic", "", "dynamic bounds as <start-resolver>,<end-resolver>")
	f.Int64Var(&opts.Reason, "reason", 0, "reason id")
	f.Float64Var(&opts.Score, "score", 0, "reason score")
	f.StringVar(&opts.Details, "details", "", "free text details")
	f.StringVar(&opts.Data, "data", "", "JSON object of association data")
	f.IntVar(&opts.Priority, "priority", 0, "modification priority")
	f.BoolVar(&opts.DynamicEndBeforeRealEnd, "dynamic-end-before-real-end", false, "track a dynamic end reached before the real end")
	f.BoolVar(&opts.Progressive, "progressive", false, "apply a dynamic end progressively")
	f.Int64Var(&opts.RestrictMode, "restrict-mode", 0, "only apply where the machine mode matches")
	f.Int64Var(&opts.RestrictState, "restrict-state", 0, "only apply where the observation state matches")
	f.BoolVar(&opts.Drain, "drain", false, "process the backlog before returning")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

// parseKind accepts the dashed CLI spelling of the association kinds.
func parseKind(kind string) (model.AssociationKind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(kind)), "-", "_")
	if err := model.ValidateKind(normalized); err != nil {
		return "", usageError(CodeInvalidFlag, err.Error())
	}
	return model.AssociationKind(normalized), nil
}

func (o *SubmitOptions) association() (model.ReasonMachineAssociation, error) {
	kind, err := parseKind(o.Kind)
	if err != nil {
		return model.ReasonMachineAssociation{}, err
	}
	r, err := parseRange(o.Begin, o.End)
	if err != nil {
		return model.ReasonMachineAssociation{}, err
	}

	var data model.Data
	if o.Data != "" {
		if err := data.UnmarshalJSON([]byte(o.Data)); err != nil {
			return model.ReasonMachineAssociation{}, wrapUsage(CodeInvalidFlag, "invalid --data", err)
		}
	}

	return model.ReasonMachineAssociation{
		Kind:    kind,
		Range:   r,
		Dynamic: o.Dynamic,
		Reason:  model.ReasonID(o.Reason),
		Score:   o.Score,
		Details: o.Details,
		Data:    data,
		Option: model.AssociationOption{
			DynamicEndBeforeRealEnd: o.DynamicEndBeforeRealEnd,
			ProgressiveStrategy:     o.Progressive,
		},
		Restriction: model.Restriction{
			MachineMode:      o.RestrictMode,
			ObservationState: o.RestrictState,
		},
	}, nil
}

func submitAssociation(opts *SubmitOptions, cmd *cobra.Command) error {
	switch {
	case opts.Machine == 0 && len(opts.Machines) == 0:
		return usageError(CodeInvalidFlag, "--machine or --machines is required")
	case opts.Machine != 0 && len(opts.Machines) > 0:
		return usageError(CodeInvalidFlag, "--machine and --machines are exclusive")
	}

	assoc, err := opts.association()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd.Context())
	a, err := openApp(opts.RootOptions, newLogger(opts.RootOptions, cmd.ErrOrStderr(), slog.LevelWarn))
	if err != nil {
		return err
	}
	defer a.Close()

	now := a.sys.Processor.Now()
	var m *model.Modification
	if len(opts.Machines) > 0 {
		m, err = reason.NewGlobalAssociationModification(opts.Machines, assoc, opts.Priority, now)
	} else {
		m, err = reason.NewAssociationModification(opts.Machine, &assoc, opts.Priority, now)
	}
	if err != nil {
		return wrapUsage(CodeInvalidAssociation, "invalid association", err)
	}

	ref, err := a.sys.Scheduler.Submit(ctx, m)
	if err != nil {
		return wrapFailure(CodeSubmitFailed, "failed to submit association", err)
	}
	a.logger.Info("association submitted", "ref", ref.String(), "kind", assoc.Kind)

	return reportSubmission(ctx, a, opts.RootOptions, opts.Drain, ref, cmd)
}

// reportSubmission optionally drains, then prints the reference and the
// status of the submitted record.
func reportSubmission(ctx context.Context, a *app, opts *RootOptions, drain bool, ref model.ModificationRef, cmd *cobra.Command) error {
	if drain {
		if _, err := a.drain(ctx); err != nil {
			return err
		}
	}

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
