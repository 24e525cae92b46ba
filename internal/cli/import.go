package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wwwmanager/fleetdata/internal/importer"
)

// NewImportCommand creates the import command group.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Analyze and apply import bundles",
	}
	cmd.AddCommand(newImportAnalyzeCommand(rootOpts))
	cmd.AddCommand(newImportApplyCommand(rootOpts))
	cmd.AddCommand(newImportRestoreCommand(rootOpts))
	return cmd
}

// ImportAnalyzeOptions holds flags for import analyze.
type ImportAnalyzeOptions struct {
	*RootOptions
	PlanOut string
}

func newImportAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportAnalyzeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "analyze <bundle.json>",
		Short: "Preview a bundle against the store",
		Long: `Parse and migrate a bundle, then diff every data key against the store.

The preview lists each key with its category, diff statistics, and the
default action under the active policy. With --plan-out the preview is
written as an editable YAML plan for a later apply.

Example:
  fleetdata import analyze export.json
  fleetdata import analyze export.json --plan-out plan.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportAnalyze(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PlanOut, "plan-out", "", "write an editable YAML plan to this file")

	return cmd
}

func runImportAnalyze(opts *ImportAnalyzeOptions, path string, cmd *cobra.Command) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "read bundle", err)
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	analysis, err := a.importer.Analyze(cmd.Context(), raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "analyze bundle", err)
	}

	if opts.PlanOut != "" {
		planRaw, err := importer.PlanFromAnalysis(analysis).Marshal()
		if err != nil {
			return WrapExitError(ExitCommandError, "render plan", err)
		}
		if err := os.WriteFile(opts.PlanOut, planRaw, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "write plan", err)
		}
	}

	f := formatter(opts.RootOptions, cmd)
	if f.Format == "json" {
		return f.Success(analysisReport(analysis))
	}
	printAnalysis(f, analysis)
	return nil
}

type rowReport struct {
	Key           string `json:"key"`
	Category      string `json:"category"`
	Known         bool   `json:"known"`
	Enabled       bool   `json:"enabled"`
	Mode          string `json:"mode"`
	ExistingCount int    `json:"existingCount"`
	IncomingCount int    `json:"incomingCount"`
	NewCount      int    `json:"newCount"`
	UpdateCount   int    `json:"updateCount"`
	Skipped       bool   `json:"skipped,omitempty"`
	Violation     string `json:"violation,omitempty"`
}

type importReport struct {
	FormatVersion int         `json:"formatVersion"`
	TimedOut      bool        `json:"timedOut,omitempty"`
	Rows          []rowReport `json:"rows"`
}

func analysisReport(a *importer.Analysis) importReport {
	r := importReport{FormatVersion: a.Bundle.Meta.FormatVersion, TimedOut: a.TimedOut}
	for _, row := range a.Rows {
		rr := rowReport{
			Key:           row.Key,
			Category:      string(row.Category),
			Known:         row.Known,
			Enabled:       row.Action.Enabled,
			Mode:          string(row.Action.UpdateMode),
			ExistingCount: row.Stats.ExistingCount,
			IncomingCount: row.Stats.IncomingCount,
			NewCount:      row.Stats.NewCount,
			UpdateCount:   row.Stats.UpdateCount,
			Skipped:       row.Skipped,
		}
		if row.Violation != nil {
			rr.Violation = row.Violation.Reason
		}
		r.Rows = append(r.Rows, rr)
	}
	return r
}

func printAnalysis(f *OutputFormatter, a *importer.Analysis) {
	if a.TimedOut {
		fmt.Fprintln(f.Writer, "analysis timed out; no rows")
		return
	}
	fmt.Fprintf(f.Writer, "bundle format v%d, %d keys\n", a.Bundle.Meta.FormatVersion, len(a.Rows))
	for _, row := range a.Rows {
		state := "off"
		if row.Action.Enabled {
			state = string(row.Action.UpdateMode)
		}
		fmt.Fprintf(f.Writer, "  %-24s %-8s %-9s new=%d update=%d existing=%d\n",
			row.Key, row.Category, state,
			row.Stats.NewCount, row.Stats.UpdateCount, row.Stats.ExistingCount)
		if row.Violation != nil {
			fmt.Fprintf(f.Writer, "    blocked: %s\n", row.Violation.Reason)
		}
		if row.Skipped {
			fmt.Fprintln(f.Writer, "    skipped: log-like key excluded from preview")
		}
	}
}

// ImportApplyOptions holds flags for import apply.
type ImportApplyOptions struct {
	*RootOptions
	Plan string
}

func newImportApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <bundle.json>",
		Short: "Apply a bundle to the store",
		Long: `Re-analyze a bundle and write its enabled rows into the store.

Without --plan, every row the policy allows is applied with default
actions. With --plan, the YAML plan's row actions and entity selections
replace the defaults. A backup of every touched key is written first;
recover from a failed apply with "import restore".

Example:
  fleetdata import apply export.json
  fleetdata import apply export.json --plan plan.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportApply(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Plan, "plan", "", "YAML plan from a previous analyze")

	return cmd
}

func runImportApply(opts *ImportApplyOptions, path string, cmd *cobra.Command) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "read bundle", err)
	}

	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	analysis, err := a.importer.Analyze(cmd.Context(), raw)
	if err != nil {
		return WrapExitError(ExitCommandError, "analyze bundle", err)
	}
	if analysis.TimedOut {
		return NewExitError(ExitCommandError, "analysis timed out; nothing applied")
	}

	if opts.Plan != "" {
		planRaw, err := os.ReadFile(opts.Plan)
		if err != nil {
			return WrapExitError(ExitCommandError, "read plan", err)
		}
		plan, err := importer.UnmarshalPlan(planRaw)
		if err != nil {
			return WrapExitError(ExitCommandError, "parse plan", err)
		}
		if err := analysis.ApplyPlan(plan); err != nil {
			return WrapExitError(ExitCommandError, "apply plan", err)
		}
	}

	res, err := a.importer.Apply(cmd.Context(), analysis)
	if err != nil {
		if pf, ok := importer.AsPartialApplyFailure(err); ok {
			f := formatter(opts.RootOptions, cmd)
			_ = f.Error("E_PARTIAL_APPLY", pf.Error(), pf.AppliedKeys)
			return NewExitError(ExitFailure, "import aborted; run \"fleetdata import restore\" to rewind")
		}
		return WrapExitError(ExitCommandError, "apply bundle", err)
	}

	f := formatter(opts.RootOptions, cmd)
	if f.Format == "json" {
		return f.Success(res)
	}
	fmt.Fprintf(f.Writer, "applied %d keys, audit event %s\n", len(res.AppliedKeys), res.EventID)
	return nil
}

func newImportRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the pre-apply backup",
		Long: `Rewind every key touched by the last apply to its backed-up value.

Keys that did not exist before the apply are deleted. There is exactly
one backup at a time; each apply overwrites it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.importer.RestoreBackup(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "restore backup", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d keys from backup taken at %s\n", len(b.Keys), b.CreatedAt)
			return nil
		},
	}
	return cmd
}
