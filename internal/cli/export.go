package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export [keys...]",
		Short: "Export store data as a versioned bundle",
		Long: `Export store data as a versioned JSON bundle.

With no arguments every non-internal key is exported. Internal keys
(audit index, chunks, backups, period locks) are never exported.

Example:
  fleetdata export --db fleet.db -o backup.json
  fleetdata export wb:vehicles wb:drivers -o dict.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write bundle to file instead of stdout")

	return cmd
}

func runExport(opts *ExportOptions, keys []string, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	raw, err := a.importer.Export(cmd.Context(), keys)
	if err != nil {
		return WrapExitError(ExitCommandError, "export", err)
	}

	if opts.Output == "" {
		_, err = cmd.OutOrStdout().Write(append(raw, '\n'))
		return err
	}
	if err := os.WriteFile(opts.Output, raw, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "write bundle", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d bytes to %s\n", len(raw), opts.Output)
	return nil
}
