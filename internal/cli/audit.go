package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wwwmanager/fleetdata/internal/audit"
	"github.com/wwwmanager/fleetdata/internal/rollback"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, roll back, purge, and export audit events",
	}
	cmd.AddCommand(newAuditListCommand(rootOpts))
	cmd.AddCommand(newAuditShowCommand(rootOpts))
	cmd.AddCommand(newAuditExportCommand(rootOpts))
	cmd.AddCommand(newAuditRollbackCommand(rootOpts))
	cmd.AddCommand(newAuditPurgeCommand(rootOpts))
	cmd.AddCommand(newAuditDeleteCommand(rootOpts))
	return cmd
}

func newAuditListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List recorded audit events, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			headers, err := a.log.Index(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "read audit index", err)
			}

			f := formatter(rootOpts, cmd)
			if f.Format == "json" {
				return f.Success(headers)
			}
			if len(headers) == 0 {
				fmt.Fprintln(f.Writer, "no audit events")
				return nil
			}
			for _, h := range headers {
				fmt.Fprintf(f.Writer, "%s  %s  items=%d  chunks=%d (%s)  %s\n",
					h.ID, h.At, h.ItemCount, len(h.Chunk.Keys), h.Chunk.Compression, h.Source.Summary)
			}
			return nil
		},
	}
}

func newAuditShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <event-id>",
		Short:         "Show one audit event with its items",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			header, items, err := loadEvent(cmd, a, args[0])
			if err != nil {
				return err
			}

			f := formatter(rootOpts, cmd)
			if f.Format == "json" {
				return f.Success(audit.Event{Header: header, Items: items})
			}
			fmt.Fprintf(f.Writer, "event %s at %s (%s %s)\n",
				header.ID, header.At, header.Source.AppID, header.Source.AppVersion)
			for _, it := range items {
				flags := ""
				if it.RolledBack {
					flags += " rolled-back"
				}
				if it.Purged {
					flags += " purged"
				}
				fmt.Fprintf(f.Writer, "  %-24s %-8s before=%t after=%t%s\n",
					it.StorageKey, it.Action, it.BeforeExists, it.AfterExists, flags)
			}
			return nil
		},
	}
}

// AuditExportOptions holds flags for audit export.
type AuditExportOptions struct {
	*RootOptions
	Output string
}

func newAuditExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "export <event-id>",
		Short:         "Export one audit event as a standalone JSON document",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			raw, err := a.log.Export(cmd.Context(), args[0], Version)
			if err != nil {
				return WrapExitError(ExitCommandError, "export audit event", err)
			}
			if opts.Output == "" {
				_, err = cmd.OutOrStdout().Write(append(raw, '\n'))
				return err
			}
			return os.WriteFile(opts.Output, raw, 0o644)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write document to file instead of stdout")

	return cmd
}

func newAuditRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <event-id>",
		Short: "Undo an event's changes using its recorded snapshots",
		Long: `Restore every item of the event to its before state.

Entities with a before snapshot are restored exactly; entities inserted
by the event are removed. The event itself stays in the log with its
items marked rolled-back, and the rollback is recorded as a new event.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollbackOrPurge(rootOpts, cmd, args[0], false)
		},
	}
}

func newAuditPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <event-id>",
		Short: "Erase an event's entities from live data",
		Long: `Remove the entities the event touched from the store entirely.

Unlike rollback, purge does not restore previous values; it deletes the
affected entities (or the whole key for singleton values). Items are
marked purged and the purge is recorded as a new event.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollbackOrPurge(rootOpts, cmd, args[0], true)
		},
	}
}

func runRollbackOrPurge(rootOpts *RootOptions, cmd *cobra.Command, eventID string, purge bool) error {
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	header, items, err := loadEvent(cmd, a, eventID)
	if err != nil {
		return err
	}

	action := "rollback"
	var res rollback.Result
	if purge {
		action = "purge"
		res = a.rollback.Purge(cmd.Context(), items)
	} else {
		res = a.rollback.Rollback(cmd.Context(), items)
	}

	// Re-append the source event with its items flagged; same ID, so the
	// chunks are rewritten in place.
	marked := rollback.MarkItems(items, res, purge)
	if err := a.log.Append(cmd.Context(), audit.Event{Header: header, Items: marked}); err != nil {
		return WrapExitError(ExitCommandError, "update source event", err)
	}

	record := audit.Event{
		Header: audit.EventHeader{
			ID: uuid.NewString(),
			At: time.Now().UTC().Format(time.RFC3339),
			Source: audit.SourceMeta{
				AppID:      header.Source.AppID,
				AppVersion: Version,
				Summary:    fmt.Sprintf("%s of event %s", action, eventID),
			},
		},
		Items: operationItems(action, marked),
	}
	if err := a.log.Append(cmd.Context(), record); err != nil {
		return WrapExitError(ExitCommandError, "record "+action, err)
	}

	f := formatter(rootOpts, cmd)
	if f.Format == "json" {
		return f.Success(res)
	}
	fmt.Fprintf(f.Writer, "%s: %d items succeeded, %d failed\n", action, res.Succeeded, res.Failed)
	for _, fl := range res.Failures {
		fmt.Fprintf(f.Writer, "  %s %s: %v\n", fl.StorageKey, fl.IDValue, fl.Err)
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, action+" completed with failures")
	}
	return nil
}

// operationItems builds the item list for a rollback/purge record: one
// lightweight item per processed key, no snapshots. Snapshots stay with
// the source event; this record only marks that the operation ran.
func operationItems(action string, marked []audit.Item) []audit.Item {
	seen := map[string]bool{}
	var out []audit.Item
	for _, it := range marked {
		if seen[it.StorageKey] {
			continue
		}
		seen[it.StorageKey] = true
		out = append(out, audit.Item{
			StorageKey:   it.StorageKey,
			Key:          it.Key,
			Category:     it.Category,
			Action:       action,
			BeforeExists: true,
			AfterExists:  action != "purge",
		})
	}
	return out
}

func newAuditDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <event-id>",
		Short:         "Delete an audit event and its chunks",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.log.Delete(cmd.Context(), args[0]); err != nil {
				return WrapExitError(ExitCommandError, "delete audit event", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted event %s\n", args[0])
			return nil
		},
	}
}

func loadEvent(cmd *cobra.Command, a *app, eventID string) (audit.EventHeader, []audit.Item, error) {
	header, err := a.log.Header(cmd.Context(), eventID)
	if err != nil {
		return audit.EventHeader{}, nil, WrapExitError(ExitCommandError, "load event header", err)
	}
	items, err := a.log.LoadItems(cmd.Context(), header)
	if err != nil {
		return audit.EventHeader{}, nil, WrapExitError(ExitCommandError, "load event items", err)
	}
	return header, items, nil
}
