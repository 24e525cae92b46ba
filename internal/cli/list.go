package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Offset int
	Limit  int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list <key>",
		Short: "List the entities stored under a key",
		Long: `Print the entities stored under an array-valued key, one per line.

Example:
  fleetdata list wb:vehicles --limit 20
  fleetdata list wb:drivers --offset 20 --limit 20 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "skip the first N entities")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "return at most N entities (0 means all)")

	return cmd
}

// listPage is the JSON payload for a list call. Entities are carried as raw
// JSON so number literals survive unmodified.
type listPage struct {
	Key      string            `json:"key"`
	Total    int               `json:"total"`
	Offset   int               `json:"offset"`
	Entities []json.RawMessage `json:"entities"`
}

func runList(opts *ListOptions, key string, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	page := kv.PageOptions{Offset: opts.Offset, Limit: opts.Limit}
	entities, total, err := a.repos.For(key).List(cmd.Context(), page)
	if err != nil {
		return WrapExitError(ExitCommandError, "list", err)
	}

	f := formatter(opts.RootOptions, cmd)
	if f.Format == "json" {
		out := listPage{Key: key, Total: total, Offset: opts.Offset, Entities: make([]json.RawMessage, 0, len(entities))}
		for _, entity := range entities {
			raw, err := tree.ToJSON(entity)
			if err != nil {
				return WrapExitError(ExitCommandError, "encode entity", err)
			}
			out.Entities = append(out.Entities, raw)
		}
		return f.Success(out)
	}

	for _, entity := range entities {
		raw, err := tree.ToJSON(entity)
		if err != nil {
			return WrapExitError(ExitCommandError, "encode entity", err)
		}
		fmt.Fprintf(f.Writer, "%s\n", raw)
	}
	fmt.Fprintf(f.Writer, "%d of %d entities\n", len(entities), total)
	return nil
}
