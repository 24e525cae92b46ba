package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wwwmanager/fleetdata/internal/audit"
	"github.com/wwwmanager/fleetdata/internal/importer"
	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/periodlock"
	"github.com/wwwmanager/fleetdata/internal/policy"
	"github.com/wwwmanager/fleetdata/internal/rollback"
)

// Version is stamped into export bundle metadata and audit source records.
var Version = "0.3.0"

// app wires the store and the services every command uses. Each command
// opens its own app and closes it when done; the store is a single-writer
// SQLite database.
type app struct {
	store    *kv.SQLite
	policy   *policy.Policy
	log      *audit.Log
	importer *importer.Importer
	rollback *rollback.Engine
	locks    *periodlock.Manager
	repos    *kv.Repositories
}

func openApp(opts *RootOptions) (*app, error) {
	p, err := resolvePolicy(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "resolve policy", err)
	}

	store, err := kv.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	log := audit.NewLog(store, audit.Config{})
	return &app{
		store:  store,
		policy: p,
		log:    log,
		importer: importer.New(importer.Config{
			Store:      store,
			Log:        log,
			Policy:     p,
			AppVersion: Version,
		}),
		rollback: rollback.New(store, nil),
		locks:    periodlock.New(store, periodlock.Config{}),
		repos:    kv.NewRepositories(store),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func resolvePolicy(opts *RootOptions) (*policy.Policy, error) {
	if opts.PolicyFile != "" {
		return policy.LoadFile(opts.PolicyFile)
	}
	switch opts.Policy {
	case "operator":
		return policy.Operator(), nil
	case "enduser":
		return policy.EndUser(), nil
	default:
		return nil, fmt.Errorf("unknown policy preset %q (want operator or enduser)", opts.Policy)
	}
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
