package cli

import (
	"fmt"
	"os/user"

	"github.com/spf13/cobra"
)

// NewLockCommand creates the lock command group.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Close, verify, and reopen accounting periods",
	}
	cmd.AddCommand(newLockCloseCommand(rootOpts))
	cmd.AddCommand(newLockVerifyCommand(rootOpts))
	cmd.AddCommand(newLockListCommand(rootOpts))
	cmd.AddCommand(newLockDeleteCommand(rootOpts))
	return cmd
}

// LockCloseOptions holds flags for lock close.
type LockCloseOptions struct {
	*RootOptions
	User  string
	Notes string
}

func newLockCloseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LockCloseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "close <period>",
		Short: "Lock a period by hashing its finalized documents",
		Long: `Compute a hash over the period's finalized documents and store it.

The period is YYYY-MM. Later edits to any covered document are detected
by "lock verify".

Example:
  fleetdata lock close 2026-03 --notes "Q1 close"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			lock, err := a.locks.ClosePeriod(cmd.Context(), args[0], lockUser(opts.User), opts.Notes)
			if err != nil {
				return WrapExitError(ExitCommandError, "close period", err)
			}

			f := formatter(opts.RootOptions, cmd)
			if f.Format == "json" {
				return f.Success(lock)
			}
			fmt.Fprintf(f.Writer, "locked %s: %d documents, hash %s, lock id %s\n",
				lock.Period, lock.RecordCount, lock.DataHash[:12], lock.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user recorded on the lock (default: OS user)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form note stored with the lock")

	return cmd
}

func lockUser(flag string) string {
	if flag != "" {
		return flag
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func newLockVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <lock-id>",
		Short: "Verify a locked period against current data",
		Long: `Recompute the period's document hash and compare it to the lock.

Exits 0 when the data is intact and 1 when the period was modified
after locking.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.locks.Verify(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "verify period", err)
			}

			f := formatter(rootOpts, cmd)
			if f.Format == "json" {
				if err := f.Success(v); err != nil {
					return err
				}
			} else if v.Valid {
				fmt.Fprintf(f.Writer, "period %s intact: %s\n", v.Lock.Period, v.Detail)
			} else {
				fmt.Fprintf(f.Writer, "period %s COMPROMISED: %s\n", v.Lock.Period, v.Detail)
			}

			if !v.Valid {
				return NewExitError(ExitFailure, "period data modified after lock")
			}
			return nil
		},
	}
}

func newLockListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List period locks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			locks, err := a.locks.List(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "list locks", err)
			}

			f := formatter(rootOpts, cmd)
			if f.Format == "json" {
				return f.Success(locks)
			}
			if len(locks) == 0 {
				fmt.Fprintln(f.Writer, "no period locks")
				return nil
			}
			for _, l := range locks {
				fmt.Fprintf(f.Writer, "%s  %s  records=%d  by %s  %s\n",
					l.Period, l.ID, l.RecordCount, l.LockedByUserID, l.Notes)
			}
			return nil
		},
	}
}

func newLockDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <lock-id>",
		Short:         "Delete a period lock, reopening the period",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			lock, err := a.locks.Delete(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "delete lock", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked period %s\n", lock.Period)
			return nil
		},
	}
}
