package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-queuelock/v1/queuelock"
)

// exitError carries the exit status of a command started by run.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "queuelock",
		Short:         "queuelock grants FIFO locks over a shared key-value store",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # serialize a deploy across hosts sharing one redis
  queuelock run deploy -- ./deploy.sh

  # how many callers are queued for deploy
  QUEUELOCK_REDIS_ADDR=redis:6379 queuelock count deploy

  # wake waiters on other hosts immediately instead of at their next poll
  queuelock run --notify redis deploy -- ./deploy.sh
`,
	}
	addConfigFlags(cmd, v)

	withEnv := func(fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(loadConfig(v), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				if err := e.Close(); err != nil {
					e.logger.Warn("shutdown failed", "error", err)
				}
			}()
			return fn(cmd, e, args)
		}
	}

	cmd.AddCommand(
		newRunCommand(withEnv),
		newCountCommand(withEnv),
		newListCommand(withEnv),
		newReleaseCommand(withEnv),
	)
	return cmd
}

type envRunner func(fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error

func newRunCommand(withEnv envRunner) *cobra.Command {
	var keepalive bool
	cmd := &cobra.Command{
		Use:   "run KEY -- COMMAND [ARGS...]",
		Short: "Wait for KEY, run COMMAND while holding it, then release",
		Args:  cobra.MinimumNArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			key := args[0]
			t, err := e.coord.Lock(ctx, key, e.timeout)
			if err != nil {
				return err
			}
			e.logger.Info("lock granted", "key", key, "ticket", t.ID, "command", strings.Join(args[1:], " "))
			runErr := runLocked(ctx, cmd, e, key, t, keepalive, args[1:])
			relErr := e.coord.ReleaseTicket(context.WithoutCancel(ctx), key, t)
			if relErr != nil {
				e.logger.Warn("release failed", "key", key, "ticket", t.ID, "error", relErr)
			}
			if runErr != nil {
				return runErr
			}
			return relErr
		}),
	}
	cmd.Flags().BoolVar(&keepalive, "keepalive", false, "renew the queue expiration while COMMAND runs")
	return cmd
}

func runLocked(ctx context.Context, cmd *cobra.Command, e *env, key string, t queuelock.Ticket, keepalive bool, argv []string) error {
	if keepalive {
		lease, err := e.coord.Keepalive(ctx, key, t)
		if err != nil {
			return err
		}
		defer func() {
			lease.Stop()
			if err := lease.Err(); err != nil {
				e.logger.Warn("keepalive ended early", "key", key, "error", err)
			}
		}()
	}
	child := exec.CommandContext(ctx, argv[0], argv[1:]...)
	child.Stdin = cmd.InOrStdin()
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	err := child.Run()
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exitError{code: exit.ExitCode()}
	}
	return err
}

func newCountCommand(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "count KEY",
		Short: "Print how many tickets are queued for KEY, holder included",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			n, err := e.coord.CountWaiters(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		}),
	}
}

func newListCommand(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "list KEY",
		Short: "List the tickets queued for KEY in grant order",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			q, err := e.coord.Waiters(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "POS\tTICKET\tOWNER\tENQUEUED\tTTL")
			for i, t := range q {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", i, t.ID, t.Owner, humanize.Time(t.EnqueuedAt), t.TTL.Round(time.Second))
			}
			return w.Flush()
		}),
	}
}

func newReleaseCommand(withEnv envRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "release KEY",
		Short: "Pop the holder of KEY regardless of who it is",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			return e.coord.Release(cmd.Context(), args[0])
		}),
	}
}
