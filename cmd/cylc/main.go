// Command cylc is the operator-facing client: it resolves a running
// scheduler's contact file and posts commands over the small JSON-over-
// TCP transport in internal/rpc (spec.md §4.10's operator commands, plus
// `ls-checkpoints`, which reads the relational snapshot directly).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	"github.com/gookit/color"
	"github.com/jmoiron/sqlx"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cylc/cylc-flow-sub005/internal/rpc"
	"github.com/cylc/cylc-flow-sub005/internal/store"
)

func main() {
	root := &cobra.Command{Use: "cylc", Short: "operate a running cycling workflow scheduler"}
	root.PersistentFlags().String("run-dir", ".", "workflow run directory (containing .service/contact)")

	root.AddCommand(
		identityCommand("hold", "hold a task"),
		identityCommand("release", "release a held task"),
		identityCommand("trigger", "manually trigger a task"),
		identityCommand("insert", "insert a task proxy"),
		identityCommand("remove", "remove a task proxy"),
		identityCommand("reset", "reset a task's status"),
		reloadCommand(),
		setVerbosityCommand(),
		broadcastCommand(),
		stopCommand(),
		lsCheckpointsCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.Red.Sprint(err))
		os.Exit(1)
	}
}

func contactAddr(cmd *cobra.Command) (string, error) {
	runDir, _ := cmd.Flags().GetString("run-dir")
	rec, err := store.ReadContact(filepath.Join(runDir, ".service", "contact"))
	if err != nil {
		return "", fmt.Errorf("reading contact file (is the workflow running?): %w", err)
	}
	return rec[store.ContactHost] + ":" + rec[store.ContactPort], nil
}

func identityCommand(kind, short string) *cobra.Command {
	return &cobra.Command{
		Use:   kind + " <task> <cycle-point>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := contactAddr(cmd)
			if err != nil {
				return err
			}
			return rpc.Send(addr, rpc.Command{Kind: kind, Args: map[string]string{"task": args[0], "point": args[1]}})
		},
	}
}

func reloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "reload the workflow definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := contactAddr(cmd)
			if err != nil {
				return err
			}
			return rpc.Send(addr, rpc.Command{Kind: "reload"})
		},
	}
}

func setVerbosityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-verbosity <DEBUG|INFO|WARNING|ERROR>",
		Short: "change the scheduler's log verbosity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "DEBUG", "INFO", "WARNING", "ERROR":
			default:
				return fmt.Errorf("illegal verbosity level %q", args[0])
			}
			addr, err := contactAddr(cmd)
			if err != nil {
				return err
			}
			return rpc.Send(addr, rpc.Command{Kind: "set-verbosity", Args: map[string]string{"level": args[0]}})
		},
	}
}

func broadcastCommand() *cobra.Command {
	var cyclePattern, namespacePattern, lifespan string
	cmd := &cobra.Command{
		Use:   "broadcast <key>=<value> [<key>=<value>...]",
		Short: "apply a runtime override broadcast",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := contactAddr(cmd)
			if err != nil {
				return err
			}
			cmdArgs := map[string]string{
				"cycle":     cyclePattern,
				"namespace": namespacePattern,
				"lifespan":  lifespan,
			}
			for i, kv := range args {
				cmdArgs[fmt.Sprintf("override.%d", i)] = kv
			}
			return rpc.Send(addr, rpc.Command{Kind: "broadcast", Args: cmdArgs})
		},
	}
	cmd.Flags().StringVar(&cyclePattern, "cycle", "*", "cycle point glob to match")
	cmd.Flags().StringVar(&namespacePattern, "namespace", "*", "namespace glob to match")
	cmd.Flags().StringVar(&lifespan, "lifespan", "permanent", "permanent|until-task-completed|until-cycle-completed")
	return cmd
}

func stopCommand() *cobra.Command {
	var now, nowNow bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "stop the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := contactAddr(cmd)
			if err != nil {
				return err
			}
			kind := "stop"
			if now && nowNow {
				kind = "stop-now-now"
			} else if now {
				kind = "stop"
			}
			return rpc.Send(addr, rpc.Command{Kind: kind})
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "REQUEST(NOW): stop accepting new jobs, wait for submitted jobs")
	cmd.Flags().BoolVar(&nowNow, "now-now", false, "combine with --now for REQUEST(NOW-NOW): do not wait for running jobs")
	return cmd
}

func lsCheckpointsCommand() *cobra.Command {
	var dsn, driver string
	cmd := &cobra.Command{
		Use:   "ls-checkpoints",
		Short: "list recorded checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sql.Open(driver, dsn)
			if err != nil {
				return err
			}
			defer db.Close()
			st := store.New(sqlx.NewDb(db, driver))
			checkpoints, err := st.ListCheckpoints(context.Background())
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Time", "Event"})
			for _, c := range checkpoints {
				table.Append([]string{fmt.Sprint(c.ID), c.Time.Format("2006-01-02T15:04:05Z07:00"), c.Event})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "postgres", "database/sql driver name")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN")
	return cmd
}
