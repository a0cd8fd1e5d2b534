// Command cylc-play starts a scheduler for one workflow run, wiring the
// C1-C10 components together and driving the main loop until shutdown.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dimiro1/banner"
	_ "github.com/lib/pq"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cylc/cylc-flow-sub005/internal/config"
	"github.com/cylc/cylc-flow-sub005/internal/eventrouter"
	"github.com/cylc/cylc-flow-sub005/internal/jobmanager"
	"github.com/cylc/cylc-flow-sub005/internal/rpc"
	"github.com/cylc/cylc-flow-sub005/internal/scheduler"
	"github.com/cylc/cylc-flow-sub005/internal/store"
	"github.com/cylc/cylc-flow-sub005/internal/taskpool"
	"github.com/cylc/cylc-flow-sub005/internal/xtrigger"
)

const bannerTemplate = `{{ .AnsiColor.BrightCyan }}
   ____        __         ____  __
  / ___|_   _ / | ___    |  _ \\/ _|
 | |    | | | || |/ __|   | |_) | |_
 | |___ | |_| || | (__    |  __/|  _|
  \____| \__, ||_|\___|   |_|   |_|
         |___/
{{ .AnsiColor.Default }}{{ .GoVersion }}
`

func main() {
	cmd := &cobra.Command{
		Use:   "cylc-play [flags] <config-file>",
		Short: "run a cycling workflow scheduler",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	banner.Init(os.Stdout, true, true, strings.NewReader(bannerTemplate))

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	logPath := filepath.Join(cfg.RunDir, "log", "scheduler.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	log := store.NewAppLogger(logFile, cfg.LogTimeFormat, 0)

	sqlDB, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := store.Migrate(sqlDB, cfg.Database.Driver); err != nil {
		return err
	}
	st := store.New(sqlx.NewDb(sqlDB, cfg.Database.Driver))

	pool := taskpool.NewPool(nil)
	router := eventrouter.NewRouter(1024, int64(cfg.ProcessPoolSize), cfg.ProcessPoolTimeout)
	xengine := xtrigger.NewEngine(cfg.XtriggerConcurrency)
	xengine.Register("wall_clock", xtrigger.WallClock())

	jobs := jobmanager.NewManager()
	jobs.MaxBatchSize = cfg.MaxBatchSize
	jobs.SetLogger(log)
	scripts, err := jobmanager.NewScriptGenerator("")
	if err != nil {
		return err
	}
	jobs.RegisterPlatform("localhost", jobmanager.NewBackgroundRunner(filepath.Join(cfg.RunDir, "work"), scripts))

	reg := prometheus.NewRegistry()
	metrics := scheduler.NewMetrics(reg)

	eng, err := scheduler.New(cfg, log, metrics, pool, router, xengine, jobs, st)
	if err != nil {
		return err
	}
	eng.ListenForSignals()

	ln, err := rpc.Serve(cfg.ServerAddr, func(c rpc.Command) {
		switch c.Kind {
		case "stop-now-now":
			eng.RequestShutdown(scheduler.ShutdownNowNow)
		default:
			eng.PostCommand(scheduler.Command{Kind: c.Kind, Args: c.Args})
		}
	})
	if err != nil {
		return err
	}
	defer ln.Close()

	if err := os.MkdirAll(filepath.Join(cfg.RunDir, ".service"), 0o755); err != nil {
		return err
	}
	contactPath := filepath.Join(cfg.RunDir, ".service", "contact")
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	if err := store.WriteContact(contactPath, store.ContactRecord{
		store.ContactHost: "localhost",
		store.ContactPort: port,
		store.ContactPID:  fmt.Sprint(os.Getpid()),
		store.ContactUUID: eng.UUID,
	}); err != nil {
		return err
	}
	defer store.RemoveContact(contactPath)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go http.ListenAndServe(cfg.MetricsAddr, mux) //nolint:errcheck
	}

	return eng.Run(context.Background())
}
