// Command workgate runs the work coordinator, the health loop and the HTTP API.
//
// All configuration comes from WORKGATE_* environment variables. With -check
// it evaluates health once, prints the report as JSON and exits non-zero
// when the status is critical.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jdziat/workgate"
	"github.com/jdziat/workgate/pkg/config"
	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/logging"
)

func main() {
	check := flag.Bool("check", false, "evaluate health once, print the report and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *check); err != nil {
		logger.Error("workgate exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, check bool) error {
	app, err := workgate.New(ctx, cfg, workgate.WithLogger(logger))
	if err != nil {
		return err
	}
	defer app.Close()

	if check {
		report := app.Monitor.Tick(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if report.Status == core.HealthCritical {
			return fmt.Errorf("health is %s", report.Status)
		}
		return nil
	}

	logger.Info("workgate starting",
		"addr", cfg.HTTPAddr,
		"database", cfg.Database.Driver,
		"queue_driver", cfg.QueueDriver,
		"tasks", app.Runner.Tasks())
	return app.Run(ctx)
}
