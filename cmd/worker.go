package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"aegis/bootstrap"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the 'worker' command
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run PENDING executions and serve /metrics and /healthz",
		Long: `Run the execution worker. On start it marks executions left RUNNING by a
crashed process as FAILED, then polls for PENDING executions and runs them
with at most engine.max_concurrent in flight. SIGINT or SIGTERM stops
polling and waits for running executions to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := initApp(ctx, true, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			app.Sugar.Infow("Worker starting",
				"poll_interval", app.Config.Worker.PollInterval,
				"batch_size", app.Config.Worker.BatchSize,
				"metrics_addr", app.Config.Metrics.ListenAddr)
			return bootstrap.NewWorker(app).Run(ctx)
		},
	}
}
