package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/engine"
	"github.com/grammy-jiang/RouterOS-MCP-sub003/pkg/telemetry"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a job execution worker",
		Long: `Run the worker loop that claims and executes pending jobs.

Workers coordinate through store leases, so any number of them may run
against the same database; each job is executed by exactly one worker at
a time. A worker that dies mid-job loses its lease and another worker
resumes the job from its last durable batch.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			tracer, err := telemetry.NewTracer(ctx, app.cfg.Telemetry.Tracing,
				app.cfg.Telemetry.ServiceName, app.cfg.Telemetry.ServiceVersion, app.cfg.Telemetry.Environment)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					app.logger.Warn().Err(err).Msg("Failed to shut down tracer")
				}
			}()

			app.metrics.Serve(app.logger)

			// Inventory edits take effect without a restart.
			if err := app.directory.Watch(ctx); err != nil {
				return err
			}

			executor := engine.NewExecutor(
				app.store,
				app.directory,
				app.providers,
				app.client,
				app.health,
				app.breaker,
				app.rollback,
				app.metrics,
				tracer.Tracer(),
				app.cfg.EngineExecutorConfig(),
				app.logger,
			)
			worker := engine.NewWorker(app.store, executor, app.cfg.EngineWorkerConfig(), app.logger)

			app.logger.Info().Msg("Worker starting")
			worker.Run(ctx)
			app.logger.Info().Msg("Worker stopped")
			return nil
		},
	}
}
