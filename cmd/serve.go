package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/trafficpacer/internal/server"
)

const drainTimeout = 90 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs recovery, the tick scheduler and the HTTP API",
		Long: `Reconciles leases and progress left by a previous run, then ticks
every engine.tick_interval and serves the operator API until interrupted.
In-flight visits are drained before exit.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	snap := app.Source.Last()

	report, err := app.Recovery.Recover(ctx, snap)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	app.Logger.Info("recovery finished",
		zap.Int("leases_released", report.LeasesReleased),
		zap.Int("tasks", report.Tasks),
		zap.Int("hours_raised", report.HoursRaised),
		zap.Int("failed", report.Failed),
	)

	scheduler, err := schedule(ctx, app, snap.Engine.TickInterval)
	if err != nil {
		return err
	}
	scheduler.Start()

	serveErr := app.Serve(ctx, snap.Server.Port)
	<-scheduler.Stop().Done()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := app.Drain(drainCtx); err != nil {
		app.Logger.Warn("in-flight visits did not finish before shutdown", zap.Error(err))
	}
	return serveErr
}

// schedule registers a tick every interval. A tick still running when the
// next one is due causes that one to be skipped.
func schedule(ctx context.Context, app *server.App, interval time.Duration) (*cron.Cron, error) {
	logger := cron.PrintfLogger(zap.NewStdLog(app.Logger.Named("cron")))
	scheduler := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := scheduler.AddFunc("@every "+interval.String(), func() {
		if _, err := app.Driver.Tick(ctx); err != nil {
			app.Logger.Error("tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule ticks every %s: %w", interval, err)
	}
	app.Logger.Info("tick scheduler started", zap.Duration("interval", interval))
	return scheduler, nil
}
