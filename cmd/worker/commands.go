package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"yoma-reconciler/internal/app"
	"yoma-reconciler/internal/config"
	"yoma-reconciler/internal/reconcile"
	"yoma-reconciler/internal/schedule"
	"yoma-reconciler/internal/telemetry"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serveCommand runs the scheduler and the run-task server until interrupted.
func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "schedule and run reconciliation jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			ctx, cancel := signalContext()
			defer cancel()

			a, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			opt := schedule.RedisOpt(cfg)
			scheduler := schedule.NewScheduler(opt)
			if _, err := schedule.Register(scheduler, a.Registry, cfg.LockDuration); err != nil {
				return err
			}
			names := a.Registry.Names()
			server := schedule.NewServer(opt, len(names), cfg.CallTimeout+5*time.Second, func() context.Context { return ctx })
			mux := schedule.NewMux(schedule.NewHandler(a.Registry), a.Registry)

			metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
			go func() {
				if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logrus.WithError(err).Warn("metrics server stopped")
				}
			}()

			if err := scheduler.Start(); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			if err := server.Start(mux); err != nil {
				scheduler.Shutdown()
				return fmt.Errorf("start run server: %w", err)
			}
			logrus.WithFields(logrus.Fields{"jobs": len(names), "metrics": cfg.MetricsAddr}).Info("reconciler serving")

			<-ctx.Done()
			logrus.Info("shutting down, letting in-flight items finish")
			scheduler.Shutdown()
			server.Shutdown()

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = metrics.Shutdown(shutdownCtx)
			return nil
		},
	}
}

// runCommand runs one job in the foreground, or enqueues a run with --async.
func runCommand() *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:       "run <job>",
		Short:     "run one reconciliation job now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.JobNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx, cancel := signalContext()
			defer cancel()

			a, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if async {
				client := asynq.NewClient(schedule.RedisOpt(cfg))
				defer client.Close()
				id, err := schedule.NewTrigger(client, a.Registry).Trigger(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			runner, err := a.Registry.Runner(args[0])
			if err != nil {
				return err
			}
			report, err := runner.Run(ctx)
			if errors.Is(err, reconcile.ErrRunInProgress) {
				logrus.WithField("job", args[0]).Warn("another run holds the lock")
				return nil
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "enqueue the run for a serving worker instead of running it here")
	return cmd
}

func jobsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "list jobs with their schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			for _, name := range config.JobNames() {
				j, _ := cfg.Job(name)
				state := "enabled"
				if !j.IsEnabled() {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-26s %-14s %s\n", name, j.Schedule, state)
			}
			return nil
		},
	}
}
