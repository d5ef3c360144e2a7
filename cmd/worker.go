package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/config"
	"github.com/sells-group/leadpipe/internal/scheduler"
)

var workerShutdownTimeout time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run every pipeline stage on its cron schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New()
		for _, j := range env.pipelineJobs() {
			if err := sched.Add(j); err != nil {
				return err
			}
		}
		sched.Start(ctx)

		<-ctx.Done()
		zap.L().Info("shutting down worker")

		stopCtx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
		defer cancel()
		return sched.Stop(stopCtx)
	},
}

func init() {
	workerCmd.Flags().DurationVar(&workerShutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running jobs on shutdown")
	rootCmd.AddCommand(workerCmd)
}
