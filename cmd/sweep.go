package main

import (
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/config"
	"github.com/sells-group/leadpipe/internal/scheduler"
)

var stageNames = []string{
	stageOrchestrate, stageScrape, stageFilter, stageEnrichEnqueue,
	stageEnrich, stageMigrate, stageWatchdog,
}

var sweepCmd = &cobra.Command{
	Use:       "sweep <stage>",
	Short:     "Run one pass of a pipeline stage",
	Long:      "Runs one pass of a stage and exits. Stages: " + strings.Join(stageNames, ", ") + ".",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: stageNames,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := findJob(env.pipelineJobs(), args[0])
		if err != nil {
			return err
		}

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			return eris.Wrapf(err, "sweep %s", job.Name)
		}
		zap.L().Info("sweep complete", zap.String("stage", job.Name), zap.Duration("elapsed", time.Since(start)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func findJob(jobs []scheduler.Job, name string) (scheduler.Job, error) {
	for _, j := range jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return scheduler.Job{}, eris.Errorf("unknown stage %q", name)
}
