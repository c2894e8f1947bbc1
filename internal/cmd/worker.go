package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/millwork/taskmill/internal/observability"
	"github.com/millwork/taskmill/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent",
}

var workerRunCmd = &cobra.Command{
	Use:   "run -- <executor command...>",
	Short: "Register with the scheduler and execute claimed jobs",
	Long: `Register with the scheduler and run the claim loop. Each claimed
job runs the executor command with the task goal appended as the final
argument; stdout, stderr, and the exit code are reported back on
completion.

The agent heartbeats while a job runs and kills the subprocess on
timeout, output stall, or server-side cancellation.

Example:
  taskmill worker run --server http://localhost:8080 --executor claude-cli -- claude-cli run
  taskmill worker run --server http://localhost:8080 --executor claude-cli \
    --stall-window 2m -- ./run-executor.sh`,
	RunE: runWorkerRun,
}

var (
	workerServerURL string
	workerExecutors []string
	workerModels    []string
	workerWorkDir   string
	workerPollWait  time.Duration
	workerHeartbeat time.Duration
	workerStall     time.Duration
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().StringVar(&workerServerURL, "server", "http://localhost:8080", "Scheduler base URL")
	workerRunCmd.Flags().StringArrayVar(&workerExecutors, "executor", nil, "Executor capability (repeatable, required)")
	workerRunCmd.Flags().StringArrayVar(&workerModels, "model", nil, "Model capability (repeatable)")
	workerRunCmd.Flags().StringVar(&workerWorkDir, "work-dir", "", "Working directory for executor subprocesses")
	workerRunCmd.Flags().DurationVar(&workerPollWait, "poll-wait", 30*time.Second, "Claim long-poll duration")
	workerRunCmd.Flags().DurationVar(&workerHeartbeat, "heartbeat", 15*time.Second, "Heartbeat interval while a job runs")
	workerRunCmd.Flags().DurationVar(&workerStall, "stall-window", 5*time.Minute, "Kill the subprocess after this long without output growth")

	_ = workerRunCmd.MarkFlagRequired("executor")
}

func runWorkerRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.WorkerLogger

	if len(args) == 0 {
		return exitError(foundry.ExitInvalidArgument, "Missing executor command",
			errors.New("pass the executor command after --"))
	}

	agent := worker.NewAgent(worker.Config{
		ServerURL:         workerServerURL,
		Executors:         workerExecutors,
		Models:            workerModels,
		ExecutorCmd:       args,
		WorkDir:           workerWorkDir,
		PollWait:          workerPollWait,
		HeartbeatInterval: workerHeartbeat,
		StallWindow:       workerStall,
	}, logger)

	logger.Info("worker starting",
		zap.String("server", workerServerURL),
		zap.Strings("executors", workerExecutors))

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Worker loop failed", err)
	}
	return nil
}
