package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/millwork/taskmill/internal/config"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/verdict"
)

var verdictCmd = &cobra.Command{
	Use:   "verdict",
	Short: "Inspect recorded task verdicts",
}

var verdictGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the recorded verdict for a task",
	Long: `Print the verdict recorded for a task in the artifact tree.

Example:
  taskmill verdict get --task-id t-1
  taskmill verdict get --task-id t-1 --artifacts /var/lib/taskmill/artifacts`,
	RunE: runVerdictGet,
}

var (
	verdictTaskID        string
	verdictArtifactsRoot string
)

func init() {
	rootCmd.AddCommand(verdictCmd)
	verdictCmd.AddCommand(verdictGetCmd)

	verdictGetCmd.Flags().StringVar(&verdictTaskID, "task-id", "", "Task identifier (required)")
	verdictGetCmd.Flags().StringVar(&verdictArtifactsRoot, "artifacts", "", "Artifact tree root (overrides config)")

	_ = verdictGetCmd.MarkFlagRequired("task-id")
}

func runVerdictGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	root := cfg.Artifacts.Root
	if verdictArtifactsRoot != "" {
		root = verdictArtifactsRoot
	}
	store := artifact.NewStore(root)

	var v verdict.Verdict
	if err := store.ReadJSON(verdictTaskID, artifact.NameVerdict, &v); err != nil {
		if errors.Is(err, artifact.ErrMissing) {
			return exitError(foundry.ExitFileNotFound, "No verdict recorded for task", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read verdict", err)
	}

	return printJSON(v)
}
