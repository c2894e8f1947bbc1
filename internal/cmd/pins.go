package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/millwork/taskmill/internal/config"
	"github.com/millwork/taskmill/internal/observability"
	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/pins"
)

var pinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "Build pin sets for tasks",
}

var pinsBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Select the minimal file scope for a task goal",
	Long: `Build the pin set for a task: the ranked, budget-capped list of
files an executor is allowed to touch, with per-file context windows.

The map is built fresh from the configured roots, so the result is
reproducible for identical repo content.

Example:
  taskmill pins build --task-id t-1 --goal "fix claim race in dispatch"
  taskmill pins build --task-id t-1 --goal "..." --stacktrace-path internal/dispatch/claim.go
  taskmill pins build --task-id t-1 --goal "..." --max-files 4 --max-tokens 6000`,
	RunE: runPinsBuild,
}

var (
	pinsTaskID      string
	pinsGoal        string
	pinsRole        string
	pinsSignals     []string
	pinsStacktrace  []string
	pinsForbidden   []string
	pinsMaxFiles    int
	pinsMaxLOC      int
	pinsMaxTokens   int
	pinsWindowLines int
)

func init() {
	rootCmd.AddCommand(pinsCmd)
	pinsCmd.AddCommand(pinsBuildCmd)

	pinsBuildCmd.Flags().StringVar(&pinsTaskID, "task-id", "", "Task identifier (required)")
	pinsBuildCmd.Flags().StringVar(&pinsGoal, "goal", "", "Free-text task goal (required)")
	pinsBuildCmd.Flags().StringVar(&pinsRole, "role", "", "Acting role")
	pinsBuildCmd.Flags().StringArrayVar(&pinsSignals, "signal", nil, "Extra relevance keyword (repeatable)")
	pinsBuildCmd.Flags().StringArrayVar(&pinsStacktrace, "stacktrace-path", nil, "Path from a failing test or stacktrace (repeatable)")
	pinsBuildCmd.Flags().StringArrayVar(&pinsForbidden, "forbid", nil, "Pattern to exclude from scope (repeatable)")
	pinsBuildCmd.Flags().IntVar(&pinsMaxFiles, "max-files", 0, "Budget: maximum allowed files")
	pinsBuildCmd.Flags().IntVar(&pinsMaxLOC, "max-loc", 0, "Budget: maximum summed window lines")
	pinsBuildCmd.Flags().IntVar(&pinsMaxTokens, "max-tokens", 0, "Budget: maximum estimated tokens")
	pinsBuildCmd.Flags().IntVar(&pinsWindowLines, "window-lines", 0, "Context window height per file")

	_ = pinsBuildCmd.MarkFlagRequired("task-id")
	_ = pinsBuildCmd.MarkFlagRequired("goal")
}

func runPinsBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	snap, err := mapindex.Build(ctx, mapindex.BuildParams{
		Roots:        cfg.Map.Roots,
		Excludes:     cfg.Map.Excludes,
		MaxFiles:     cfg.Map.MaxFiles,
		MaxFileBytes: cfg.Map.MaxFileBytes,
	})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Map build failed", err)
	}

	builder := &pins.Builder{RepoRoot: cfg.RepoRoot}
	result, err := builder.Build(snap, pins.Request{
		TaskID:          pinsTaskID,
		Goal:            pinsGoal,
		Role:            pinsRole,
		Signals:         pinsSignals,
		StacktracePaths: pinsStacktrace,
		ForbiddenPaths:  pinsForbidden,
		WindowLines:     pinsWindowLines,
		Budgets: pins.Budgets{
			MaxFiles:  pinsMaxFiles,
			MaxLOC:    pinsMaxLOC,
			MaxTokens: pinsMaxTokens,
		},
	}, "memory")
	if err != nil {
		var buildErr *pins.BuildError
		if errors.As(err, &buildErr) {
			observability.CLILogger.Error("pins build rejected",
				zap.String("task_id", pinsTaskID),
				zap.String("code", buildErr.Code))
		}
		return exitError(foundry.ExitInvalidArgument, "Pins build failed", err)
	}

	return printJSON(result)
}
