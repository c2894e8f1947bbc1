package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/millwork/taskmill/internal/config"
	"github.com/millwork/taskmill/internal/observability"
	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/pins"
	"github.com/millwork/taskmill/pkg/policy"
	"github.com/millwork/taskmill/pkg/preflight"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Gate declared file scopes before dispatch",
}

var preflightCheckCmd = &cobra.Command{
	Use:   "check [declared files...]",
	Short: "Check declared files against pins and role policy",
	Long: `Check a task's declared files against its pin set and the role
policy. The gate fails closed: an unknown role, an empty allowlist, or
a file outside the map all reject the task.

The command prints the full result and exits non-zero when the check
fails.

Example:
  taskmill preflight check --task-id t-1 --role exec --pins pins.json \
    internal/dispatch/claim.go internal/dispatch/registry.go`,
	RunE: runPreflightCheck,
}

var (
	preflightTaskID   string
	preflightRole     string
	preflightPinsPath string
	preflightPolicies string
)

func init() {
	rootCmd.AddCommand(preflightCmd)
	preflightCmd.AddCommand(preflightCheckCmd)

	preflightCheckCmd.Flags().StringVar(&preflightTaskID, "task-id", "", "Task identifier (required)")
	preflightCheckCmd.Flags().StringVar(&preflightRole, "role", "", "Acting role (required)")
	preflightCheckCmd.Flags().StringVar(&preflightPinsPath, "pins", "", "Path to the pins JSON (builder output or bare spec)")
	preflightCheckCmd.Flags().StringVar(&preflightPolicies, "policies", "", "Role policy file (overrides config)")

	_ = preflightCheckCmd.MarkFlagRequired("task-id")
	_ = preflightCheckCmd.MarkFlagRequired("role")
}

// loadPinsSpec accepts either the pins builder output or a bare spec.
func loadPinsSpec(path string) (pins.Spec, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pins.Spec{}, "", err
	}

	var result pins.Result
	if err := json.Unmarshal(data, &result); err == nil && len(result.Spec.AllowedPaths) > 0 {
		return result.Spec, result.Detail.MapVersion, nil
	}

	var spec pins.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return pins.Spec{}, "", fmt.Errorf("parse pins file: %w", err)
	}
	return spec, "", nil
}

func runPreflightCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	policyPath := cfg.Policy.RolePolicyPath
	if preflightPolicies != "" {
		policyPath = preflightPolicies
	}

	var rolePolicy *policy.RolePolicy
	if policyPath != "" {
		set, loadErr := policy.Load(policyPath)
		if loadErr != nil {
			return exitError(foundry.ExitFileReadError, "Failed to load role policies", loadErr)
		}
		rolePolicy, err = set.ForRole(preflightRole)
		if err != nil && !errors.Is(err, policy.ErrRoleNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Failed to resolve role", err)
		}
	}

	var spec pins.Spec
	var pinsVersion string
	if preflightPinsPath != "" {
		spec, pinsVersion, err = loadPinsSpec(preflightPinsPath)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to load pins", err)
		}
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

	result := preflight.Run(preflight.Input{
		TaskID:        preflightTaskID,
		DeclaredFiles: args,
		Pins:          spec,
		RolePolicy:    rolePolicy,
		PinsVersion:   pinsVersion,
		Snapshot:      snap,
	})

	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Pass {
		observability.CLILogger.Warn("preflight failed",
			zap.String("task_id", preflightTaskID),
			zap.Int("violations", len(result.Violations)))
		return exitError(foundry.ExitInvalidArgument, "Preflight failed",
			fmt.Errorf("%d violation(s)", len(result.Violations)))
	}
	return nil
}
