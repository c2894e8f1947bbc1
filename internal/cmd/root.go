// Package cmd implements the taskmill CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/millwork/taskmill/internal/observability"
)

// versionInfo is stamped by the build via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build-time version metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	rootConfigPath string
	rootVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "taskmill",
	Short: "Task factory control plane",
	Long: `taskmill runs the task factory control plane: the repository map
index, pins builder, preflight gate, job dispatch, verdict engine, and
the factory degradation controller.

Server:
  taskmill serve --config taskmill.yaml

Local operations:
  taskmill map build --root .
  taskmill map query "claim registry" --root .
  taskmill pins build --task-id t-1 --goal "fix claim race" --root .
  taskmill preflight check --task-id t-1 --role exec --pins pins.json internal/dispatch/claim.go
  taskmill verdict get --task-id t-1 --artifacts artifacts/

Worker:
  taskmill worker run --server http://localhost:8080 --executor claude-cli -- claude-cli run`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.Init(rootVerbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code, ok := exitCodeOf(err); ok {
			return code
		}
		return 1
	}
	return 0
}

// coded wraps a command error with a foundry exit code.
type coded struct {
	code int
	err  error
}

func (e *coded) Error() string { return e.err.Error() }
func (e *coded) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the
// given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = fmt.Errorf("%s", message)
	} else {
		err = fmt.Errorf("%s: %w", message, err)
	}
	return &coded{code: code, err: err}
}

func exitCodeOf(err error) (int, bool) {
	for err != nil {
		if c, ok := err.(*coded); ok {
			return c.code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}
