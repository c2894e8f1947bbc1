package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/millwork/taskmill/internal/config"
	"github.com/millwork/taskmill/internal/observability"
	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/mapstore"
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Build and query the repository map index",
}

var mapBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a map snapshot from the configured roots",
	Long: `Walk the configured roots and build a map snapshot.

The snapshot version hash is deterministic for identical repo content.
With --db the snapshot is also mirrored into the sqlite map store.

Example:
  taskmill map build --root .
  taskmill map build --root . --db .taskmill/map.db
  taskmill map build --root . --out snapshot.json`,
	RunE: runMapBuild,
}

var mapQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Rank map entries against a free-text query",
	Args:  cobra.ExactArgs(1),
	RunE:  runMapQuery,
}

var (
	mapRoots    []string
	mapExcludes []string
	mapMaxFiles int
	mapDBPath   string
	mapOutPath  string
	mapLimit    int
)

func init() {
	rootCmd.AddCommand(mapCmd)
	mapCmd.AddCommand(mapBuildCmd)
	mapCmd.AddCommand(mapQueryCmd)

	mapCmd.PersistentFlags().StringArrayVar(&mapRoots, "root", nil, "Root directory to index (repeatable)")
	mapCmd.PersistentFlags().StringArrayVar(&mapExcludes, "exclude", nil, "Exclude pattern (repeatable)")
	mapCmd.PersistentFlags().IntVar(&mapMaxFiles, "max-files", 0, "Fail the build above this file count")
	mapCmd.PersistentFlags().StringVar(&mapDBPath, "db", "", "Sqlite map store path")

	mapBuildCmd.Flags().StringVar(&mapOutPath, "out", "", "Write the full snapshot JSON to this file")
	mapQueryCmd.Flags().IntVar(&mapLimit, "limit", 20, "Maximum matches returned")
}

// mapParams merges config-file map settings with command flags. Flags
// win when set.
func mapParams() (mapindex.BuildParams, error) {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return mapindex.BuildParams{}, err
	}
	params := mapindex.BuildParams{
		Roots:        cfg.Map.Roots,
		Excludes:     cfg.Map.Excludes,
		MaxFiles:     cfg.Map.MaxFiles,
		MaxFileBytes: cfg.Map.MaxFileBytes,
	}
	if len(mapRoots) > 0 {
		params.Roots = mapRoots
	}
	if len(mapExcludes) > 0 {
		params.Excludes = mapExcludes
	}
	if mapMaxFiles > 0 {
		params.MaxFiles = mapMaxFiles
	}
	return params, nil
}

func runMapBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	params, err := mapParams()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	snap, err := mapindex.Build(ctx, params)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Map build failed", err)
	}

	observability.CLILogger.Debug("map built",
		zap.String("version_hash", snap.Version.Hash),
		zap.Int("file_count", snap.Version.FileCount))

	if mapDBPath != "" {
		db, dbErr := mapstore.Open(ctx, mapstore.Config{Path: mapDBPath})
		if dbErr != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open map store", dbErr)
		}
		defer func() { _ = db.Close() }()
		if err := mapstore.Migrate(ctx, db); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to migrate map store", err)
		}
		if err := mapstore.MirrorSnapshot(ctx, db, snap); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to mirror snapshot", err)
		}
	}

	if mapOutPath != "" {
		data, mErr := json.MarshalIndent(snap, "", "  ")
		if mErr != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to encode snapshot", mErr)
		}
		if err := os.WriteFile(mapOutPath, append(data, '\n'), 0644); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write snapshot", err)
		}
	}

	return printJSON(map[string]any{
		"version_hash": snap.Version.Hash,
		"file_count":   snap.Version.FileCount,
		"built_at":     snap.Version.BuiltAt,
	})
}

func runMapQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	q := args[0]

	params, err := mapParams()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	snap, err := mapindex.Build(ctx, params)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Map build failed", err)
	}

	matches := mapindex.Query(snap, q, mapLimit)
	backend := "memory"

	if mapDBPath != "" {
		db, dbErr := mapstore.Open(ctx, mapstore.Config{Path: mapDBPath})
		if dbErr != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open map store", dbErr)
		}
		defer func() { _ = db.Close() }()

		ok, hasErr := mapstore.HasSnapshot(ctx, db, snap.Version.Hash)
		if hasErr != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Map store query failed", hasErr)
		}
		if ok {
			matches, err = mapstore.QueryEntries(ctx, db, snap.Version.Hash, q, mapLimit)
			if err != nil {
				return exitError(foundry.ExitExternalServiceUnavailable, "Map store query failed", err)
			}
			backend = "sqlite"
		}
	}

	return printJSON(map[string]any{
		"version_hash": snap.Version.Hash,
		"backend":      backend,
		"matches":      matches,
	})
}

// printJSON writes indented JSON to stdout. Logs go to stderr, so
// stdout stays machine-parseable.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
