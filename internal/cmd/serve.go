package cmd

import (
	"context"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/millwork/taskmill/internal/config"
	"github.com/millwork/taskmill/internal/metrics"
	"github.com/millwork/taskmill/internal/observability"
	"github.com/millwork/taskmill/internal/server"
	"github.com/millwork/taskmill/internal/server/handlers"
	"github.com/millwork/taskmill/pkg/artifact"
	"github.com/millwork/taskmill/pkg/dispatch"
	"github.com/millwork/taskmill/pkg/factory"
	"github.com/millwork/taskmill/pkg/mapindex"
	"github.com/millwork/taskmill/pkg/mapstore"
	"github.com/millwork/taskmill/pkg/pins"
	"github.com/millwork/taskmill/pkg/policy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler server",
	Long: `Run the scheduler HTTP server.

The server hosts the map index, the pins builder, the preflight gate,
job dispatch, the verdict engine, and the factory degradation
controller. Configuration comes from --config plus TASKMILL_
environment overrides.

Example:
  taskmill serve --config taskmill.yaml
  TASKMILL_SERVER_PORT=9000 taskmill serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// signalFeed adapts the dispatch registry and a repo health check into the
// degradation controller's signal source. The registry is assigned
// after construction, before the controller starts evaluating.
type signalFeed struct {
	registry *dispatch.Registry
	repoRoot string
}

func (f *signalFeed) QueueDepth() int {
	if f.registry == nil {
		return 0
	}
	return f.registry.QueueDepth()
}

func (f *signalFeed) RepoHealthy() bool {
	info, err := os.Stat(f.repoRoot)
	return err == nil && info.IsDir()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.ServerLogger

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	factoryPolicy := factory.DefaultPolicy()
	if cfg.Policy.FactoryPolicyPath != "" {
		factoryPolicy, err = factory.LoadPolicy(cfg.Policy.FactoryPolicyPath)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to load factory policy", err)
		}
	}

	var policies *policy.Set
	if cfg.Policy.RolePolicyPath != "" {
		policies, err = policy.Load(cfg.Policy.RolePolicyPath)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to load role policies", err)
		}
	}

	feed := &signalFeed{repoRoot: cfg.RepoRoot}
	controller := factory.NewController(factoryPolicy, feed, logger)

	registry := dispatch.NewRegistry(dispatch.Options{
		Controller:     controller,
		ClaimRate:      rate.Limit(cfg.Dispatch.ClaimRate),
		ClaimBurst:     cfg.Dispatch.ClaimBurst,
		LivenessWindow: cfg.Dispatch.LivenessWindow,
		Logger:         logger,
	})
	feed.registry = registry

	api, err := handlers.New(cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize API", err)
	}
	api.Holder = mapindex.NewHolder()
	api.Pins = &pins.Builder{RepoRoot: cfg.RepoRoot}
	api.Policies = policies
	api.Artifacts = artifact.NewStore(cfg.Artifacts.Root)
	api.Registry = registry
	api.Controller = controller
	api.Metrics = metrics.New()
	api.Version = versionInfo.Version

	if cfg.Store.Path != "" || cfg.Store.URL != "" {
		db, dbErr := mapstore.Open(ctx, mapstore.Config{
			Path:      cfg.Store.Path,
			URL:       cfg.Store.URL,
			AuthToken: cfg.Store.AuthToken,
		})
		if dbErr != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open map store", dbErr)
		}
		defer func() { _ = db.Close() }()
		if migErr := mapstore.Migrate(ctx, db); migErr != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to migrate map store", migErr)
		}
		api.DB = db
	}

	if cfg.Artifacts.Mirror.Enabled() {
		mirror, mErr := artifact.NewMirror(ctx, cfg.Artifacts.Mirror, logger)
		if mErr != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure artifact mirror", mErr)
		}
		api.Mirror = mirror
	}

	// Warm the map index so queries work before the first explicit
	// build. Failure is non-fatal; POST /map/build can retry.
	if snap, buildErr := mapindex.Build(ctx, buildParamsFromConfig(cfg)); buildErr != nil {
		logger.Warn("initial map build failed", zap.Error(buildErr))
	} else {
		api.Holder.Swap(snap)
		api.Metrics.MapFileCount.Set(float64(snap.Version.FileCount))
		if api.DB != nil {
			if mirrErr := mapstore.MirrorSnapshot(ctx, api.DB, snap); mirrErr != nil {
				logger.Warn("map store mirror failed", zap.Error(mirrErr))
			}
		}
	}

	controller.SetObserver(api.Metrics.SetDegradationMode)
	go registry.RunSweeper(ctx, cfg.Dispatch.SweepInterval)
	go controller.Run(ctx, cfg.Policy.EvalInterval)
	if cfg.Map.RebuildInterval > 0 {
		go rebuildLoop(ctx, cfg, api, logger)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, api, logger)
	srv.SetTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	if err := srv.Run(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

func buildParamsFromConfig(cfg *config.Config) mapindex.BuildParams {
	return mapindex.BuildParams{
		Roots:        cfg.Map.Roots,
		Excludes:     cfg.Map.Excludes,
		MaxFiles:     cfg.Map.MaxFiles,
		MaxFileBytes: cfg.Map.MaxFileBytes,
	}
}

// rebuildLoop refreshes the map index in the background. Each cycle is
// incremental against the previous snapshot.
func rebuildLoop(ctx context.Context, cfg *config.Config, api *handlers.API, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Map.RebuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			params := buildParamsFromConfig(cfg)
			if prev := api.Holder.Current(); prev != nil {
				params.Incremental = true
				params.Previous = prev
			}
			snap, err := mapindex.Build(ctx, params)
			if err != nil {
				logger.Warn("scheduled map rebuild failed", zap.Error(err))
				continue
			}
			api.Holder.Swap(snap)
			api.Metrics.MapFileCount.Set(float64(snap.Version.FileCount))
			if api.DB != nil {
				if err := mapstore.MirrorSnapshot(ctx, api.DB, snap); err != nil {
					logger.Warn("map store mirror failed", zap.Error(err))
				}
			}
			logger.Info("map index rebuilt",
				zap.String("version_hash", snap.Version.Hash),
				zap.Int("file_count", snap.Version.FileCount))
		}
	}
}
