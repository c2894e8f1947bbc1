// Package config loads the factory configuration: server address, map
// build parameters, store locations, dispatch tuning, and artifact
// handling. Values come from a YAML file with TASKMILL_-prefixed
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/millwork/taskmill/pkg/artifact"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MapConfig controls map index builds.
type MapConfig struct {
	Roots           []string      `mapstructure:"roots"`
	Excludes        []string      `mapstructure:"excludes"`
	MaxFiles        int           `mapstructure:"max_files"`
	MaxFileBytes    int64         `mapstructure:"max_file_bytes"`
	RebuildInterval time.Duration `mapstructure:"rebuild_interval"`
}

// StoreConfig locates the sqlite map mirror.
type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`

	// Strict fails map queries when the store is absent instead of
	// falling back to the in-memory index.
	Strict bool `mapstructure:"strict"`
}

// ArtifactsConfig controls the per-task artifact tree.
type ArtifactsConfig struct {
	Root   string                `mapstructure:"root"`
	Strict bool                  `mapstructure:"strict"`
	Mirror artifact.MirrorConfig `mapstructure:"mirror"`
}

// DispatchConfig tunes the job registry.
type DispatchConfig struct {
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ClaimRate      float64       `mapstructure:"claim_rate"`
	ClaimBurst     int           `mapstructure:"claim_burst"`
}

// PolicyConfig locates the policy documents.
type PolicyConfig struct {
	RolePolicyPath    string        `mapstructure:"role_policy_path"`
	FactoryPolicyPath string        `mapstructure:"factory_policy_path"`
	EvalInterval      time.Duration `mapstructure:"eval_interval"`
}

// Config is the full factory configuration.
type Config struct {
	RepoRoot  string          `mapstructure:"repo_root"`
	Server    ServerConfig    `mapstructure:"server"`
	Map       MapConfig       `mapstructure:"map"`
	Store     StoreConfig     `mapstructure:"store"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Policy    PolicyConfig    `mapstructure:"policy"`
}

// Load reads configuration from an optional YAML file plus TASKMILL_
// environment overrides. An empty path skips the file and uses
// defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKMILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	// Durations and lists arrive as strings from env overrides.
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Map.MaxFiles <= 0 {
		return fmt.Errorf("map max_files must be positive, got %d", c.Map.MaxFiles)
	}
	if c.Artifacts.Root == "" {
		return fmt.Errorf("artifacts root is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("repo_root", ".")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)

	v.SetDefault("map.roots", []string{"."})
	v.SetDefault("map.excludes", []string{"vendor/**", "node_modules/**", ".git/**"})
	v.SetDefault("map.max_files", 50000)
	v.SetDefault("map.max_file_bytes", 1<<20)
	v.SetDefault("map.rebuild_interval", time.Duration(0))

	v.SetDefault("store.strict", false)

	v.SetDefault("artifacts.root", "artifacts")
	v.SetDefault("artifacts.strict", false)

	v.SetDefault("dispatch.liveness_window", 90*time.Second)
	v.SetDefault("dispatch.sweep_interval", 15*time.Second)
	v.SetDefault("dispatch.claim_rate", float64(0))
	v.SetDefault("dispatch.claim_burst", 10)

	v.SetDefault("policy.eval_interval", 15*time.Second)
}
