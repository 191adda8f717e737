// Package config loads engine configuration from file, environment and
// defaults using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix namespaces environment overrides: EPISTEMIC_THRESHOLDS_KNOW etc.
const EnvPrefix = "EPISTEMIC"

// Config is the full engine configuration.
type Config struct {
	Thresholds  ThresholdsConfig  `mapstructure:"thresholds"`
	AntiGaming  AntiGamingConfig  `mapstructure:"anti_gaming"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Evidence    EvidenceConfig    `mapstructure:"evidence"`
	Gate        GateConfig        `mapstructure:"gate"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ThresholdsConfig seeds the readiness thresholds of a fresh calibration
// record. Once SetThresholds has persisted values, the record wins.
type ThresholdsConfig struct {
	Know        float64 `mapstructure:"know"`
	Uncertainty float64 `mapstructure:"uncertainty"`
}

func (t ThresholdsConfig) Validate() error {
	if t.Know < 0 || t.Know > 1 {
		return fmt.Errorf("thresholds.know must be in [0,1], got %v", t.Know)
	}
	if t.Uncertainty < 0 || t.Uncertainty > 1 {
		return fmt.Errorf("thresholds.uncertainty must be in [0,1], got %v", t.Uncertainty)
	}
	return nil
}

type AntiGamingConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	MinWindow time.Duration `mapstructure:"min_window"`
}

func (a AntiGamingConfig) Validate() error {
	if a.MinWindow < 0 {
		return fmt.Errorf("anti_gaming.min_window must not be negative")
	}
	return nil
}

type CalibrationConfig struct {
	Window int `mapstructure:"window"`
}

type EvidenceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	TestCommand []string      `mapstructure:"test_command"`
	RulesFile   string        `mapstructure:"rules_file"`
	Diff        bool          `mapstructure:"diff"`
}

func (e EvidenceConfig) Validate() error {
	if e.Timeout <= 0 {
		return fmt.Errorf("evidence.timeout must be positive")
	}
	return nil
}

// GateConfig controls the policy gate. Tools in neither list are praxic.
type GateConfig struct {
	Mode        string   `mapstructure:"mode"`
	NoeticTools []string `mapstructure:"noetic_tools"`
	PraxicTools []string `mapstructure:"praxic_tools"`
}

func (g GateConfig) Validate() error {
	switch g.Mode {
	case "controller", "observer":
		return nil
	}
	return fmt.Errorf("gate.mode must be controller or observer, got %q", g.Mode)
}

type StorageConfig struct {
	DBPath    string `mapstructure:"db_path"`
	ExportDir string `mapstructure:"export_dir"`
}

type AuditConfig struct {
	Backend string      `mapstructure:"backend"`
	GitDir  string      `mapstructure:"git_dir"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Stream    string `mapstructure:"stream"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func (a AuditConfig) Validate() error {
	switch a.Backend {
	case "none", "memory", "git":
		return nil
	case "redis":
		if a.Redis.Addr == "" {
			return fmt.Errorf("audit.redis.addr is required when audit.backend is redis")
		}
		return nil
	}
	return fmt.Errorf("audit.backend must be one of none, memory, git, redis; got %q", a.Backend)
}

type MemoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func (l LoggingConfig) Validate() error {
	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch l.Format {
	case "json", "console":
		return nil
	}
	return fmt.Errorf("logging.format must be json or console, got %q", l.Format)
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every documented default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("thresholds.know", 0.70)
	v.SetDefault("thresholds.uncertainty", 0.35)
	v.SetDefault("anti_gaming.enabled", true)
	v.SetDefault("anti_gaming.min_window", 30*time.Second)
	v.SetDefault("calibration.window", 20)
	v.SetDefault("evidence.enabled", true)
	v.SetDefault("evidence.timeout", 30*time.Second)
	v.SetDefault("evidence.test_command", []string{})
	v.SetDefault("evidence.rules_file", "")
	v.SetDefault("evidence.diff", true)
	v.SetDefault("gate.mode", "controller")
	v.SetDefault("gate.noetic_tools", []string{
		"Read", "Grep", "Glob", "LS", "WebFetch", "WebSearch",
		"resolve-context", "get-calibration", "log", "goal",
	})
	v.SetDefault("gate.praxic_tools", []string{"Edit", "Write", "MultiEdit", "NotebookEdit", "Bash"})
	v.SetDefault("storage.db_path", filepath.Join(".epistemic", "epistemic.db"))
	v.SetDefault("storage.export_dir", filepath.Join(".epistemic", "sessions"))
	v.SetDefault("audit.backend", "none")
	v.SetDefault("audit.git_dir", ".")
	v.SetDefault("audit.redis.addr", "")
	v.SetDefault("audit.redis.password", "")
	v.SetDefault("audit.redis.db", 0)
	v.SetDefault("audit.redis.stream", "epistemic:audit")
	v.SetDefault("audit.redis.key_prefix", "epistemic:audit:")
	v.SetDefault("memory.enabled", false)
	v.SetDefault("memory.path", filepath.Join(".epistemic", "memory.db"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.addr", "")
}

// Load reads configuration. An explicit path must exist; otherwise
// config.yaml is looked up in ./.epistemic and $HOME/.epistemic and may be
// absent. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".epistemic")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".epistemic"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Errorf("default config invalid: %w", err))
	}
	return cfg
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Calibration.Window < 1 {
		return fmt.Errorf("calibration.window must be at least 1")
	}
	for _, v := range []interface{ Validate() error }{
		c.Thresholds, c.AntiGaming, c.Evidence, c.Gate, c.Audit, c.Logging,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
