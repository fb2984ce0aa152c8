package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for every environment override.
const envPrefix = "RUNGUARD"

var (
	configMu  sync.Mutex
	appConfig *Config
)

// envSpec maps one environment variable onto a config path.
type envSpec struct {
	Name string
	Path string
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: envPrefix + "_HOST", Path: "server.host"},
		{Name: envPrefix + "_PORT", Path: "server.port"},
		{Name: envPrefix + "_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: envPrefix + "_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: envPrefix + "_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: envPrefix + "_RATE_RPS", Path: "server.rate_rps"},
		{Name: envPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: envPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: envPrefix + "_LOG_FILE", Path: "logging.file"},
		{Name: envPrefix + "_DATA_DIR", Path: "supervisor.data_dir"},
		{Name: envPrefix + "_OUTPUT_CAP_BYTES", Path: "supervisor.output_cap_bytes"},
		{Name: envPrefix + "_QUICK_TIMEOUT", Path: "supervisor.quick_timeout"},
		{Name: envPrefix + "_LONG_TIMEOUT", Path: "supervisor.long_timeout"},
		{Name: envPrefix + "_ENHANCED_SUPERVISION", Path: "supervisor.enhanced_supervision"},
		{Name: envPrefix + "_RULES_FILE", Path: "classify.rules_file"},
		{Name: envPrefix + "_RETENTION_MAX_AGE", Path: "retention.max_age"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.rate_rps", 10.0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)

	v.SetDefault("supervisor.data_dir", "")
	v.SetDefault("supervisor.output_cap_bytes", 1<<20)
	v.SetDefault("supervisor.quick_timeout", "8s")
	v.SetDefault("supervisor.long_timeout", "300s")
	v.SetDefault("supervisor.grace_period", "2s")
	v.SetDefault("supervisor.term_grace", "3s")
	v.SetDefault("supervisor.enhanced_supervision", false)
	v.SetDefault("supervisor.context_jobs", 5)
	v.SetDefault("supervisor.freeze.interval", "3s")
	v.SetDefault("supervisor.freeze.silence_threshold", "30s")
	v.SetDefault("supervisor.freeze.cpu_threshold", 90.0)
	v.SetDefault("supervisor.freeze.busy_silence_threshold", "10s")

	v.SetDefault("classify.rules_file", "")
	v.SetDefault("classify.complex_word_threshold", 5)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.max_age", "24h")
	v.SetDefault("retention.schedule", "@hourly")
}

// Load builds the configuration. Optional override maps apply last, above
// environment variables, the config file, and built-in defaults. The loaded
// config becomes the package-level current config returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	// Config file: RUNGUARD_CONFIG wins, else ./runguard.yaml if present.
	if path := os.Getenv(envPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("runguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	// Env sits above the file, runtime overrides above env: merged env
	// values stay at config level while overrides go in with Set, which
	// viper ranks highest.
	envValues := map[string]any{}
	for _, spec := range getEnvSpecs() {
		if val, ok := os.LookupEnv(spec.Name); ok && val != "" {
			envValues[spec.Path] = val
		}
	}
	if len(envValues) > 0 {
		if err := v.MergeConfigMap(envValues); err != nil {
			return nil, fmt.Errorf("merge env: %w", err)
		}
	}

	for _, override := range overrides {
		for path, val := range flatten("", override) {
			v.Set(path, val)
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the most recently loaded config, or nil before Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

// flatten turns a nested override map into dotted viper paths.
func flatten(prefix string, in map[string]any) map[string]any {
	out := map[string]any{}
	for key, val := range in {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for p, v := range flatten(path, nested) {
				out[p] = v
			}
			continue
		}
		out[path] = val
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Supervisor.QuickTimeout <= 0 {
		return fmt.Errorf("supervisor.quick_timeout must be > 0")
	}
	if cfg.Supervisor.LongTimeout <= 0 {
		return fmt.Errorf("supervisor.long_timeout must be > 0")
	}
	if cfg.Supervisor.Freeze.CPUThreshold <= 0 || cfg.Supervisor.Freeze.CPUThreshold > 100 {
		return fmt.Errorf("supervisor.freeze.cpu_threshold must be in (0, 100]")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unknown: %q", cfg.Logging.Level)
	}
	if cfg.Retention.Enabled && cfg.Retention.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be > 0 when retention is enabled")
	}
	return nil
}

