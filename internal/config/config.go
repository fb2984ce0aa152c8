// Package config loads runguard configuration with the precedence
// runtime overrides > environment > config file > defaults.
package config

import (
	"time"
)

// Config is the root configuration for the runguard daemon and CLI.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Classify   ClassifyConfig   `mapstructure:"classify"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RateRPS and RateBurst bound execute-request admission.
	RateRPS   float64 `mapstructure:"rate_rps"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`

	// File enables rotating file output when non-empty.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SupervisorConfig tunes the execution engine.
type SupervisorConfig struct {
	DataDir             string        `mapstructure:"data_dir"`
	OutputCapBytes      int64         `mapstructure:"output_cap_bytes"`
	QuickTimeout        time.Duration `mapstructure:"quick_timeout"`
	LongTimeout         time.Duration `mapstructure:"long_timeout"`
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	TermGrace           time.Duration `mapstructure:"term_grace"`
	EnhancedSupervision bool          `mapstructure:"enhanced_supervision"`
	ContextJobs         int           `mapstructure:"context_jobs"`

	Freeze FreezeConfig `mapstructure:"freeze"`
}

// FreezeConfig tunes the liveness heuristics for unattended jobs.
type FreezeConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	SilenceThreshold     time.Duration `mapstructure:"silence_threshold"`
	CPUThreshold         float64       `mapstructure:"cpu_threshold"`
	BusySilenceThreshold time.Duration `mapstructure:"busy_silence_threshold"`
}

// ClassifyConfig controls command classification.
type ClassifyConfig struct {
	// RulesFile points at a YAML rules file layered before the defaults.
	RulesFile            string `mapstructure:"rules_file"`
	ComplexWordThreshold int    `mapstructure:"complex_word_threshold"`
}

// RetentionConfig controls the serve-mode job retention sweep.
type RetentionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	MaxAge  time.Duration `mapstructure:"max_age"`

	// Schedule is a cron expression for the sweep cadence.
	Schedule string `mapstructure:"schedule"`
}
