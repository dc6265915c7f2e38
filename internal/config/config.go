// Package config loads process configuration from the environment.
//
// Every section carries its own env tags; this package only nests them
// under the REHEARSE_ prefix and checks cross-section constraints.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/abhisek/rehearse/internal/assessment"
	"github.com/abhisek/rehearse/internal/convai"
	"github.com/abhisek/rehearse/internal/lifecycle"
	"github.com/abhisek/rehearse/internal/llm"
	"github.com/abhisek/rehearse/internal/server"
	"github.com/abhisek/rehearse/internal/sweep"
)

type Config struct {
	// DB overrides the default database path.
	DB string `env:"REHEARSE_DB"`

	LogLevel  slog.Level `env:"REHEARSE_LOG_LEVEL" envDefault:"info"`
	LogFormat string     `env:"REHEARSE_LOG_FORMAT" envDefault:"json"`

	HTTP       server.Config     `envPrefix:"REHEARSE_HTTP_"`
	ConvAI     convai.Config     `envPrefix:"REHEARSE_CONVAI_"`
	LLM        llm.Config        `envPrefix:"REHEARSE_LLM_"`
	Assessment assessment.Config `envPrefix:"REHEARSE_ASSESSMENT_"`
	Lifecycle  lifecycle.Config  `envPrefix:"REHEARSE_LIFECYCLE_"`
	Sweep      sweep.Config      `envPrefix:"REHEARSE_SWEEP_"`
}

// DefaultConfig returns the values Load produces with an empty
// environment.
func DefaultConfig() Config {
	return Config{
		LogLevel:   slog.LevelInfo,
		LogFormat:  "json",
		HTTP:       server.DefaultConfig(),
		ConvAI:     convai.DefaultConfig(),
		LLM:        llm.DefaultConfig(),
		Assessment: assessment.DefaultConfig(),
		Lifecycle:  lifecycle.Config{PipelineTimeout: lifecycle.DefaultPipelineTimeout},
		Sweep:      sweep.DefaultConfig(),
	}
}

// Load reads envFile, when it exists, into the process environment and
// parses the configuration. Variables already set take precedence over
// the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.LLM.Discover()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once. Provider credentials
// are checked when the provider is built.
func (c *Config) Validate() error {
	var errs []error
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("REHEARSE_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("REHEARSE_HTTP_ADDR must not be empty"))
	}
	if c.Assessment.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("REHEARSE_ASSESSMENT_GRADING_CONCURRENCY must be at least 1, got %d", c.Assessment.Concurrency))
	}
	if t := c.Assessment.MatchThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("REHEARSE_ASSESSMENT_MATCH_THRESHOLD must be in (0, 1], got %g", t))
	}
	if c.Assessment.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("REHEARSE_ASSESSMENT_GRADING_RATE must not be negative, got %g", c.Assessment.RatePerSecond))
	}
	if c.Lifecycle.PipelineTimeout <= 0 {
		errs = append(errs, errors.New("REHEARSE_LIFECYCLE_PIPELINE_TIMEOUT must be positive"))
	}
	if c.HTTP.RequestTimeout > 0 && c.HTTP.RequestTimeout < c.Lifecycle.PipelineTimeout {
		errs = append(errs, fmt.Errorf("REHEARSE_HTTP_REQUEST_TIMEOUT (%s) must exceed the pipeline timeout (%s)", c.HTTP.RequestTimeout, c.Lifecycle.PipelineTimeout))
	}
	if c.Sweep.Enabled && c.Sweep.Schedule == "" {
		errs = append(errs, errors.New("REHEARSE_SWEEP_SCHEDULE must be set when the sweep is enabled"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
