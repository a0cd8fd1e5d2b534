// Package config loads and validates the scheduler's own configuration
// (spec.md's task-definition grammar is out of scope per §1 Non-goals,
// but the scheduler's operational config is an ambient concern carried
// regardless). Grounded on the pack's shared convention of
// gopkg.in/yaml.v3 for parsing plus go-playground/validator/v10 for
// struct-tag validation, surfacing a malformed config as a startup-time
// Configuration error (spec.md §7) rather than letting it propagate as a
// generic panic deep in the main loop.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cylc/cylc-flow-sub005/internal/errs"
)

// Config is the scheduler's top-level runtime configuration.
type Config struct {
	WorkflowName string `yaml:"workflow_name" validate:"required"`
	RunDir       string `yaml:"run_dir" validate:"required"`

	TickInterval     time.Duration `yaml:"tick_interval" validate:"required"`
	StallTimeout     time.Duration `yaml:"stall_timeout" validate:"required"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" validate:"required"`

	MaxBatchSize         int           `yaml:"max_batch_size" validate:"gt=0"`
	ProcessPoolTimeout   time.Duration `yaml:"process_pool_timeout" validate:"required"`
	ProcessPoolSize      int           `yaml:"process_pool_size" validate:"gte=0"`
	XtriggerConcurrency  int64         `yaml:"xtrigger_concurrency" validate:"gt=0"`
	RunaheadLimitCycles  int           `yaml:"runahead_limit_cycles" validate:"gte=0"`

	// AbortOnStall/AbortOnInactivity turn the corresponding timeout
	// handler into a fatal, non-zero-exit shutdown (spec.md §4.10).
	AbortOnStall      bool `yaml:"abort_on_stall"`
	AbortOnInactivity bool `yaml:"abort_on_inactivity"`

	// SubmissionPollIntervals/ExecutionPollIntervals are run-length-notation
	// ISO-8601 duration lists, e.g. "2*PT1S,10*PT6S" (spec.md §4.7).
	SubmissionPollIntervals string `yaml:"submission_polling_intervals"`
	ExecutionPollIntervals  string `yaml:"execution_polling_intervals"`

	Database DatabaseConfig `yaml:"database" validate:"required"`

	MetricsAddr string `yaml:"metrics_addr"`
	ServerAddr  string `yaml:"server_addr" validate:"required"`

	LogTimeFormat string `yaml:"log_time_format"`
}

// DatabaseConfig names the database/sql driver and DSN used for the
// relational snapshot (spec.md §4.9); lib/pq is the reference driver the
// module wires, but the store is written against sqlx.ExtContext so any
// database/sql driver works unchanged.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"required"`
	DSN    string `yaml:"dsn" validate:"required"`
}

// Default returns a Config with the spec's stated defaults filled in,
// suitable as a base before applying a user's YAML overrides.
func Default() Config {
	return Config{
		TickInterval:        time.Second,
		StallTimeout:        10 * time.Minute,
		InactivityTimeout:   time.Hour,
		MaxBatchSize:        100,
		ProcessPoolTimeout:      5 * time.Minute,
		XtriggerConcurrency:     4,
		LogTimeFormat:           time.RFC3339,
		SubmissionPollIntervals: "PT1M",
		ExecutionPollIntervals:  "PT1M",
	}
}

// Load reads and validates a Config from path, starting from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Wrap(errs.ClassConfiguration, err, "reading config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.ClassConfiguration, err, "parsing config yaml")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, errs.Wrap(errs.ClassConfiguration, err, "validating config")
	}
	return cfg, nil
}
