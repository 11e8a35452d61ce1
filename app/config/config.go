// Package config handles the optional YAML configuration file. Every setting
// mirrors a command line flag; values set in the file override flags. The file
// is validated against limits and an embedded JSON schema before use.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"buildq/app/conditions"
)

// Config is the top-level YAML configuration
type Config struct {
	Root     string        `yaml:"root" json:"root" jsonschema:"description=directory tree to scan for build targets"`
	Tool     string        `yaml:"tool" json:"tool" jsonschema:"enum=docker,enum=npm,description=build tool to drive"`
	StateDir string        `yaml:"state_dir" json:"state_dir,omitempty" jsonschema:"description=directory for queue and progress files"`
	LogDir   string        `yaml:"log_dir" json:"log_dir,omitempty" jsonschema:"description=directory for per-job logs and the error report"`
	Timeout  Duration      `yaml:"timeout" json:"timeout,omitempty" jsonschema:"description=per-job wall clock limit like 30m"`

	MaxDepth  int      `yaml:"max_depth" json:"max_depth,omitempty" jsonschema:"description=discovery depth limit,minimum=1"`
	Excludes  []string `yaml:"excludes" json:"excludes,omitempty" jsonschema:"description=directory names skipped during discovery"`
	LogPrefix bool     `yaml:"log_prefix" json:"log_prefix,omitempty" jsonschema:"description=prefix job output lines with the job identity"`
	Schedule  string   `yaml:"schedule" json:"schedule,omitempty" jsonschema:"description=cron expression for repeated batch runs"`

	Repeater   *RepeaterConfig    `yaml:"repeater,omitempty" json:"repeater,omitempty"`
	Conditions *conditions.Config `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Notify     *NotifyConfig      `yaml:"notify,omitempty" json:"notify,omitempty"`
	History    *HistoryConfig     `yaml:"history,omitempty" json:"history,omitempty"`
	Web        *WebConfig         `yaml:"web,omitempty" json:"web,omitempty"`
}

// RepeaterConfig sets per-job retry with backoff. Pointer fields distinguish
// "not set" from zero so file values merge cleanly with flag defaults.
type RepeaterConfig struct {
	Attempts *int      `yaml:"attempts,omitempty" json:"attempts,omitempty" jsonschema:"minimum=1,maximum=100"`
	Duration *Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
	Factor   *float64  `yaml:"factor,omitempty" json:"factor,omitempty" jsonschema:"minimum=1,maximum=10"`
	Jitter   *bool     `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// NotifyConfig sets failure and completion notifications
type NotifyConfig struct {
	EnabledError      bool     `yaml:"enabled_error" json:"enabled_error,omitempty"`
	EnabledCompletion bool     `yaml:"enabled_completion" json:"enabled_completion,omitempty"`
	Destinations      []string `yaml:"destinations" json:"destinations,omitempty" jsonschema:"description=mailto: addresses or webhook URLs"`
	ErrorTemplate     string   `yaml:"error_template" json:"error_template,omitempty"`
	CompletionMessage string   `yaml:"completion_template" json:"completion_template,omitempty"`

	SMTPHost     string   `yaml:"smtp_host" json:"smtp_host,omitempty"`
	SMTPPort     int      `yaml:"smtp_port" json:"smtp_port,omitempty"`
	SMTPUsername string   `yaml:"smtp_username" json:"smtp_username,omitempty"`
	SMTPPassword string   `yaml:"smtp_password" json:"smtp_password,omitempty"`
	SMTPTLS      bool     `yaml:"smtp_tls" json:"smtp_tls,omitempty"`
	SMTPTimeout  Duration `yaml:"smtp_timeout" json:"smtp_timeout,omitempty"`
}

// HistoryConfig enables the sqlite run history
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled,omitempty"`
	DBFile  string `yaml:"db_file" json:"db_file,omitempty"`
}

// WebConfig enables the read-only status API
type WebConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled,omitempty"`
	Address        string `yaml:"address" json:"address,omitempty" jsonschema:"description=listen address like :8080"`
	AuthPasswdHash string `yaml:"auth_hash" json:"auth_hash,omitempty" jsonschema:"description=bcrypt hash enabling basic auth"`
}

// Load reads and parses the YAML file. Unknown keys are rejected so typos
// surface as errors instead of silently ignored settings.
func Load(file string) (*Config, error) {
	data, err := os.ReadFile(file) //nolint:gosec // config path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", file, err)
	}

	res := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(res); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", file, err)
	}

	if err := res.Verify(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", file, err)
	}
	return res, nil
}

// HasConditions reports if any run condition is set
func (c *Config) HasConditions() bool {
	return c.Conditions != nil && c.Conditions.Enabled()
}
