package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

const (
	// repeater validation limits
	minAttempts = 1
	maxAttempts = 100
	minFactor   = 1.0
	maxFactor   = 10.0
	minDuration = time.Millisecond
	maxDuration = time.Hour

	// per-job timeout limits
	minTimeout = time.Second
	maxTimeout = 24 * time.Hour
)

//go:embed schema.json
var embeddedSchemaData []byte

// Verify validates field values and cross-field constraints
func (c *Config) Verify() error {
	if c.Tool != "" && c.Tool != "docker" && c.Tool != "npm" {
		return fmt.Errorf("tool must be docker or npm, got %q", c.Tool)
	}

	if c.Timeout != 0 && (c.Timeout.D() < minTimeout || c.Timeout.D() > maxTimeout) {
		return fmt.Errorf("timeout must be between %v and %v, got %v", minTimeout, maxTimeout, c.Timeout)
	}

	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth can't be negative, got %d", c.MaxDepth)
	}

	if c.Repeater != nil {
		if err := verifyRepeater(c.Repeater); err != nil {
			return err
		}
	}

	if c.Notify != nil {
		if err := verifyNotify(c.Notify); err != nil {
			return err
		}
	}

	if c.Web != nil && c.Web.Enabled && c.Web.Address == "" {
		return fmt.Errorf("web.address is required when web is enabled")
	}

	if c.History != nil && c.History.Enabled && c.History.DBFile == "" {
		return fmt.Errorf("history.db_file is required when history is enabled")
	}

	return nil
}

func verifyRepeater(cfg *RepeaterConfig) error {
	if cfg.Attempts != nil {
		if *cfg.Attempts < minAttempts || *cfg.Attempts > maxAttempts {
			return fmt.Errorf("repeater.attempts must be between %d and %d", minAttempts, maxAttempts)
		}
	}

	if cfg.Duration != nil {
		if cfg.Duration.D() < minDuration {
			return fmt.Errorf("repeater.duration must be at least %v", minDuration)
		}
		if cfg.Duration.D() > maxDuration {
			return fmt.Errorf("repeater.duration must not exceed %v", maxDuration)
		}
	}

	if cfg.Factor != nil {
		if *cfg.Factor < minFactor || *cfg.Factor > maxFactor {
			return fmt.Errorf("repeater.factor must be between %.1f and %.1f", minFactor, maxFactor)
		}
	}

	return nil
}

func verifyNotify(cfg *NotifyConfig) error {
	if (cfg.EnabledError || cfg.EnabledCompletion) && len(cfg.Destinations) == 0 {
		return fmt.Errorf("notify enabled but no destinations set")
	}

	for i, dest := range cfg.Destinations {
		if strings.HasPrefix(dest, "mailto:") {
			if cfg.SMTPHost == "" {
				return fmt.Errorf("destination %d is mailto but smtp_host is not set", i+1)
			}
			continue
		}
		u, err := url.Parse(dest)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("destination %d: %q is neither mailto: nor an http(s) URL", i+1, dest)
		}
	}

	return nil
}

// VerifyAgainstEmbeddedSchema validates the config against the embedded JSON schema
func VerifyAgainstEmbeddedSchema(cfg *Config) error {
	// parse embedded schema
	var schema map[string]interface{}
	if err := json.Unmarshal(embeddedSchemaData, &schema); err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}

	if err := cfg.Verify(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}

// GenerateSchema generates a JSON schema for the Config struct
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&Config{}), nil
}
