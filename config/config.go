// Package config loads and validates bridge configuration from JSON files
// with environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/sosanzma/SPADE-FIWARE-Artifacts/errors"
)

// Config holds the full configuration surface of the bridge.
type Config struct {
	// Broker connection
	Host        string `json:"host"`         // context broker base URL, e.g. http://localhost
	Port        int    `json:"port"`         // context broker port
	ProjectName string `json:"project_name"` // tenant scope, sent as NGSILD-Tenant

	// Messaging fabric
	NATSURL             string `json:"nats_url"`
	PayloadSubject      string `json:"payload_subject"`      // agent payloads consumed by the inserter
	NotificationSubject string `json:"notification_subject"` // filtered notifications forwarded by the subscriber

	// Entity reconciliation
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	ColumnsUpdate  []string       `json:"columns_update"`  // allow-list of attributes to update; empty means all
	JSONTemplate   map[string]any `json:"json_template"`   // payload-to-entity template, {key} placeholders
	JSONExceptions []string       `json:"json_exceptions"` // keys excluded from attribute wrapping

	// Subscription lifecycle
	WatchedAttributes              []string `json:"watched_attributes"`
	QFilter                        string   `json:"q_filter"`
	Context                        []string `json:"context"` // JSON-LD @context URLs
	SubscriptionIdentifier         string   `json:"subscription_identifier"`
	DeleteSubscriptionIdentifier   string   `json:"delete_subscription_identifier"`
	DeleteAllArtifactSubscriptions bool     `json:"delete_all_artifact_subscriptions"`
	DeleteOnly                     bool     `json:"delete_only"`

	// Observability
	LogLevel    string `json:"log_level"`
	MetricsPort int    `json:"metrics_port"`
}

// Default context served by the FIWARE foundation when none is configured.
const defaultContext = "https://uri.etsi.org/ngsi-ld/v1/ngsi-ld-core-context-v1.3.jsonld"

// Defaults returns a configuration populated with default values.
func Defaults() Config {
	return Config{
		Host:                "http://localhost",
		Port:                9090,
		NATSURL:             "nats://localhost:4222",
		PayloadSubject:      "artifacts.payload",
		NotificationSubject: "artifacts.notifications",
		Context:             []string{defaultContext},
		LogLevel:            "info",
		MetricsPort:         9102,
	}
}

// Load reads configuration from a JSON file, applies .env and environment
// overrides, and validates the result. An empty path skips the file and
// loads from defaults plus environment only.
func Load(path string) (Config, error) {
	// A missing .env file is not an error
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}

		// The purge key historically used the artefact spelling; accept both
		var alias struct {
			DeleteAllArtefactSubscriptions *bool `json:"delete_all_artefact_subscriptions"`
		}
		if err := json.Unmarshal(data, &alias); err == nil && alias.DeleteAllArtefactSubscriptions != nil {
			cfg.DeleteAllArtifactSubscriptions = *alias.DeleteAllArtefactSubscriptions
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FIWARE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("FIWARE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("PROJECT_NAME"); v != "" {
		cfg.ProjectName = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = port
		}
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "host is required")
	}
	if !strings.HasPrefix(c.Host, "http://") && !strings.HasPrefix(c.Host, "https://") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("host %q must start with http:// or https://", c.Host))
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("metrics_port %d out of range", c.MetricsPort))
	}
	if c.NATSURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats_url is required")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if !c.DeleteOnly && c.EntityType == "" && c.JSONTemplate == nil {
		// The inserter needs at least an entity type or a template to
		// derive entities from payloads
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"entity_type or json_template is required unless delete_only is set")
	}
	return nil
}

// BrokerURL returns the context broker base URL including port.
func (c Config) BrokerURL() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SlogLevel maps the configured log_level to a slog.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.WrapInvalid(errors.ErrInvalidConfig, "config", "SlogLevel",
			fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
}

// ExceptionSet returns json_exceptions as a set for the entity cleaner.
func (c Config) ExceptionSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.JSONExceptions))
	for _, key := range c.JSONExceptions {
		set[key] = struct{}{}
	}
	return set
}
