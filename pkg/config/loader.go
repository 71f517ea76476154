package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from defaults, the discovered YAML file and the
// environment, resolves _file references and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if path := discoverConfigFile(configPath); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file: the explicit path, then
// NGSI_CONFIG, then ./config.yaml, then /etc/ngsi/config.yaml. It returns
// the empty string when none exists.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("NGSI_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/ngsi/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile parses path into cfg. Fields absent from the file keep their
// current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// envVar binds one NGSI_* variable to a config field.
type envVar struct {
	name string
	set  func(cfg *Config, v string) error
}

var envVars = []envVar{
	{"NGSI_BROKER_URL", func(c *Config, v string) error { c.Broker.URL = v; return nil }},
	{"NGSI_SERVICE", func(c *Config, v string) error { c.Broker.Service = v; return nil }},
	{"NGSI_SERVICE_PATH", func(c *Config, v string) error { c.Broker.ServicePath = v; return nil }},
	{"NGSI_BROKER_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Broker.Timeout })},
	{"NGSI_HIGH_WATER_MARK", intVar(func(c *Config) *int { return &c.Stream.HighWaterMark })},
	{"NGSI_POLL_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Stream.PollInterval })},
	{"NGSI_WEBHOOK_ADDR", func(c *Config, v string) error { c.Webhook.Addr = v; return nil }},
	{"NGSI_WEBHOOK_ADVERTISE_URL", func(c *Config, v string) error { c.Webhook.AdvertiseURL = v; return nil }},
	{"NGSI_WEBHOOK_TOKEN", func(c *Config, v string) error { c.Webhook.Token = v; return nil }},
	{"NGSI_WEBHOOK_JWT_SECRET", func(c *Config, v string) error { c.Webhook.JWTSecret = v; return nil }},
	{"NGSI_RELAY_ADDR", func(c *Config, v string) error { c.Relay.Addr = v; return nil }},
	{"NGSI_MIRROR_ADDR", func(c *Config, v string) error { c.Mirror.Addr = v; return nil }},
	{"NGSI_STORAGE", func(c *Config, v string) error { c.Storage.Type = v; return nil }},
	{"NGSI_STORAGE_SIZE", intVar(func(c *Config) *int { return &c.Storage.MaxSize })},
	{"NGSI_POSTGRES_DSN", func(c *Config, v string) error { c.Storage.Postgres.DSN = v; return nil }},
	{"NGSI_LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"NGSI_METRICS_ADDR", func(c *Config, v string) error { c.Observability.Metrics.Addr = v; return nil }},
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(c) = n
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("not a duration: %q", v)
		}
		*field(c) = d
		return nil
	}
}

// applyEnvOverrides copies every set NGSI_* variable into cfg.
func applyEnvOverrides(cfg *Config) error {
	for _, ev := range envVars {
		v, ok := os.LookupEnv(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", ev.name, err)
		}
	}
	return nil
}

// resolveFileReferences fills secret fields from their _file variants when
// the value itself is empty.
func resolveFileReferences(cfg *Config) error {
	refs := []struct {
		name  string
		file  string
		value *string
	}{
		{"webhook.token_file", cfg.Webhook.TokenFile, &cfg.Webhook.Token},
		{"webhook.jwt_secret_file", cfg.Webhook.JWTSecretFile, &cfg.Webhook.JWTSecret},
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
	}
	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.value = val
	}
	return nil
}

// readSecretFile returns the file content with surrounding whitespace
// trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
