// Package config provides unified configuration for the ngsi tools.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (NGSI_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the ngsi tools.
type Config struct {
	Broker        BrokerConfig        `yaml:"broker"`
	Stream        StreamConfig        `yaml:"stream"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Relay         RelayConfig         `yaml:"relay"`
	Mirror        MirrorConfig        `yaml:"mirror"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BrokerConfig locates the context broker and the tenant to use.
type BrokerConfig struct {
	URL         string        `yaml:"url"`          // default: http://localhost:1026
	Service     string        `yaml:"service"`      // Fiware-Service, optional
	ServicePath string        `yaml:"service_path"` // Fiware-ServicePath, optional
	Timeout     time.Duration `yaml:"timeout"`      // default: 30s
}

// StreamConfig tunes stream flow control.
type StreamConfig struct {
	HighWaterMark int           `yaml:"high_water_mark"` // default: 16
	PollInterval  time.Duration `yaml:"poll_interval"`   // default: 1s
}

// WebhookConfig configures the local callback receiver.
type WebhookConfig struct {
	Addr          string `yaml:"addr"`            // default: ephemeral loopback port
	Path          string `yaml:"path"`            // default: /notify/<uuid>
	AdvertiseURL  string `yaml:"advertise_url"`   // optional
	MaxBodySize   int64  `yaml:"max_body_size"`   // default: 10 MB
	Token         string `yaml:"token"`           // optional bearer token
	TokenFile     string `yaml:"token_file"`      // _file variant for token
	JWTSecret     string `yaml:"jwt_secret"`      // optional HS256 secret
	JWTSecretFile string `yaml:"jwt_secret_file"` // _file variant for jwt_secret
}

// RelayConfig configures the notification relay server.
type RelayConfig struct {
	Addr      string        `yaml:"addr"`       // default: :8668
	KeepAlive time.Duration `yaml:"keep_alive"` // default: 15s
}

// MirrorConfig configures the mirror's HTTP API.
type MirrorConfig struct {
	Addr string `yaml:"addr"` // default: :8080
}

// StorageConfig selects the mirror archive.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory" or "postgres", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: true
}

// LoggingConfig configures slog output. NGSI_LOG_LEVEL and NGSI_DEBUG take
// precedence over Level and Debug.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: INFO
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma separated debug categories
}

// ObservabilityConfig holds monitoring settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus endpoint settings. Servers mount the
// endpoint at Path; commands without a server listen on Addr when set.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
	Addr    string `yaml:"addr"`    // optional
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			URL:     "http://localhost:1026",
			Timeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			HighWaterMark: 16,
			PollInterval:  time.Second,
		},
		Webhook: WebhookConfig{
			MaxBodySize: 10 << 20,
		},
		Relay: RelayConfig{
			Addr:      ":8668",
			KeepAlive: 15 * time.Second,
		},
		Mirror: MirrorConfig{
			Addr: ":8080",
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns:       10,
				MigrateOnStart: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
