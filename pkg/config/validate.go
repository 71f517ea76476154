package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// Every problem is reported, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	} else if !isHTTPURL(c.Broker.URL) {
		errs = append(errs, fmt.Errorf("broker.url must be an absolute http(s) URL, got %q", c.Broker.URL))
	}
	if c.Broker.Timeout < 0 {
		errs = append(errs, fmt.Errorf("broker.timeout must not be negative, got %v", c.Broker.Timeout))
	}

	if c.Stream.HighWaterMark < 1 {
		errs = append(errs, fmt.Errorf("stream.high_water_mark must be >= 1, got %d", c.Stream.HighWaterMark))
	}
	if c.Stream.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("stream.poll_interval must not be negative, got %v", c.Stream.PollInterval))
	}

	if c.Webhook.AdvertiseURL != "" && !isHTTPURL(c.Webhook.AdvertiseURL) {
		errs = append(errs, fmt.Errorf("webhook.advertise_url must be an absolute http(s) URL, got %q", c.Webhook.AdvertiseURL))
	}

	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, errors.New(`storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is "postgres"`))
		}
	default:
		errs = append(errs, fmt.Errorf(`storage.type must be "memory" or "postgres", got %q`, c.Storage.Type))
	}
	if c.Storage.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("storage.max_size must not be negative, got %d", c.Storage.MaxSize))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf(`logging.format must be "text" or "json", got %q`, c.Logging.Format))
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not a known level", c.Logging.Level))
	}

	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with /, got %q", c.Observability.Metrics.Path))
	}

	return errors.Join(errs...)
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
