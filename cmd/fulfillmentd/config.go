package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-fulfillment/core"
)

type HTTPConfig struct {
	Addr                   string `koanf:"addr" mapstructure:"addr"`
	ReadTimeoutSeconds     int    `koanf:"read_timeout_seconds" mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `koanf:"write_timeout_seconds" mapstructure:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

func (c DatabaseConfig) GetDebug() bool { return c.Debug }

// GetDriver returns the database/sql driver name.
func (c DatabaseConfig) GetDriver() string {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "postgres", "pg", "postgresql":
		return "postgres"
	default:
		return "sqlite3"
	}
}

func (c DatabaseConfig) GetServer() string { return c.DSN }

func (c DatabaseConfig) GetPingTimeout() time.Duration { return 5 * time.Second }

func (c DatabaseConfig) GetOtelIdentifier() string { return "fulfillmentd" }

type PrintAPIConfig struct {
	BaseURL        string `koanf:"base_url" mapstructure:"base_url"`
	APIKey         string `koanf:"api_key" mapstructure:"api_key"`
	ContactEmail   string `koanf:"contact_email" mapstructure:"contact_email"`
	TimeoutSeconds int    `koanf:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type StripeConfig struct {
	APIKey string `koanf:"api_key" mapstructure:"api_key"`
}

type AMQPConfig struct {
	URL   string `koanf:"url" mapstructure:"url"`
	Queue string `koanf:"queue" mapstructure:"queue"`
}

type ReconcileConfig struct {
	IntervalSeconds int `koanf:"interval_seconds" mapstructure:"interval_seconds"`
}

type CacheConfig struct {
	UserTTLSeconds int `koanf:"user_ttl_seconds" mapstructure:"user_ttl_seconds"`
}

type AppConfig struct {
	HTTP        HTTPConfig      `koanf:"http" mapstructure:"http"`
	Database    DatabaseConfig  `koanf:"database" mapstructure:"database"`
	PrintAPI    PrintAPIConfig  `koanf:"print_api" mapstructure:"print_api"`
	Stripe      StripeConfig    `koanf:"stripe" mapstructure:"stripe"`
	AMQP        AMQPConfig      `koanf:"amqp" mapstructure:"amqp"`
	Reconcile   ReconcileConfig `koanf:"reconcile" mapstructure:"reconcile"`
	Cache       CacheConfig     `koanf:"cache" mapstructure:"cache"`
	Fulfillment core.Config     `koanf:"fulfillment" mapstructure:"fulfillment"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		HTTP: HTTPConfig{
			Addr:                   ":8080",
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    30,
			ShutdownTimeoutSeconds: 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:fulfillment.db?cache=shared&_foreign_keys=on",
		},
		PrintAPI: PrintAPIConfig{TimeoutSeconds: 20},
		AMQP:     AMQPConfig{Queue: "fulfillment.emails"},
		Reconcile: ReconcileConfig{
			IntervalSeconds: 300,
		},
		Cache:       CacheConfig{UserTTLSeconds: 60},
		Fulfillment: core.DefaultConfig(),
	}
}

func (c *AppConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("fulfillmentd: config is required")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("fulfillmentd: http.addr is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("fulfillmentd: database.dsn is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "sqlite", "sqlite3", "postgres", "pg", "postgresql":
	default:
		return fmt.Errorf("fulfillmentd: database.driver %q is not supported", c.Database.Driver)
	}
	if c.Reconcile.IntervalSeconds < 0 {
		return fmt.Errorf("fulfillmentd: reconcile.interval_seconds must not be negative")
	}
	if strings.TrimSpace(c.AMQP.URL) != "" && strings.TrimSpace(c.AMQP.Queue) == "" {
		return fmt.Errorf("fulfillmentd: amqp.queue is required when amqp.url is set")
	}
	return c.Fulfillment.Validate()
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

// loadAppConfig reads an optional YAML file and layers it over defaults.
func loadAppConfig(path string) (AppConfig, error) {
	raw := map[string]any{}
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("fulfillmentd: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return AppConfig{}, fmt.Errorf("fulfillmentd: parse config %s: %w", path, err)
		}
	}
	return buildAppConfig(raw)
}

func buildAppConfig(raw map[string]any) (AppConfig, error) {
	return cfgx.Build[AppConfig](raw,
		cfgx.WithDefaults(defaultAppConfig()),
		cfgx.WithValidator[AppConfig]((*AppConfig).Validate),
	)
}
