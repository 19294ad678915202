// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/karelia-iot/mqtt-gateway/internal/logger"
)

// Config is the immutable configuration record for a gateway process.
// It is constructed once at startup and passed explicitly into the
// component constructors.
type Config struct {
	MQTTHost     string `yaml:"mqtt_host" env:"MQTT_HOST" env-default:"localhost"`
	MQTTPort     string `yaml:"mqtt_port" env:"MQTT_PORT" env-default:"1883"`
	MQTTUsername string `yaml:"mqtt_username" env:"MQTT_USERNAME"`
	MQTTPassword string `yaml:"mqtt_password" env:"MQTT_PASSWORD"`

	RedisURL string `yaml:"redis_url" env:"REDIS_URL" env-default:"redis://localhost:6379" validate:"required,uri"`

	OrionURL          string `yaml:"orion_url" env:"ORION_URL" env-default:"http://localhost:1026" validate:"required,url"`
	FiwareService     string `yaml:"fiware_service" env:"FIWARE_SERVICE" env-default:"gateway" validate:"required"`
	FiwareServicePath string `yaml:"fiware_servicepath" env:"FIWARE_SERVICEPATH" env-default:"/gateway" validate:"required,startswith=/"`

	PostgresHost     string `yaml:"postgres_host" env:"POSTGRES_HOST" env-default:"localhost" validate:"required"`
	PostgresPort     string `yaml:"postgres_port" env:"POSTGRES_PORT" env-default:"5432"`
	PostgresUser     string `yaml:"postgres_user" env:"POSTGRES_USER" env-default:"karelia" validate:"required"`
	PostgresPassword string `yaml:"postgres_password" env:"POSTGRES_PASSWORD" env-default:"postgres"`
	PostgresDB       string `yaml:"postgres_db" env:"POSTGRES_DB" env-default:"iot_devices" validate:"required"`

	Workers       int `yaml:"workers" env:"GATEWAY_WORKERS" env-default:"12" validate:"min=1"`
	QueueCapacity int `yaml:"queue_capacity" env:"GATEWAY_QUEUE_CAPACITY" env-default:"4096" validate:"min=1"`

	LeaseTTL       time.Duration `yaml:"lease_ttl" env:"GATEWAY_LEASE_TTL" env-default:"60s" validate:"min=1s"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"GATEWAY_RECONNECT_DELAY" env-default:"5s"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling" env:"GATEWAY_BACKOFF_CEILING" env-default:"5s"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"GATEWAY_CONNECT_TIMEOUT" env-default:"2s"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"GATEWAY_REQUEST_TIMEOUT" env-default:"5s"`

	DefaultEntityType string `yaml:"default_entity_type" env:"GATEWAY_DEFAULT_ENTITY_TYPE" env-default:"Thing"`

	Log logger.Config `yaml:"log"`
}

// Load reads configuration from the optional YAML file at path and the
// environment, then validates it. Environment variables win over file
// values.
func Load(path string) (*Config, error) {
	cfg := new(Config)

	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// MQTTAddr returns the broker address in host:port form.
func (c *Config) MQTTAddr() string { return net.JoinHostPort(c.MQTTHost, c.MQTTPort) }

// PostgresDSN returns the datapoint store DSN.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB)
}
