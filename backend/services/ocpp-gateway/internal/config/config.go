package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	libconfig "evgateway/backend/libs/config"
)

// Config defines OCPP gateway configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	JWT       JWTConfig       `yaml:"jwt"`
	Backend   BackendConfig   `yaml:"backend"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Redis     RedisConfig     `yaml:"redis"`
	GatewayID string          `yaml:"gatewayId" env:"GATEWAY_ID"`
}

type HTTPConfig struct {
	Port           string   `yaml:"port" env:"PORT" validate:"omitempty,numeric|startswith=:"`
	AllowedOrigins []string `yaml:"allowedOrigins" env:"CORS_ALLOWED_ORIGINS"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret" env:"JWT_SECRET" validate:"required"`
	TTLMinutes int    `yaml:"ttlMinutes" env:"JWT_TTL_MINUTES"`
}

type BackendConfig struct {
	URL            string `yaml:"url" env:"BACKEND_URL" validate:"omitempty,http_url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" env:"BACKEND_TIMEOUT"`
	MaxInflight    int    `yaml:"maxInflight" env:"BACKEND_MAX_INFLIGHT"`
}

type WebSocketConfig struct {
	PingIntervalSeconds int     `yaml:"pingIntervalSeconds" env:"OCPP_PING_INTERVAL"`
	WriteTimeoutSeconds int     `yaml:"writeTimeoutSeconds" env:"OCPP_WRITE_TIMEOUT"`
	UpgradeRate         float64 `yaml:"upgradeRate" env:"OCPP_UPGRADE_RATE" validate:"gte=0"`
	UpgradeBurst        int     `yaml:"upgradeBurst" env:"OCPP_UPGRADE_BURST"`
	CloseSuperseded     bool    `yaml:"closeSuperseded" env:"OCPP_CLOSE_SUPERSEDED"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" validate:"gte=0,lte=15"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:           "3001",
			AllowedOrigins: []string{"*"},
		},
		JWT: JWTConfig{TTLMinutes: 60},
		Backend: BackendConfig{
			URL:            "http://localhost:3000",
			TimeoutSeconds: 5,
			MaxInflight:    256,
		},
		WebSocket: WebSocketConfig{
			PingIntervalSeconds: 30,
			WriteTimeoutSeconds: 10,
			UpgradeRate:         50,
			UpgradeBurst:        100,
			CloseSuperseded:     true,
		},
	}
}

// Load uses shared config loader and validates required fields.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	cfg.JWT.Secret = strings.TrimSpace(cfg.JWT.Secret)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints. An empty backend URL is allowed and disables notifications.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("config: %s failed %q validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "3001"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// BackendTimeout bounds each outbound notification.
func (c *Config) BackendTimeout() time.Duration {
	if c.Backend.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// PingInterval returns websocket ping interval.
func (c *Config) PingInterval() time.Duration {
	if c.WebSocket.PingIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.WebSocket.PingIntervalSeconds) * time.Second
}

// WriteTimeout returns websocket write timeout.
func (c *Config) WriteTimeout() time.Duration {
	if c.WebSocket.WriteTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.WebSocket.WriteTimeoutSeconds) * time.Second
}

// TokenTTL is the lifetime of minted bearer tokens.
func (c *Config) TokenTTL() time.Duration {
	if c.JWT.TTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.JWT.TTLMinutes) * time.Minute
}

// PresenceTTL outlives a few missed pings so a live charger never expires between refreshes.
func (c *Config) PresenceTTL() time.Duration {
	return 3 * c.PingInterval()
}
