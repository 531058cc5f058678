package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// RelayConfig configures the development relay. It is read from the
// environment only.
type RelayConfig struct {
	Port              int
	GinMode           string
	TLSCertFile       string
	TLSKeyFile        string
	StateFile         string
	MaxEvents         int
	PublishRateLimit  int
	PublishRateWindow time.Duration
	LogLevel          string
}

func LoadRelayConfig() (RelayConfig, error) {
	return LoadRelayConfigFromEnv(osEnv{})
}

func LoadRelayConfigFromEnv(env Env) (RelayConfig, error) {
	cfg := RelayConfig{
		Port:              8000,
		GinMode:           "release",
		MaxEvents:         100000,
		PublishRateLimit:  600,
		PublishRateWindow: time.Minute,
		LogLevel:          "info",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return RelayConfig{}, errors.New("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return RelayConfig{}, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	cfg.StateFile = env.Getenv("RELAY_STATE_FILE")

	if n, ok, err := parsePositiveInt(env, "RELAY_MAX_EVENTS"); err != nil {
		return RelayConfig{}, err
	} else if ok {
		cfg.MaxEvents = n
	}

	if raw := env.Getenv("RELAY_PUBLISH_RATE_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return RelayConfig{}, errors.New("invalid RELAY_PUBLISH_RATE_LIMIT")
		}
		cfg.PublishRateLimit = n
	}

	if raw := env.Getenv("VENDING_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}

	return cfg, nil
}

func (c RelayConfig) Addr() string { return fmt.Sprintf(":%d", c.Port) }
