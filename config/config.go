package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// PoolConfig holds the tunables recognised by the relay pool engine.
// Durations are parsed from env as Go duration
// strings (e.g. "5s", "100ms").
type PoolConfig struct {
	ResponseTimeout       time.Duration `env:"RESPONSE_TIMEOUT" envDefault:"5s"`
	StreamingBufferWindow time.Duration `env:"STREAMING_BUFFER_WINDOW" envDefault:"100ms"`
	MaxReconnectDelay     time.Duration `env:"MAX_RECONNECT_DELAY" envDefault:"30s"`
	IdleTimeout           time.Duration `env:"IDLE_TIMEOUT" envDefault:"30s"`
	GCInterval            time.Duration `env:"GC_INTERVAL" envDefault:"30s"`
	HealthCheckInterval   time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"2s"`
	PublishTimeout        time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"10s"`
	SkipVerification      bool          `env:"SKIP_VERIFICATION" envDefault:"false"`
	DefaultRelays         []string      `env:"DEFAULT_RELAYS" envSeparator:";"`
	LogRingSize           int           `env:"LOG_RING_SIZE" envDefault:"256"`
}

// load and marshal Configuration from .env file from the UserHomeDir
// if this file was not found, fallback to the .env file in the current
// directory, then to the os environment variables alone
func LoadConfig[T any]() (*T, error) {
	// load current users home directory as a string
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Error("error loading home directory", "error", err)
	}
	// check if .env file exist in the home directory
	// if it does, load the configuration from it
	// else fallback to the os environment variables
	if _, err := os.Stat(homeDir + "/.env"); err == nil {
		// load configuration from .env file
		return loadFromEnv[T](homeDir + "/.env")
	} else if _, err := os.Stat(".env"); err == nil {
		// load configuration from .env file in current directory
		return loadFromEnv[T]("")
	} else {
		// load configuration from os environment variables
		return loadFromEnv[T]("")
	}
}

// loadFromEnv loads the configuration from the specified .env file path.
// If the path is empty, the .env file in the current directory is used;
// when neither loads, the os environment variables alone are parsed.
func loadFromEnv[T any](path string) (*T, error) {
	// load configuration from .env file
	var err error
	if path != "" {
		err = godotenv.Load(path)
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		slog.Debug("no .env file loaded", "path", path, "error", err)
	}

	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}
