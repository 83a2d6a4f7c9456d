package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/sopline/config"
)

var logLevel = new(slog.LevelVar)

// InitLogger installs the JSON logger as the slog default. The level starts
// at info and follows LOG_LEVEL once LoadConfig has run.
func InitLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// LoadConfig reads an optional .env file, then parses and sanitizes AppConfig.
func LoadConfig() (config.AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
	}

	cfg, err := env.ParseAs[config.AppConfig]()
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	logLevel.Set(cfg.LogLevel)
	return cfg, nil
}

// ValidateServiceConfig reports whether cfg can start any service.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	return cfg.Validate()
}

// GetEnabledServices lists the enabled service modes in declaration order.
// An invalid SERVICES value yields an empty list.
func GetEnabledServices(cfg *config.AppConfig) []string {
	names := []string{}
	if cfg == nil {
		return names
	}
	for _, mode := range config.ValidServiceModes() {
		if cfg.Enabled(mode) {
			names = append(names, string(mode))
		}
	}
	return names
}
