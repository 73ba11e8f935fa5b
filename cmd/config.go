package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"procodus.dev/sensor-ingest/pkg/logger"
)

// Defaults shared by the sender and receiver so both ends agree out of the box.
const (
	defaultEndpoint  = "127.0.0.1:5005"
	defaultInterval  = 500 * time.Millisecond
	defaultItemDelay = time.Second
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml) and environment variables
// prefixed with SENSOR_INGEST, e.g. SENSOR_INGEST_RECEIVER_DB_HOST.
func InitConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sensor-ingest/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("SENSOR_INGEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates a JSON slog.Logger at the configured level.
func GetLogger() *slog.Logger {
	return logger.NewWithLevel(logger.ParseLevel(viper.GetString("log.level")))
}
