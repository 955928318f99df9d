package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// DefaultEnvFiles are tried, in order, when LoadEnv gets no explicit files.
var DefaultEnvFiles = []string{".env", "/etc/default/wgmanager"}

// LoadEnv overlays variables from env files onto the process environment.
// Missing files are skipped. The logger level is re-read afterwards so a
// LOG_LEVEL set in a file takes effect.
func LoadEnv(logger *logrus.Logger, files ...string) {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No env files loaded; relying on process environment")
		return
	}
	logger.SetLevel(GetLogLevel())
	logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
}

// GetEnv gets an environment variable with a default value. Surrounding
// whitespace is ignored.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := GetEnv(key, ""); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration gets a positive duration ("90s", "5m") with a default value
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := GetEnv(key, ""); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvChoice returns the variable when it is one of allowed, the default
// when unset, and an error otherwise.
func GetEnvChoice(key, defaultValue string, allowed ...string) (string, error) {
	value := GetEnv(key, defaultValue)
	if !slices.Contains(allowed, value) {
		return "", fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
	}
	return value, nil
}

// GetLogLevel gets the log level from environment
func GetLogLevel() logrus.Level {
	switch strings.ToLower(GetEnv("LOG_LEVEL", "")) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
