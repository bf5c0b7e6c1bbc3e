package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString returns the value of key, or fallback when it is unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt parses key as a base-10 integer. Unparseable values log a warning
// and yield fallback.
func GetInt(key string, fallback int) int {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

func GetBool(key string, fallback bool) bool {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		invalid(key, value, err)
		return fallback
	}
	return parsed
}

// GetSeconds reads key as a whole number of seconds. Negative values are
// rejected like unparseable ones.
func GetSeconds(key string, fallback int) time.Duration {
	return scaled(key, fallback, time.Second)
}

// GetMinutes reads key as a whole number of minutes.
func GetMinutes(key string, fallback int) time.Duration {
	return scaled(key, fallback, time.Minute)
}

func scaled(key string, fallback int, unit time.Duration) time.Duration {
	n := GetInt(key, fallback)
	if n < 0 {
		slog.Warn("negative duration in environment, using default", "key", key, "value", n, "default", fallback)
		n = fallback
	}
	return time.Duration(n) * unit
}

// lookup treats a blank value like an unset one.
func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func invalid(key, value string, err error) {
	slog.Warn("invalid environment value, using default", "key", key, "value", value, "error", err)
}
