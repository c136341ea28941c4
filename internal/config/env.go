package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue parses the variable key with parse. Unset variables and values
// that fail to parse yield def; the latter are logged.
func envValue[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("Ignoring invalid environment value", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

// GetEnv returns the variable or def when unset or empty.
func GetEnv(key, def string) string {
	return envValue(key, def, func(s string) (string, error) { return s, nil })
}

// GetIntEnv returns the variable as an int.
func GetIntEnv(key string, def int) int {
	return envValue(key, def, strconv.Atoi)
}

// GetBoolEnv returns the variable as a bool, in any form strconv.ParseBool accepts.
func GetBoolEnv(key string, def bool) bool {
	return envValue(key, def, strconv.ParseBool)
}

// GetDurationEnv returns the variable as a time.Duration such as "30s".
func GetDurationEnv(key string, def time.Duration) time.Duration {
	return envValue(key, def, time.ParseDuration)
}

// GetSecretFile returns the trimmed contents of a mounted secret, or "" when
// path is empty or unreadable.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read secret file", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
