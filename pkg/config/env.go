// Package config reads typed settings from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var insecureDevSecrets = map[string]struct{}{
	"dev-postgres-password-change-me": {},
	"dev-redis-password-change-me":    {},
	"dev-weaviate-api-key-change-me":  {},
	"postgres":                        {},
}

const MinSecretLength = 16

// IsInsecureDevSecret reports whether value is one of the placeholder
// credentials shipped in the local compose files.
func IsInsecureDevSecret(value string) bool {
	_, ok := insecureDevSecrets[value]
	return ok
}

// GetEnv returns the value of key, or defaultValue when unset or blank.
func GetEnv(key, defaultValue string) string {
	return parsed(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// parsed trims the value of key and converts it with parse. Unset, blank
// and unparseable values yield defaultValue.
func parsed[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	v, err := parse(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func GetEnvInt(key string, defaultValue int) int {
	return parsed(key, defaultValue, strconv.Atoi)
}

func GetEnvInt64(key string, defaultValue int64) int64 {
	return parsed(key, defaultValue, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

// GetEnvBool accepts strconv.ParseBool forms plus yes/no and on/off.
func GetEnvBool(key string, defaultValue bool) bool {
	return parsed(key, defaultValue, parseBool)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func GetEnvFloat64(key string, defaultValue float64) float64 {
	return parsed(key, defaultValue, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// GetEnvDuration parses values like "30s" or "5m".
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return parsed(key, defaultValue, time.ParseDuration)
}

// GetEnvSlice splits a comma separated value, dropping empty entries.
func GetEnvSlice(key string, defaultValue []string) []string {
	return parsed(key, defaultValue, func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			return nil, errors.New("no entries")
		}
		return out, nil
	})
}
