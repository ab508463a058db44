package tools

import "os"

// GetenvDefault returns the environment variable key, or defaultValue when it
// is unset or empty.
func GetenvDefault(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
