package env

import (
	"bytes"
	"os"
	"path/filepath"
)

// GetStringFromFile reads the environment variable value, or the contents of
// the file named by KEY_FILE when that is set (Docker secrets).
func GetStringFromFile(key, defaultValue string) string {
	if filePath := os.Getenv(key + "_FILE"); filePath != "" {
		if content, err := ReadSecretFile(filePath); err == nil {
			return content
		}
		// If file read fails, fall back to env var
	}

	return GetString(key, defaultValue)
}

// GetString returns the environment variable value or the default value if not set
func GetString(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// ReadSecretFile returns the trimmed contents of a mounted secret file.
func ReadSecretFile(path string) (string, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(content)), nil
}
