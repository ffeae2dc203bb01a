package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const AppConfigDir = ".config/" + Name

// GetConfigDir returns ~/.config/tusker, creating it on first use
func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	dir := filepath.Join(home, AppConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath prefers a file in the working directory, then one in the
// config dir. When neither exists the config dir path is returned so the
// caller can create it there.
func ResolveFilePath(filename string) string {
	if _, err := os.Stat(filename); err == nil {
		return filename
	}
	dir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(dir, filename)
}

// ResolveDatabasePath leaves in-memory DSNs and absolute paths alone and
// runs bare file names through ResolveFilePath.
func ResolveDatabasePath(path string) string {
	if path == "" || strings.HasPrefix(path, ":memory:") || strings.HasPrefix(path, "file:") {
		return path
	}
	if filepath.IsAbs(path) || strings.ContainsRune(path, filepath.Separator) {
		return path
	}
	return ResolveFilePath(path)
}
