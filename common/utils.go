// Package common provides shared constants, types, and utilities
// used across the VPN orchestrator.
package common

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a random identifier for connection attempts and sessions.
func GenerateID() string {
	return uuid.NewString()
}

// GetConfigDir returns the path to the configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	configDir := filepath.Join(homeDir, ".config", ConfigDirName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}

// GetDataDir returns the path to the data directory.
func GetDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	dataDir := filepath.Join(homeDir, ".local", "share", ConfigDirName)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", WrapError(err, "failed to create data directory")
	}

	return dataDir, nil
}

// DefaultSocketPath returns the control socket location.
// XDG_RUNTIME_DIR is preferred; the data directory is the fallback.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, ConfigDirName, SocketFileName)
	}
	if dir, err := GetDataDir(); err == nil {
		return filepath.Join(dir, SocketFileName)
	}
	return filepath.Join(os.TempDir(), ConfigDirName+"-"+SocketFileName)
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// NormalizeAppID canonicalizes an application identifier so that rule keys
// compare equal regardless of how the path was typed. Paths are cleaned;
// package identifiers (no separator) are returned trimmed. On Windows
// paths compare case-insensitively.
func NormalizeAppID(app string) string {
	app = strings.TrimSpace(app)
	if app == "" {
		return ""
	}
	if !strings.ContainsAny(app, `/\`) {
		return app
	}
	cleaned := filepath.Clean(app)
	if runtime.GOOS == "windows" {
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
