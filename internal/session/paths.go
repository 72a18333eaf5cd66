// Package session resolves the on-disk layout of a bluetail profile under
// ~/.bluetail. A profile holds one server connection's database, logs,
// downloaded attachments, and lock file.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.bluetail.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bluetail")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// AppDBPath returns the message database path for a profile.
func AppDBPath(profile string) string {
	return filepath.Join(Dir(profile), "bluetail.db")
}

// AttachmentsDir returns where downloaded attachments land.
func AttachmentsDir(profile string) string {
	return filepath.Join(Dir(profile), "attachments")
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "bluetaild.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(profile string) error {
	dirs := []string{
		Dir(profile),
		LogDir(profile),
		AttachmentsDir(profile),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
