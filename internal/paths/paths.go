package paths

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// AppName is the application name used in XDG directories
	AppName = "devpulse"

	// LocalConfigName is the project-local config file looked up in the working directory
	LocalConfigName = ".devpulse.yaml"
)

// DataDir returns the XDG data directory.
// Priority: $XDG_DATA_HOME/devpulse -> ~/.local/share/devpulse
func DataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", AppName)
}

// ConfigDir returns the XDG config directory.
// Priority: $XDG_CONFIG_HOME/devpulse -> ~/.config/devpulse
func ConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppName)
}

// DatabasePath returns the default database file path.
func DatabasePath() string {
	return filepath.Join(DataDir(), AppName+".db")
}

// BackupDir returns the default backup directory.
func BackupDir() string {
	return filepath.Join(DataDir(), "backups")
}

// BackupPath returns a timestamped backup file path inside BackupDir.
func BackupPath(now time.Time) string {
	return filepath.Join(BackupDir(), AppName+"-"+now.UTC().Format("20060102-150405")+".db")
}

// ConfigFilePath returns the default config file path in XDG config dir.
func ConfigFilePath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(ConfigDir(), 0755)
}
