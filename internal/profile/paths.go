package profile

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the base directory, mainly for tests and containers.
const EnvHome = "CHATLINK_HOME"

// BaseDir returns $CHATLINK_HOME or ~/.chatlink.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatlink")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the control socket of a profile's daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "chatlinkd.sock")
}

// ArchivePath returns the SQLite history archive.
func ArchivePath(name string) string {
	return filepath.Join(Dir(name), "archive.db")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "logs", "chatlinkd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// ProfilePath returns the profile config file. A profile.yaml or
// profile.yml wins when present; otherwise profile.toml.
func ProfilePath(name string) string {
	dir := Dir(name)
	for _, f := range []string{"profile.yaml", "profile.yml"} {
		p := filepath.Join(dir, f)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "profile.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), filepath.Dir(LogPath(name))} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
