package config

import (
	"os"
	"path/filepath"
)

const appDirName = ".relay"

// DataDir returns the base data directory for the relay.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// ConfigPath returns the default config file location.
func ConfigPath() (string, error) {
	return dataPath("config.toml")
}

// StatePath returns the bbolt database holding chat state.
func StatePath() (string, error) {
	return dataPath("state.db")
}

// FileStateDir returns the directory used by the file store backend.
func FileStateDir() (string, error) {
	return dataPath("state")
}

// LogPath returns the default log file.
func LogPath() (string, error) {
	return dataPath("relay.log")
}

func dataPath(name string) (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, name), nil
}
