package home

import (
	"os"
	"path/filepath"
)

// Dir returns the daemon's home directory, ~/.petrel.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".petrel"), nil
}

// DataDir returns the default on-disk data directory, ~/.petrel/data.
// When the user's home directory cannot be resolved it falls back to a
// relative "data" directory so the daemon still starts in containers
// without a home.
func DataDir() string {
	home, err := Dir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, "data")
}
