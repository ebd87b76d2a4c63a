package config

import (
	"os"
	"path/filepath"
)

// defaultDataDir returns $HOME/.beacon, matching the persisted state layout's
// documented default location.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".beacon"
	}
	return filepath.Join(home, ".beacon")
}
