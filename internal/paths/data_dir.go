package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DataBaseDir resolves the default base directory for plz durable data.
// Preference order:
// 1. $XDG_DATA_HOME/plz
// 2. ~/.local/share/plz
// 3. $XDG_RUNTIME_DIR/plz
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "plz"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "plz"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "share", "plz"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "plz"), nil
	}
	return "", errors.New("unable to resolve data directory from XDG data/runtime or home")
}

// ResultsDir is where harvested execution results are published.
func ResultsDir() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "results"), nil
}
