package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for plz state.
// Preference order:
// 1. $XDG_STATE_HOME/plz
// 2. ~/.local/state/plz
// 3. $XDG_RUNTIME_DIR/plz
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "plz"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "plz"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "plz"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "plz"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

func MetadataDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "metadata.db"), nil
}

// InstancesDir holds one directory per instance with its bindings and, for
// microVM instances, the VM runtime files.
func InstancesDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "instances"), nil
}

func TSNetStateDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tsnet"), nil
}

// ConfigDir returns $XDG_CONFIG_HOME/plz or ~/.config/plz.
func ConfigDir() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "plz"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "plz"), nil
}

// TLSDir returns the default directory for plz TLS material.
func TLSDir() (string, error) {
	base, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tls"), nil
}
