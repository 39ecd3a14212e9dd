package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// CacheBaseDir resolves the default base directory for plz cache.
// Preference order:
// 1. $XDG_CACHE_HOME/plz
// 2. ~/.cache/plz
// 3. $XDG_RUNTIME_DIR/plz
func CacheBaseDir() (string, error) {
	if cacheHome := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); cacheHome != "" {
		return filepath.Join(cacheHome, "plz"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "plz"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".cache", "plz"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "plz"), nil
	}
	return "", errors.New("unable to resolve cache directory from XDG cache/runtime or home")
}

// StagingDir holds the scratch trees copied into execution volumes.
func StagingDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "staging"), nil
}

// KernelsDir caches the guest kernels downloaded for microVM instances.
func KernelsDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kernels"), nil
}
