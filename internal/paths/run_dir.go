package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// RuntimeDir resolves the directory for sockets and other per-boot files.
// Preference order:
// 1. $XDG_RUNTIME_DIR/plz
// 2. $TMPDIR/plz
func RuntimeDir() string {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "plz")
	}
	return filepath.Join(os.TempDir(), "plz")
}

func ControlSocketPath() string {
	return filepath.Join(RuntimeDir(), "plz.sock")
}
