package model

import (
	"path"
	"strings"

	"github.com/prodo-dev/plz/internal/plzerr"
)

// CleanOutputPath normalises a client-supplied path below an execution's
// output directory. The empty string selects the whole directory.
func CleanOutputPath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "", nil
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", plzerr.Validation("output path %q escapes the output directory", p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}
