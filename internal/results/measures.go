package results

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// MeasuresFromTarball renders a measures tar stream, as copied out of a
// running container, the same way published measures are rendered.
func MeasuresFromTarball(r io.Reader, summary bool) ([]byte, error) {
	files := map[string][]byte{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read measures tarball: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		rel, ok := strings.CutPrefix(name, measuresDir+"/")
		if !ok || rel == "" {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read measure %s: %w", rel, err)
		}
		files[rel] = content
	}
	return encodeMeasures(files, summary)
}
