package instances

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prodo-dev/plz/internal/plzerr"
)

const tagsFile = "instance.json"

// Binding is the execution an instance is bound to. It is persisted with the
// instance so a restarted controller recovers every binding from the backend
// alone.
type Binding struct {
	ExecutionID      string `json:"execution_id"`
	User             string `json:"user,omitempty"`
	MaxIdleSeconds   int64  `json:"max_idle_seconds"`
	IdleSince        int64  `json:"idle_since,omitempty"`
	BoundAt          int64  `json:"bound_at,omitempty"`
	MaxUptimeSeconds int64  `json:"max_uptime_seconds,omitempty"`
}

func (b Binding) Bound() bool {
	return b.ExecutionID != ""
}

// Record is everything stored about one instance.
type Record struct {
	ID           string `json:"id"`
	Backend      string `json:"backend"`
	InstanceType string `json:"instance_type"`
	CreatedAt    int64  `json:"created_at"`
	Binding

	// Set for microVM instances.
	PID       int    `json:"pid,omitempty"`
	GuestCID  uint32 `json:"guest_cid,omitempty"`
	VsockPath string `json:"vsock_path,omitempty"`
}

// TagStore keeps one directory per instance below Dir holding its
// instance.json. Writes replace the file atomically.
type TagStore struct {
	Dir string
}

func (s *TagStore) InstanceDir(id string) string {
	return filepath.Join(s.Dir, id)
}

func validInstanceID(id string) error {
	if strings.TrimSpace(id) == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return plzerr.Validation("invalid instance id %q", id)
	}
	return nil
}

func (s *TagStore) Save(rec Record) error {
	if err := validInstanceID(rec.ID); err != nil {
		return err
	}
	dir := s.InstanceDir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create instance directory: %w", err)
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", rec.ID, err)
	}
	tmp, err := os.CreateTemp(dir, tagsFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("write instance %s: %w", rec.ID, err)
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write instance %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write instance %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, tagsFile)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write instance %s: %w", rec.ID, err)
	}
	return nil
}

func (s *TagStore) Load(id string) (Record, error) {
	if err := validInstanceID(id); err != nil {
		return Record{}, err
	}
	b, err := os.ReadFile(filepath.Join(s.InstanceDir(id), tagsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, plzerr.NotFound("instance %s not found", id).WithCode(plzerr.CodeInstanceNotFound)
		}
		return Record{}, fmt.Errorf("read instance %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return rec, nil
}

// List returns the records of every instance of backend, ordered by id.
// Directories without a readable instance.json are skipped.
func (s *TagStore) List(backend string) ([]Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		if backend != "" && rec.Backend != backend {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the instance directory and everything in it.
func (s *TagStore) Delete(id string) error {
	if err := validInstanceID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.InstanceDir(id)); err != nil {
		return fmt.Errorf("remove instance %s: %w", id, err)
	}
	return nil
}
