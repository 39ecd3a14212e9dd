// Package images builds snapshot images from uploaded build contexts and
// moves them between the controller, the registry and instances.
package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/prodo-dev/plz/internal/plzerr"
)

const DefaultRepository = "plz/builds"

// BuildMetadata is the header a client sends before its build context.
type BuildMetadata struct {
	User    string `json:"user"`
	Project string `json:"project"`
	// Timestamp is the client's notion of when the context was assembled,
	// in milliseconds. It is part of the tag so rebuilding identical
	// metadata reuses the tag.
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (m BuildMetadata) Validate() error {
	if strings.TrimSpace(m.User) == "" {
		return plzerr.Validation("snapshot metadata requires a user")
	}
	if strings.TrimSpace(m.Project) == "" {
		return plzerr.Validation("snapshot metadata requires a project")
	}
	return nil
}

type Images struct {
	Client       client.APIClient
	Repository   string
	RegistryAuth string
	Logger       *log.Logger

	head func(ctx context.Context, ref name.Reference) error
}

func New(c client.APIClient, repository, registryAuth string, logger *log.Logger) *Images {
	if strings.TrimSpace(repository) == "" {
		repository = DefaultRepository
	}
	return &Images{Client: c, Repository: repository, RegistryAuth: registryAuth, Logger: logger}
}

var tagUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func sanitizeTagPart(s string) string {
	s = tagUnsafe.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.TrimLeft(s, ".-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		return "_"
	}
	return s
}

// Tag derives the snapshot tag from the build metadata:
// <repository>:<user>-<project>-<sha256(metadata)[:12]>.
func (i *Images) Tag(meta BuildMetadata) (string, error) {
	if err := meta.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode build metadata: %w", err)
	}
	sum := sha256.Sum256(b)
	tag := fmt.Sprintf("%s:%s-%s-%s",
		i.Repository, sanitizeTagPart(meta.User), sanitizeTagPart(meta.Project), hex.EncodeToString(sum[:])[:12])
	if _, err := name.NewTag(tag); err != nil {
		return "", plzerr.Validation("invalid snapshot tag %q: %v", tag, err)
	}
	return tag, nil
}

// Build sends the build context to docker, calling emit with every build
// log line, and returns the tag of the built image.
func (i *Images) Build(ctx context.Context, buildContext io.Reader, meta BuildMetadata, emit func(line string)) (string, error) {
	tag, err := i.Tag(meta)
	if err != nil {
		return "", err
	}
	resp, err := i.Client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			"plz.user":    meta.User,
			"plz.project": meta.Project,
		},
	})
	if err != nil {
		return "", plzerr.Backend("build snapshot %s", tag).Wrap(err)
	}
	defer resp.Body.Close()

	if err := drainMessages(resp.Body, emit); err != nil {
		return "", plzerr.Backend("build snapshot %s", tag).Wrap(err)
	}
	if i.Logger != nil {
		i.Logger.Info("built snapshot", "snapshot_id", tag, "user", meta.User, "project", meta.Project)
	}
	return tag, nil
}

func (i *Images) Push(ctx context.Context, tag string) error {
	rc, err := i.Client.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: i.RegistryAuth})
	if err != nil {
		return plzerr.Backend("push %s", tag).Wrap(err)
	}
	defer rc.Close()
	if err := drainMessages(rc, nil); err != nil {
		return plzerr.Backend("push %s", tag).Wrap(err)
	}
	return nil
}

func (i *Images) Pull(ctx context.Context, tag string) error {
	rc, err := i.Client.ImagePull(ctx, tag, image.PullOptions{RegistryAuth: i.RegistryAuth})
	if err != nil {
		return plzerr.Backend("pull %s", tag).Wrap(err)
	}
	defer rc.Close()
	if err := drainMessages(rc, nil); err != nil {
		return plzerr.Backend("pull %s", tag).Wrap(err)
	}
	return nil
}

// Ensure pulls tag unless the daemon already has it.
func (i *Images) Ensure(ctx context.Context, tag string) error {
	if _, _, err := i.Client.ImageInspectWithRaw(ctx, tag); err == nil {
		return nil
	}
	return i.Pull(ctx, tag)
}

// CanPull reports whether the registry serves tag.
func (i *Images) CanPull(ctx context.Context, tag string) bool {
	ref, err := name.ParseReference(tag)
	if err != nil {
		return false
	}
	head := i.head
	if head == nil {
		head = func(ctx context.Context, ref name.Reference) error {
			_, err := remote.Head(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain))
			return err
		}
	}
	if err := head(ctx, ref); err != nil {
		if i.Logger != nil {
			i.Logger.Debug("snapshot not pullable", "snapshot_id", tag, "error", err)
		}
		return false
	}
	return true
}

// drainMessages consumes a docker JSON message stream, forwarding stream
// text to emit and failing on the first error message.
func drainMessages(r io.Reader, emit func(string)) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		if emit != nil && msg.Stream != "" {
			emit(msg.Stream)
		}
	}
}
