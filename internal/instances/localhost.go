package instances

import (
	"context"
	"fmt"
	"time"

	"github.com/prodo-dev/plz/internal/ids"
)

const (
	LocalhostBackendName = "localhost"
	localhostType        = "localhost"
)

// LocalhostBackend runs every execution on the local docker daemon. Each
// capacity request adds a fresh instance record, so concurrent executions
// never share one.
type LocalhostBackend struct {
	Runtime Runtime
	Tags    *TagStore
	Now     func() time.Time
}

var _ Backend = (*LocalhostBackend)(nil)

func (b *LocalhostBackend) Name() string { return LocalhostBackendName }

func (b *LocalhostBackend) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *LocalhostBackend) Instances(context.Context) ([]*Instance, error) {
	recs, err := b.Tags.List(LocalhostBackendName)
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newInstance(rec, b.Runtime, b.Tags, b.dispose, b.Now))
	}
	return out, nil
}

func (b *LocalhostBackend) RequestCapacity(_ context.Context, req CapacityRequest) (*Instance, Status, error) {
	instanceType := req.InstanceType
	if instanceType == "" {
		instanceType = localhostType
	}
	now := b.now().Unix()
	rec := Record{
		ID:           ids.NewInstanceID(),
		Backend:      LocalhostBackendName,
		InstanceType: instanceType,
		CreatedAt:    now,
		Binding: Binding{
			MaxIdleSeconds: req.MaxIdleSeconds,
			IdleSince:      now,
		},
	}
	if err := b.Tags.Save(rec); err != nil {
		return nil, "", err
	}
	return newInstance(rec, b.Runtime, b.Tags, b.dispose, b.Now), StatusAllocated, nil
}

func (b *LocalhostBackend) Reachable(ctx context.Context, _ *Instance) bool {
	return b.Runtime.Containers.Ping(ctx) == nil
}

// dispose only forgets the record; the daemon is shared.
func (b *LocalhostBackend) dispose(_ context.Context, inst *Instance) error {
	return b.Tags.Delete(inst.ID())
}

func (b *LocalhostBackend) Doctor(ctx context.Context) *DoctorReport {
	report := &DoctorReport{Backend: LocalhostBackendName}
	if err := b.Runtime.Containers.Ping(ctx); err != nil {
		report.add("docker", "fail", fmt.Sprintf("docker daemon unreachable: %v", err))
	} else {
		report.add("docker", "pass", "docker daemon is reachable")
	}
	checkStateDir(report, b.Tags.Dir)
	return report
}
