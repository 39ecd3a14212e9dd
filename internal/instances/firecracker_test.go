package instances

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prodo-dev/plz/internal/bootassets"
	"github.com/prodo-dev/plz/internal/containers/containerstest"
	"github.com/prodo-dev/plz/internal/plzerr"
	"github.com/prodo-dev/plz/internal/volumes"
	"golang.org/x/sys/unix"
)

type fakeVMs struct {
	mu       sync.Mutex
	launched []Record
	alive    map[int]bool
	signals  []syscall.Signal
	nextPID  int
	fake     *containerstest.Fake
}

func newFakeVMs() *fakeVMs {
	return &fakeVMs{alive: map[int]bool{}, nextPID: 1000, fake: containerstest.New()}
}

func (f *fakeVMs) launch(_ context.Context, _ FirecrackerConfig, rec Record, dir string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.WriteFile(rec.VsockPath, nil, 0o600); err != nil {
		return 0, err
	}
	f.nextPID++
	f.alive[f.nextPID] = true
	f.launched = append(f.launched, rec)
	return f.nextPID, nil
}

func (f *fakeVMs) connect(_ FirecrackerConfig, _ Record) (Runtime, io.Closer, error) {
	return Runtime{
		Containers: f.fake,
		Volumes:    &volumes.Volumes{Containers: f.fake},
	}, io.NopCloser(nil), nil
}

func (f *fakeVMs) signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sig != 0 {
		f.signals = append(f.signals, sig)
	}
	if !f.alive[pid] {
		return unix.ESRCH
	}
	if sig == unix.SIGTERM || sig == unix.SIGKILL {
		delete(f.alive, pid)
	}
	return nil
}

func newTestFirecracker(t *testing.T, cfg FirecrackerConfig) (*FirecrackerBackend, *fakeVMs) {
	t.Helper()
	vms := newFakeVMs()
	b := &FirecrackerBackend{
		Config:  cfg,
		Tags:    &TagStore{Dir: t.TempDir()},
		Now:     func() time.Time { return testNow },
		launch:  vms.launch,
		connect: vms.connect,
		signal:  vms.signal,
	}
	return b, vms
}

func TestFirecrackerRequestCapacityLaunchesVM(t *testing.T) {
	t.Parallel()

	b, vms := newTestFirecracker(t, FirecrackerConfig{MaxInstances: 2})
	ctx := context.Background()

	inst, status, err := b.RequestCapacity(ctx, CapacityRequest{MaxIdleSeconds: 1800})
	if err != nil {
		t.Fatalf("RequestCapacity: %v", err)
	}
	if status != StatusRequestingNewInstance {
		t.Fatalf("unexpected status %q", status)
	}
	rec := inst.Record()
	if rec.PID == 0 || rec.GuestCID != defaultGuestCIDBase || rec.MaxIdleSeconds != 1800 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.VsockPath != filepath.Join(b.Tags.InstanceDir(rec.ID), "vsock.sock") {
		t.Fatalf("unexpected vsock path %q", rec.VsockPath)
	}
	if !b.Reachable(ctx, inst) {
		t.Fatal("expected a live VM with a pingable daemon to be reachable")
	}

	second, _, err := b.RequestCapacity(ctx, CapacityRequest{})
	if err != nil {
		t.Fatalf("RequestCapacity: %v", err)
	}
	if got := second.Record().GuestCID; got != defaultGuestCIDBase+1 {
		t.Fatalf("expected distinct guest cid, got %d", got)
	}

	_, _, err = b.RequestCapacity(ctx, CapacityRequest{})
	if got, want := plzerr.CodeOf(err), plzerr.CodeMaxInstancesReached; got != want {
		t.Fatalf("unexpected error code: got %q want %q (%v)", got, want, err)
	}
	if len(vms.launched) != 2 {
		t.Fatalf("expected two launches, got %d", len(vms.launched))
	}

	if _, _, err := b.RequestCapacity(ctx, CapacityRequest{InstanceType: "gpu"}); !plzerr.Is(err, plzerr.KindValidation) {
		t.Fatalf("expected validation error for unknown instance type, got %v", err)
	}
}

func TestFirecrackerLaunchFailureLeavesNothingBehind(t *testing.T) {
	t.Parallel()

	b, _ := newTestFirecracker(t, FirecrackerConfig{})
	b.launch = func(context.Context, FirecrackerConfig, Record, string) (int, error) {
		return 0, errors.New("kvm unavailable")
	}

	_, _, err := b.RequestCapacity(context.Background(), CapacityRequest{})
	if got, want := plzerr.CodeOf(err), plzerr.CodeLaunchFailed; got != want {
		t.Fatalf("unexpected error code: got %q want %q", got, want)
	}
	entries, _ := os.ReadDir(b.Tags.Dir)
	if len(entries) != 0 {
		t.Fatalf("expected no instance directories, got %d", len(entries))
	}
}

func TestFirecrackerLaunchUsesCachedManagedKernel(t *testing.T) {
	t.Parallel()

	b, vms := newTestFirecracker(t, FirecrackerConfig{KernelImage: "/missing/vmlinux"})
	kernel := []byte("cached-kernel")
	sum := sha256.Sum256(kernel)
	b.Kernels = &bootassets.Cache{
		Dir:    t.TempDir(),
		GOARCH: "amd64",
		Kernels: map[string]bootassets.KernelSpec{
			"amd64": {ID: "k1", Filename: "vmlinux", URL: "http://127.0.0.1:1/unused", SHA256: hex.EncodeToString(sum[:])},
		},
	}
	cached, _ := b.Kernels.Path()
	if err := os.MkdirAll(filepath.Dir(cached), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cached, kernel, 0o644); err != nil {
		t.Fatal(err)
	}

	var booted string
	b.launch = func(ctx context.Context, cfg FirecrackerConfig, rec Record, dir string) (int, error) {
		booted = cfg.KernelImage
		return vms.launch(ctx, cfg, rec, dir)
	}
	if _, _, err := b.RequestCapacity(context.Background(), CapacityRequest{}); err != nil {
		t.Fatalf("RequestCapacity: %v", err)
	}
	if booted != cached {
		t.Fatalf("expected the cached managed kernel %s, got %q", cached, booted)
	}

	report := b.Doctor(context.Background())
	for _, c := range report.Checks {
		if c.Name == "kernel_image" && (c.Status != "pass" || !strings.Contains(c.Message, cached)) {
			t.Fatalf("unexpected kernel_image check: %+v", c)
		}
	}
}

func TestFirecrackerDisposeStopsVMAndRemovesState(t *testing.T) {
	t.Parallel()

	b, vms := newTestFirecracker(t, FirecrackerConfig{})
	ctx := context.Background()
	inst, _, err := b.RequestCapacity(ctx, CapacityRequest{})
	if err != nil {
		t.Fatalf("RequestCapacity: %v", err)
	}

	if err := inst.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if len(vms.signals) != 1 || vms.signals[0] != unix.SIGTERM {
		t.Fatalf("expected a single SIGTERM, got %v", vms.signals)
	}
	if _, err := os.Stat(b.Tags.InstanceDir(inst.ID())); !os.IsNotExist(err) {
		t.Fatalf("expected instance directory to be removed, got %v", err)
	}
	if b.Reachable(ctx, inst) {
		t.Fatal("expected a stopped VM to be unreachable")
	}
}

func TestFirecrackerPoolAcquiresVM(t *testing.T) {
	t.Parallel()

	b, _ := newTestFirecracker(t, FirecrackerConfig{MaxInstances: 1})
	p := &Pool{Backend: b, MaxTries: 2, Delay: time.Millisecond, Now: func() time.Time { return testNow }}

	events := drain(p.AcquireInstance(context.Background(), "exec_1", AcquireRequest{}))
	want := []Status{StatusQueryingAvailability, StatusRequestingNewInstance, StatusStarted}
	if got := statuses(events); !slices.Equal(got, want) {
		t.Fatalf("unexpected events: got %v want %v", got, want)
	}

	events = drain(p.AcquireInstance(context.Background(), "exec_2", AcquireRequest{}))
	last := events[len(events)-1]
	if last.Status != StatusFailed || plzerr.CodeOf(last.Err) != plzerr.CodeMaxInstancesReached {
		t.Fatalf("expected max-instances failure for the second execution, got %+v", last)
	}
}

func TestVMConfigJSON(t *testing.T) {
	t.Parallel()

	cfg := FirecrackerConfig{VCPUs: 2, MemoryMiB: 2048}.withDefaults()
	rec := Record{GuestCID: 7, VsockPath: "/state/inst_1/vsock.sock"}
	b, err := json.Marshal(vmConfig(cfg, rec, "/boot/vmlinux", "/state/inst_1/rootfs.ext4"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"boot-source", "drives", "machine-config", "vsock"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("expected %q in firecracker config: %s", key, b)
		}
	}
	if !strings.Contains(string(b), `"guest_cid":7`) || !strings.Contains(string(b), `"vcpu_count":2`) {
		t.Fatalf("unexpected firecracker config: %s", b)
	}
	if !strings.Contains(bootArgs(cfg), "plz_docker_vsock_port=2375") {
		t.Fatalf("expected docker port in boot args: %q", bootArgs(cfg))
	}
}

func TestFirecrackerDoctorReportsMissingFiles(t *testing.T) {
	t.Parallel()

	b, _ := newTestFirecracker(t, FirecrackerConfig{KernelImage: filepath.Join(t.TempDir(), "missing-vmlinux")})
	report := b.Doctor(context.Background())
	if report.Backend != FirecrackerBackendName {
		t.Fatalf("unexpected backend %q", report.Backend)
	}
	got := map[string]string{}
	for _, c := range report.Checks {
		got[c.Name] = c.Status
	}
	if got["kernel_image"] != "fail" || got["rootfs"] != "fail" {
		t.Fatalf("expected kernel and rootfs checks to fail, got %v", got)
	}
	if got["max_instances"] != "warn" || got["state_dir"] != "pass" {
		t.Fatalf("unexpected checks: %v", got)
	}
	if !report.Failed() {
		t.Fatal("expected report to be failed")
	}
}

func TestCopyFileCopiesContentsAndMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.ext4")
	dst := filepath.Join(dir, "dst.ext4")

	srcData := []byte("rootfs-data-1234567890")
	if err := os.WriteFile(src, srcData, 0o640); err != nil {
		t.Fatalf("write src: %v", err)
	}
	// Ensure destination truncate behavior is correct.
	if err := os.WriteFile(dst, []byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"), 0o600); err != nil {
		t.Fatalf("write preexisting dst: %v", err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}

	gotData, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if !bytes.Equal(gotData, srcData) {
		t.Fatalf("unexpected dst contents: got %q want %q", string(gotData), string(srcData))
	}

	dstInfo, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat dst: %v", err)
	}
	if dstInfo.Mode().Perm() != 0o640 {
		t.Fatalf("unexpected dst mode: got %o want %o", dstInfo.Mode().Perm(), 0o640)
	}
}
