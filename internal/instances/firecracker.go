package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/client"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
	"github.com/prodo-dev/plz/internal/bootassets"
	"github.com/prodo-dev/plz/internal/containers"
	"github.com/prodo-dev/plz/internal/ids"
	"github.com/prodo-dev/plz/internal/images"
	"github.com/prodo-dev/plz/internal/plzerr"
	"github.com/prodo-dev/plz/internal/volumes"
	"golang.org/x/sys/unix"
)

const (
	FirecrackerBackendName = "firecracker"

	defaultDockerPort   = 2375
	defaultGuestCIDBase = 3
	pingTimeout         = 2 * time.Second
	vmStopGrace         = 2 * time.Second
)

type FirecrackerConfig struct {
	BinaryPath    string
	KernelImage   string
	Rootfs        string
	VCPUs         int64
	MemoryMiB     int64
	DockerPort    uint32
	GuestCIDBase  uint32
	InstanceType  string
	MaxInstances  int
	LaunchSeconds int64
}

func (c FirecrackerConfig) withDefaults() FirecrackerConfig {
	if c.BinaryPath == "" {
		c.BinaryPath = "firecracker"
	}
	if c.VCPUs <= 0 {
		c.VCPUs = 1
	}
	if c.MemoryMiB <= 0 {
		c.MemoryMiB = 512
	}
	if c.DockerPort == 0 {
		c.DockerPort = defaultDockerPort
	}
	if c.GuestCIDBase < defaultGuestCIDBase {
		c.GuestCIDBase = defaultGuestCIDBase
	}
	if c.InstanceType == "" {
		c.InstanceType = FirecrackerBackendName
	}
	if c.LaunchSeconds <= 0 {
		c.LaunchSeconds = 30
	}
	return c
}

// FirecrackerBackend boots one microVM per instance. dockerd inside the
// guest listens on a vsock port that the host reaches through the VM's
// vsock unix socket.
type FirecrackerBackend struct {
	Config       FirecrackerConfig
	Tags         *TagStore
	Repository   string
	RegistryAuth string
	StagingDir   string
	Logger       *log.Logger
	Now          func() time.Time
	// Kernels supplies the managed guest kernel when kernel_image is unset
	// or missing.
	Kernels *bootassets.Cache

	// Replaced in tests.
	launch  func(ctx context.Context, cfg FirecrackerConfig, rec Record, dir string) (int, error)
	connect func(cfg FirecrackerConfig, rec Record) (Runtime, io.Closer, error)
	signal  func(pid int, sig syscall.Signal) error

	mu       sync.Mutex
	runtimes map[string]vmRuntime
}

type vmRuntime struct {
	Runtime
	closer io.Closer
}

var _ Backend = (*FirecrackerBackend)(nil)

func (b *FirecrackerBackend) Name() string { return FirecrackerBackendName }

func (b *FirecrackerBackend) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *FirecrackerBackend) config() FirecrackerConfig {
	return b.Config.withDefaults()
}

func (b *FirecrackerBackend) Instances(context.Context) ([]*Instance, error) {
	recs, err := b.Tags.List(FirecrackerBackendName)
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(recs))
	for _, rec := range recs {
		rt, err := b.runtimeFor(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, newInstance(rec, rt, b.Tags, b.dispose, b.Now))
	}
	return out, nil
}

func nextGuestCID(base uint32, recs []Record) uint32 {
	used := make(map[uint32]bool, len(recs))
	for _, rec := range recs {
		used[rec.GuestCID] = true
	}
	cid := base
	for used[cid] {
		cid++
	}
	return cid
}

func (b *FirecrackerBackend) RequestCapacity(ctx context.Context, req CapacityRequest) (*Instance, Status, error) {
	cfg := b.config()
	if req.InstanceType != "" && req.InstanceType != cfg.InstanceType {
		return nil, "", plzerr.Validation("instance type %q is not offered; this pool runs %q", req.InstanceType, cfg.InstanceType)
	}
	recs, err := b.Tags.List(FirecrackerBackendName)
	if err != nil {
		return nil, "", err
	}
	if cfg.MaxInstances > 0 && len(recs) >= cfg.MaxInstances {
		return nil, "", plzerr.Capacity("maximum of %d instances reached", cfg.MaxInstances).WithCode(plzerr.CodeMaxInstancesReached)
	}

	now := b.now().Unix()
	rec := Record{
		ID:           ids.NewInstanceID(),
		Backend:      FirecrackerBackendName,
		InstanceType: cfg.InstanceType,
		CreatedAt:    now,
		Binding: Binding{
			MaxIdleSeconds: req.MaxIdleSeconds,
			IdleSince:      now,
		},
		GuestCID: nextGuestCID(cfg.GuestCIDBase, recs),
	}
	dir := b.Tags.InstanceDir(rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create instance directory: %w", err)
	}
	rec.VsockPath = filepath.Join(dir, "vsock.sock")

	if b.Kernels != nil {
		kernel, err := b.Kernels.Resolve(ctx, cfg.KernelImage)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, "", plzerr.Backend("resolve guest kernel").WithCode(plzerr.CodeLaunchFailed).Wrap(err)
		}
		if kernel.Notice != "" && b.Logger != nil {
			b.Logger.Info(kernel.Notice, "instance_id", rec.ID)
		}
		cfg.KernelImage = kernel.Path
	}

	launch := b.launch
	if launch == nil {
		launch = launchVM
	}
	pid, err := launch(ctx, cfg, rec, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, "", plzerr.Backend("launch microVM").WithCode(plzerr.CodeLaunchFailed).Wrap(err)
	}
	rec.PID = pid
	if err := b.Tags.Save(rec); err != nil {
		_ = b.stopVM(pid)
		_ = os.RemoveAll(dir)
		return nil, "", err
	}
	if b.Logger != nil {
		b.Logger.Info("launched microVM", "instance_id", rec.ID, "pid", pid, "guest_cid", rec.GuestCID)
	}

	rt, err := b.runtimeFor(rec)
	if err != nil {
		return nil, "", err
	}
	return newInstance(rec, rt, b.Tags, b.dispose, b.Now), StatusRequestingNewInstance, nil
}

func (b *FirecrackerBackend) Reachable(ctx context.Context, inst *Instance) bool {
	rec := inst.Record()
	if rec.PID > 0 && b.sendSignal(rec.PID, 0) != nil {
		return false
	}
	rt, err := b.runtimeFor(rec)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return rt.Containers.Ping(ctx) == nil
}

// runtimeFor returns the docker runtime of the guest, creating the client on
// first use.
func (b *FirecrackerBackend) runtimeFor(rec Record) (Runtime, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rt, ok := b.runtimes[rec.ID]; ok {
		return rt.Runtime, nil
	}
	connect := b.connect
	if connect == nil {
		connect = b.connectDocker
	}
	rt, closer, err := connect(b.config(), rec)
	if err != nil {
		return Runtime{}, fmt.Errorf("connect to instance %s: %w", rec.ID, err)
	}
	if b.runtimes == nil {
		b.runtimes = map[string]vmRuntime{}
	}
	b.runtimes[rec.ID] = vmRuntime{Runtime: rt, closer: closer}
	return rt, nil
}

func (b *FirecrackerBackend) connectDocker(cfg FirecrackerConfig, rec Record) (Runtime, io.Closer, error) {
	vsockPath, port := rec.VsockPath, cfg.DockerPort
	c, err := client.NewClientWithOpts(
		client.WithHost(fmt.Sprintf("tcp://%s:%d", rec.ID, port)),
		client.WithAPIVersionNegotiation(),
		client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return fcvsock.DialContext(ctx, vsockPath, port)
		}),
	)
	if err != nil {
		return Runtime{}, nil, err
	}
	docker := containers.NewDocker(c)
	var logger *log.Logger
	if b.Logger != nil {
		logger = b.Logger.With("instance_id", rec.ID)
	}
	return Runtime{
		Containers: docker,
		Images:     images.New(c, b.Repository, b.RegistryAuth, logger),
		Volumes:    &volumes.Volumes{Containers: docker, StagingDir: b.StagingDir},
	}, c, nil
}

func (b *FirecrackerBackend) sendSignal(pid int, sig syscall.Signal) error {
	if b.signal != nil {
		return b.signal(pid, sig)
	}
	return unix.Kill(pid, sig)
}

// stopVM sends SIGTERM and escalates to SIGKILL after a grace period.
func (b *FirecrackerBackend) stopVM(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := b.sendSignal(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("stop microVM %d: %w", pid, err)
	}
	deadline := time.Now().Add(vmStopGrace)
	for time.Now().Before(deadline) {
		if b.sendSignal(pid, 0) != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := b.sendSignal(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill microVM %d: %w", pid, err)
	}
	return nil
}

func (b *FirecrackerBackend) dispose(_ context.Context, inst *Instance) error {
	rec := inst.Record()
	if err := b.stopVM(rec.PID); err != nil {
		return err
	}
	b.mu.Lock()
	if rt, ok := b.runtimes[rec.ID]; ok {
		if rt.closer != nil {
			_ = rt.closer.Close()
		}
		delete(b.runtimes, rec.ID)
	}
	b.mu.Unlock()
	return b.Tags.Delete(rec.ID)
}

func (b *FirecrackerBackend) Doctor(_ context.Context) *DoctorReport {
	cfg := b.config()
	report := &DoctorReport{Backend: FirecrackerBackendName}

	if runtime.GOOS == "linux" {
		report.add("os", "pass", "linux host detected")
	} else {
		report.add("os", "fail", fmt.Sprintf("linux required, current OS is %s", runtime.GOOS))
	}

	if _, err := exec.LookPath(cfg.BinaryPath); err != nil {
		report.add("binary", "fail", fmt.Sprintf("firecracker binary %q not found in PATH", cfg.BinaryPath))
	} else {
		report.add("binary", "pass", fmt.Sprintf("found firecracker binary %q", cfg.BinaryPath))
	}

	if _, err := os.Stat("/dev/kvm"); err != nil {
		report.add("kvm", "fail", "missing /dev/kvm")
	} else if f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0); err != nil {
		report.add("kvm", "fail", fmt.Sprintf("cannot open /dev/kvm read-write: %v", err))
	} else {
		_ = f.Close()
		report.add("kvm", "pass", "/dev/kvm is accessible")
	}

	files := []struct{ name, path string }{{"rootfs", cfg.Rootfs}}
	if b.Kernels == nil {
		files = append(files, struct{ name, path string }{"kernel_image", cfg.KernelImage})
	} else {
		b.doctorKernel(report, cfg.KernelImage)
	}
	for _, file := range files {
		switch _, err := os.Stat(file.path); {
		case file.path == "":
			report.add(file.name, "fail", file.name+" not configured")
		case err != nil:
			report.add(file.name, "fail", fmt.Sprintf("%s not accessible: %v", file.name, err))
		default:
			report.add(file.name, "pass", fmt.Sprintf("%s configured: %s", file.name, file.path))
		}
	}

	report.add("docker_port", "pass", fmt.Sprintf("guest docker daemon on vsock port %d", cfg.DockerPort))
	if cfg.MaxInstances > 0 {
		report.add("max_instances", "pass", fmt.Sprintf("pool bounded to %d instances", cfg.MaxInstances))
	} else {
		report.add("max_instances", "warn", "max_instances not set; the pool grows without bound")
	}
	checkStateDir(report, b.Tags.Dir)
	return report
}

func (b *FirecrackerBackend) doctorKernel(report *DoctorReport, configured string) {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			report.add("kernel_image", "pass", "kernel_image configured: "+configured)
			return
		}
	}
	if path, ok := b.Kernels.Cached(); ok {
		report.add("kernel_image", "pass", "managed kernel cached at "+path)
		return
	}
	path, err := b.Kernels.Path()
	if err != nil {
		report.add("kernel_image", "fail", fmt.Sprintf("kernel_image not accessible and %v", err))
		return
	}
	report.add("kernel_image", "warn", "managed kernel will be downloaded to "+path+" on first launch")
}

type firecrackerConfig struct {
	BootSource    bootSource    `json:"boot-source"`
	Drives        []drive       `json:"drives"`
	MachineConfig machineConfig `json:"machine-config"`
	Vsock         *vsockConfig  `json:"vsock,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type vsockConfig struct {
	VsockID  string `json:"vsock_id"`
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

func bootArgs(cfg FirecrackerConfig) string {
	return fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off init=/sbin/plz-init plz_docker_vsock_port=%d", cfg.DockerPort)
}

func vmConfig(cfg FirecrackerConfig, rec Record, kernelPath, rootfsPath string) firecrackerConfig {
	return firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: kernelPath,
			BootArgs:        bootArgs(cfg),
		},
		Drives: []drive{
			{
				DriveID:      "rootfs",
				PathOnHost:   rootfsPath,
				IsRootDevice: true,
				IsReadOnly:   false,
			},
		},
		MachineConfig: machineConfig{
			VCPUCount:  cfg.VCPUs,
			MemSizeMiB: cfg.MemoryMiB,
			SMT:        false,
		},
		Vsock: &vsockConfig{
			VsockID:  "plz-vsock",
			GuestCID: rec.GuestCID,
			UDSPath:  rec.VsockPath,
		},
	}
}

// launchVM starts firecracker in its own session so the VM outlives the
// request, and the controller, that created it.
func launchVM(ctx context.Context, cfg FirecrackerConfig, rec Record, dir string) (int, error) {
	if runtime.GOOS != "linux" {
		return 0, fmt.Errorf("firecracker backend is linux-only, current OS is %s", runtime.GOOS)
	}
	firecrackerPath, err := exec.LookPath(cfg.BinaryPath)
	if err != nil {
		return 0, fmt.Errorf("firecracker binary not found (%q): %w", cfg.BinaryPath, err)
	}
	if cfg.KernelImage == "" || cfg.Rootfs == "" {
		return 0, errors.New("kernel_image and rootfs must be configured for the firecracker provider")
	}
	kernelPath, err := filepath.Abs(cfg.KernelImage)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(kernelPath); err != nil {
		return 0, fmt.Errorf("kernel image %s: %w", kernelPath, err)
	}
	rootfsPath, err := filepath.Abs(cfg.Rootfs)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(rootfsPath); err != nil {
		return 0, fmt.Errorf("rootfs %s: %w", rootfsPath, err)
	}

	vmRootFSPath := filepath.Join(dir, "rootfs.ext4")
	if err := copyFile(rootfsPath, vmRootFSPath); err != nil {
		return 0, fmt.Errorf("prepare instance rootfs: %w", err)
	}
	cfgPath := filepath.Join(dir, "firecracker-config.json")
	if err := writeJSON(cfgPath, vmConfig(cfg, rec, kernelPath, vmRootFSPath)); err != nil {
		return 0, err
	}

	stdoutFile, err := os.Create(filepath.Join(dir, "firecracker.stdout.log"))
	if err != nil {
		return 0, err
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(filepath.Join(dir, "firecracker.stderr.log"))
	if err != nil {
		return 0, err
	}
	defer stderrFile.Close()

	cmd := exec.Command(firecrackerPath, "--api-sock", filepath.Join(dir, "firecracker.sock"), "--config-file", cfgPath)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start firecracker: %w", err)
	}
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	// The API socket appears once firecracker parsed its config.
	launchCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.LaunchSeconds)*time.Second)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(rec.VsockPath); err == nil {
			return cmd.Process.Pid, nil
		}
		select {
		case err := <-exited:
			if err == nil {
				return 0, errors.New("firecracker exited before the vsock device was ready")
			}
			return 0, fmt.Errorf("firecracker exited before the vsock device was ready: %w", err)
		case <-launchCtx.Done():
			_ = cmd.Process.Kill()
			return 0, fmt.Errorf("timed out waiting for vsock device %s: %w", rec.VsockPath, launchCtx.Err())
		case <-ticker.C:
		}
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// copyFile clones src into dst when the filesystem supports reflinks and
// falls back to a byte copy.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return err
	}

	if tryCloneFile(out, in) {
		return nil
	}
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
