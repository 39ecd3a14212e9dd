package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/client"
	"github.com/prodo-dev/plz/internal/bootassets"
	"github.com/prodo-dev/plz/internal/containers"
	"github.com/prodo-dev/plz/internal/controller"
	"github.com/prodo-dev/plz/internal/controlserver"
	"github.com/prodo-dev/plz/internal/dbstorage"
	"github.com/prodo-dev/plz/internal/endpoint"
	"github.com/prodo-dev/plz/internal/images"
	"github.com/prodo-dev/plz/internal/instances"
	"github.com/prodo-dev/plz/internal/metrics"
	"github.com/prodo-dev/plz/internal/paths"
	"github.com/prodo-dev/plz/internal/results"
	"github.com/prodo-dev/plz/internal/runtimeconfig"
	"github.com/prodo-dev/plz/internal/volumes"
)

type ServeCommand struct {
	Listen   string `help:"Listen endpoint for the control API (defaults to config, then the runtime socket; supports tsnet://hostname[:port] and tssvc://name)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
	TLSCert  string `name:"tls-cert" help:"Server certificate for https listeners" type:"path"`
	TLSKey   string `name:"tls-key" help:"Server key for https listeners" type:"path"`
	TLSCA    string `name:"tls-ca" help:"CA bundle to verify client certificates" type:"path"`
}

// stack is everything serve wires together from the runtime config.
type stack struct {
	Controller *controller.Controller
	Pool       *instances.Pool
	Metrics    *metrics.Metrics

	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host = strings.TrimSpace(host); host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}

// newBackend builds the instance backend named by cfg.Instances.Provider.
func newBackend(cfg runtimeconfig.Config, docker *client.Client, imgs *images.Images, stagingDir string, logger *log.Logger) (instances.Backend, error) {
	tags := &instances.TagStore{Dir: cfg.Instances.StateDir}
	switch cfg.Instances.Provider {
	case instances.LocalhostBackendName:
		local := containers.NewDocker(docker)
		return &instances.LocalhostBackend{
			Runtime: instances.Runtime{
				Containers: local,
				Images:     imgs,
				Volumes:    &volumes.Volumes{Containers: local, StagingDir: stagingDir},
			},
			Tags: tags,
		}, nil
	case instances.FirecrackerBackendName:
		fc := cfg.Instances.Firecracker
		kernels, err := bootassets.NewCache(logger.With("subsystem", "kernels"))
		if err != nil {
			return nil, err
		}
		return &instances.FirecrackerBackend{
			Config: instances.FirecrackerConfig{
				BinaryPath:    fc.BinaryPath,
				KernelImage:   fc.KernelImage,
				Rootfs:        fc.RootFS,
				VCPUs:         fc.VCPUs,
				MemoryMiB:     fc.MemoryMiB,
				DockerPort:    fc.DockerPort,
				GuestCIDBase:  fc.GuestCIDBase,
				InstanceType:  fc.InstanceType,
				MaxInstances:  fc.MaxInstances,
				LaunchSeconds: fc.LaunchSeconds,
			},
			Tags:         tags,
			Repository:   cfg.Images.Repository,
			RegistryAuth: cfg.Images.RegistryAuth,
			StagingDir:   stagingDir,
			Logger:       logger.With("subsystem", "instances"),
			Kernels:      kernels,
		}, nil
	default:
		return nil, fmt.Errorf("unknown instance provider %q", cfg.Instances.Provider)
	}
}

func openStack(ctx context.Context, cfg runtimeconfig.Config, logger *log.Logger) (*stack, error) {
	s := &stack{Metrics: metrics.New()}
	fail := func(err error) (*stack, error) {
		_ = s.Close()
		return nil, err
	}

	pg := cfg.Storage.Postgres
	storage, err := dbstorage.Open(ctx, dbstorage.Options{
		Driver:     cfg.Storage.Driver,
		SQLitePath: cfg.Storage.SQLitePath,
		Postgres: dbstorage.PostgresOptions{
			URL:             pg.URL,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime(),
			PingTimeout:     pg.PingTimeout(),
		},
		Logger: logger.With("subsystem", "storage"),
	})
	if err != nil {
		return fail(fmt.Errorf("open metadata storage: %w", err))
	}
	s.closers = append(s.closers, storage.Close)

	m := cfg.Results.MinIO
	store, err := results.Open(ctx, results.Options{
		Backend: cfg.Results.Backend,
		Dir:     cfg.Results.Dir,
		MinIO: results.MinIOConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Region:    m.Region,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			UseSSL:    m.UseSSL,
		},
		Logger: logger.With("subsystem", "results"),
	})
	if err != nil {
		return fail(fmt.Errorf("open results storage: %w", err))
	}

	docker, err := newDockerClient(cfg.Instances.Localhost.DockerHost)
	if err != nil {
		return fail(fmt.Errorf("create docker client: %w", err))
	}
	s.closers = append(s.closers, docker.Close)
	imgs := images.New(docker, cfg.Images.Repository, cfg.Images.RegistryAuth, logger.With("subsystem", "images"))

	stagingDir, err := paths.StagingDir()
	if err != nil {
		return fail(fmt.Errorf("resolve staging directory: %w", err))
	}
	backend, err := newBackend(cfg, docker, imgs, stagingDir, logger)
	if err != nil {
		return fail(err)
	}

	s.Pool = &instances.Pool{
		Backend:               backend,
		MaxTries:              cfg.Instances.MaxTries,
		Delay:                 cfg.Instances.Delay(),
		DefaultMaxIdleSeconds: cfg.Instances.DefaultMaxIdleSeconds,
		Logger:                logger.With("subsystem", "instances"),
		Metrics:               s.Metrics,
	}
	if cfg.Images.Push {
		s.Pool.Images = imgs
	}
	s.Controller = &controller.Controller{
		Provider:       s.Pool,
		Storage:        storage,
		Results:        store,
		Images:         imgs,
		Logger:         logger.With("subsystem", "controller"),
		Metrics:        s.Metrics,
		BuildTimestamp: cfg.API.BuildTimestamp,
	}
	if cfg.Images.Push {
		s.Controller.Snapshots = imgs
	}
	return s, nil
}

// harvestLoop runs Controller.Harvest every interval until ctx is done.
func harvestLoop(ctx context.Context, ctl *controller.Controller, interval time.Duration, logger *log.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ctl.Harvest(ctx); err != nil && ctx.Err() == nil && logger != nil {
				logger.Warn("periodic harvest failed", "error", err)
			}
		}
	}
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	level := s.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.LogLevel
	}
	logger, err := newLogger(level, "server")
	if err != nil {
		return err
	}
	color := shouldUseANSI(os.Stderr)
	applyPolishedLoggerStyles(logger, color)

	listen := s.Listen
	if strings.TrimSpace(listen) == "" {
		listen = cfg.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStack(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close controller resources", "error", err)
		}
	}()

	server := controlserver.New(st.Controller, controlserver.Options{
		Logger:       logger.With("subsystem", "http"),
		Metrics:      st.Metrics,
		RunRateLimit: cfg.API.RunRateLimit,
		RunRateBurst: cfg.API.RunRateBurst,
	})
	go harvestLoop(runCtx, st.Controller, cfg.API.HarvestInterval(), logger.With("subsystem", "harvest"))

	if shouldShowStartupHeader(os.Stderr) {
		_ = writeStartupHeader(os.Stderr, startupHeader{
			Title: "plz serve",
			Fields: []startupField{
				{Key: "version", Value: ctx.Version},
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "provider", Value: cfg.Instances.Provider},
				{Key: "storage", Value: cfg.Storage.Driver},
				{Key: "results", Value: cfg.Results.Backend},
				{Key: "harvest", Value: harvestDisplay(cfg.API.HarvestInterval())},
				{Key: "log level", Value: effectiveLogLevel(level)},
			},
		}, color)
	}

	var tlsOpts *controlserver.TLSOptions
	if s.TLSCert != "" || s.TLSKey != "" || s.TLSCA != "" {
		tlsOpts = &controlserver.TLSOptions{CertPath: s.TLSCert, KeyPath: s.TLSKey, CAPath: s.TLSCA}
	}
	return controlserver.Serve(runCtx, ep, server.Handler(), logger, tlsOpts)
}

func harvestDisplay(interval time.Duration) string {
	if interval <= 0 {
		return "disabled"
	}
	return "every " + strconv.FormatFloat(interval.Seconds(), 'f', -1, 64) + "s"
}

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	logger, err := newLoggerTo(ctx.Stderr, cfg.LogLevel, "doctor")
	if err != nil {
		return err
	}
	docker, err := newDockerClient(cfg.Instances.Localhost.DockerHost)
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer docker.Close()
	stagingDir, err := paths.StagingDir()
	if err != nil {
		return err
	}
	imgs := images.New(docker, cfg.Images.Repository, cfg.Images.RegistryAuth, nil)
	backend, err := newBackend(cfg, docker, imgs, stagingDir, logger)
	if err != nil {
		return err
	}
	return writeDoctorReport(ctx, d.JSON, backend.Doctor(context.Background()))
}

func writeDoctorReport(ctx *runtimeContext, asJSON bool, report *instances.DoctorReport) error {
	checks := append([]instances.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
	}, report.Checks...)

	if asJSON {
		if err := printJSON(ctx.Stdout, instances.DoctorReport{Backend: report.Backend, Checks: checks}); err != nil {
			return err
		}
	} else if _, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(report.Backend, checks, shouldUseANSIWriter(ctx.Stdout))); err != nil {
		return err
	}
	if report.Failed() {
		return exitCodeError{code: 1}
	}
	return nil
}
