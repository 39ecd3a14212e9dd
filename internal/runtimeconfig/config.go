package runtimeconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prodo-dev/plz/internal/images"
	"github.com/prodo-dev/plz/internal/paths"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxTries               = 60
	DefaultDelaySeconds           = 5
	DefaultHarvestIntervalSeconds = 60
	DefaultRunRateLimit           = 5
	DefaultRunRateBurst           = 10
)

type Config struct {
	Listen    string          `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	Storage   StorageConfig   `yaml:"storage"`
	Results   ResultsConfig   `yaml:"results"`
	Instances InstancesConfig `yaml:"instances"`
	Images    ImagesConfig    `yaml:"images"`
	API       APIConfig       `yaml:"api"`
}

type StorageConfig struct {
	Driver     string         `yaml:"driver"`
	SQLitePath string         `yaml:"sqlite_path"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int64  `yaml:"conn_max_lifetime_seconds"`
	PingTimeoutSeconds     int64  `yaml:"ping_timeout_seconds"`
}

type ResultsConfig struct {
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir"`
	MinIO   MinIOConfig `yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

type InstancesConfig struct {
	Provider              string            `yaml:"provider"`
	MaxTries              int               `yaml:"max_tries"`
	DelaySeconds          int64             `yaml:"delay_seconds"`
	DefaultMaxIdleSeconds int64             `yaml:"default_max_idle_seconds"`
	StateDir              string            `yaml:"state_dir"`
	Localhost             LocalhostConfig   `yaml:"localhost"`
	Firecracker           FirecrackerConfig `yaml:"firecracker"`
}

type LocalhostConfig struct {
	DockerHost string `yaml:"docker_host"`
}

type FirecrackerConfig struct {
	BinaryPath    string `yaml:"binary_path"`
	KernelImage   string `yaml:"kernel_image"`
	RootFS        string `yaml:"rootfs"`
	VCPUs         int64  `yaml:"vcpus"`
	MemoryMiB     int64  `yaml:"memory_mib"`
	DockerPort    uint32 `yaml:"docker_port"`
	GuestCIDBase  uint32 `yaml:"guest_cid_base"`
	InstanceType  string `yaml:"instance_type"`
	MaxInstances  int    `yaml:"max_instances"`
	LaunchSeconds int64  `yaml:"launch_seconds"` // VM boot/docker readiness timeout
}

type ImagesConfig struct {
	Repository   string `yaml:"repository"`
	RegistryAuth string `yaml:"registry_auth"`
	Push         bool   `yaml:"push"`
}

type APIConfig struct {
	RunRateLimit           float64 `yaml:"run_rate_limit"`
	RunRateBurst           int     `yaml:"run_rate_burst"`
	HarvestIntervalSeconds int64   `yaml:"harvest_interval_seconds"`
	BuildTimestamp         *int64  `yaml:"build_timestamp"`
}

func Path() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file. A missing file is not an error; the zero
// config is returned with its defaults filled in.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	cfg := Config{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults returns a copy of c with every unset field defaulted.
// Directory defaults are resolved from the XDG base directories.
func (c Config) WithDefaults() Config {
	c.LogLevel = strings.TrimSpace(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Storage.Driver = strings.TrimSpace(c.Storage.Driver)
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.SQLitePath) == "" {
		if p, err := paths.MetadataDBPath(); err == nil {
			c.Storage.SQLitePath = p
		}
	}

	c.Results.Backend = strings.TrimSpace(c.Results.Backend)
	if c.Results.Backend == "" {
		c.Results.Backend = "fs"
	}
	if c.Results.Backend == "fs" && strings.TrimSpace(c.Results.Dir) == "" {
		if d, err := paths.ResultsDir(); err == nil {
			c.Results.Dir = d
		}
	}

	c.Instances.Provider = strings.TrimSpace(c.Instances.Provider)
	if c.Instances.Provider == "" {
		c.Instances.Provider = "localhost"
	}
	if c.Instances.MaxTries <= 0 {
		c.Instances.MaxTries = DefaultMaxTries
	}
	if c.Instances.DelaySeconds <= 0 {
		c.Instances.DelaySeconds = DefaultDelaySeconds
	}
	if strings.TrimSpace(c.Instances.StateDir) == "" {
		if d, err := paths.InstancesDir(); err == nil {
			c.Instances.StateDir = d
		}
	}

	if strings.TrimSpace(c.Images.Repository) == "" {
		c.Images.Repository = images.DefaultRepository
	}

	if c.API.RunRateLimit <= 0 {
		c.API.RunRateLimit = DefaultRunRateLimit
	}
	if c.API.RunRateBurst <= 0 {
		c.API.RunRateBurst = DefaultRunRateBurst
	}
	if c.API.HarvestIntervalSeconds == 0 {
		c.API.HarvestIntervalSeconds = DefaultHarvestIntervalSeconds
	}
	return c
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.URL) == "" {
			return errors.New("storage.postgres.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (want sqlite or postgres)", c.Storage.Driver)
	}
	switch c.Results.Backend {
	case "fs", "minio":
	default:
		return fmt.Errorf("unknown results.backend %q (want fs or minio)", c.Results.Backend)
	}
	switch c.Instances.Provider {
	case "localhost", "firecracker":
	default:
		return fmt.Errorf("unknown instances.provider %q (want localhost or firecracker)", c.Instances.Provider)
	}
	return nil
}

func (c InstancesConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// HarvestInterval is zero when periodic harvesting is disabled with a
// negative harvest_interval_seconds.
func (c APIConfig) HarvestInterval() time.Duration {
	if c.HarvestIntervalSeconds < 0 {
		return 0
	}
	return time.Duration(c.HarvestIntervalSeconds) * time.Second
}

func (c PostgresConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

func (c PostgresConfig) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSeconds) * time.Second
}
