// Package config loads tavalid settings from YAML files, .env files and
// TAVALID_* environment variables, and builds the service graph from them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "TAVALID"

// SystemConfigPath is read before the user config.
var SystemConfigPath = "/etc/tavalid/config.yaml"

type Config struct {
	Admission AdmissionConfig `mapstructure:"admission"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Coverage  CoverageConfig  `mapstructure:"coverage"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Storage   StorageConfig   `mapstructure:"storage"`
	State     StateConfig     `mapstructure:"state"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	WorkDir   string          `mapstructure:"work_dir"`
}

type AdmissionConfig struct {
	Capacity   int           `mapstructure:"capacity"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type TimeoutsConfig struct {
	Create   time.Duration `mapstructure:"create"`
	Ready    time.Duration `mapstructure:"ready"`
	Install  time.Duration `mapstructure:"install"`
	Ingest   time.Duration `mapstructure:"ingest"`
	Indexed  time.Duration `mapstructure:"indexed"`
	Query    time.Duration `mapstructure:"query"`
	Teardown time.Duration `mapstructure:"teardown"`
	Attempt  time.Duration `mapstructure:"attempt"`
}

type PollingConfig struct {
	ReadyInterval   time.Duration `mapstructure:"ready_interval"`
	IndexedInterval time.Duration `mapstructure:"indexed_interval"`
}

type CoverageConfig struct {
	Threshold      float64  `mapstructure:"threshold"`
	RequiredChecks []string `mapstructure:"required_checks"`
	WarnBelow      float64  `mapstructure:"warn_below"`
}

type SandboxConfig struct {
	// Driver is "container" or "libvirt".
	Driver      string          `mapstructure:"driver"`
	CollectLogs bool            `mapstructure:"collect_logs"`
	Container   ContainerConfig `mapstructure:"container"`
	Libvirt     LibvirtConfig   `mapstructure:"libvirt"`
}

type ContainerConfig struct {
	Runtime     string `mapstructure:"runtime"`
	Image       string `mapstructure:"image"`
	PublishHost string `mapstructure:"publish_host"`
	Scheme      string `mapstructure:"scheme"`
}

type LibvirtConfig struct {
	ConnectionURI string `mapstructure:"connection_uri"`
	BaseImage     string `mapstructure:"base_image"`
	RunDir        string `mapstructure:"run_dir"`
	Network       string `mapstructure:"network"`
	VCPUs         int    `mapstructure:"vcpus"`
	RAMMB         int    `mapstructure:"ram_mb"`
}

type PlatformConfig struct {
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	InsecureTLS    bool          `mapstructure:"insecure_tls"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retries        int           `mapstructure:"retries"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type StorageConfig struct {
	// Backend is "local" or "s3" and receives diagnostic bundles.
	Backend string       `mapstructure:"backend"`
	Local   LocalStorage `mapstructure:"local"`
	S3      S3Storage    `mapstructure:"s3"`
}

type LocalStorage struct {
	Dir string `mapstructure:"dir"`
}

type S3Storage struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Profile   string `mapstructure:"profile"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

// Enabled reports whether enough is configured to build an S3 store.
func (s S3Storage) Enabled() bool {
	return strings.TrimSpace(s.Bucket) != ""
}

type StateConfig struct {
	// Driver is "sqlite", "postgres" or "mysql".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type DaemonConfig struct {
	Socket     string `mapstructure:"socket"`
	HTTPAddr   string `mapstructure:"http_addr"`
	SignalsDir string `mapstructure:"signals_dir"`
}

// Load reads, lowest precedence first: defaults, SystemConfigPath, the user
// config, a .env file in the working directory, and TAVALID_* variables.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := newViper()
	for _, path := range []string{SystemConfigPath, filepath.Join(UserConfigDir(), "config.yaml")} {
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
	}
	return decode(v)
}

// LoadFromPath reads a single config file on top of the defaults. Environment
// variables still take precedence.
func LoadFromPath(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func mergeFile(v *viper.Viper, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	if err := v.MergeConfig(f); err != nil {
		return fmt.Errorf("merging config %s: %w", path, err)
	}
	return nil
}

// loadDotEnv exports the file's variables unless they are already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Platform.Password = os.ExpandEnv(cfg.Platform.Password)
	cfg.Storage.S3.SecretKey = os.ExpandEnv(cfg.Storage.S3.SecretKey)
	cfg.State.DSN = os.ExpandEnv(cfg.State.DSN)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the builders cannot act on.
func (c *Config) Validate() error {
	var errs []error
	if c.Admission.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("admission.capacity must be positive, got %d", c.Admission.Capacity))
	}
	if c.Coverage.Threshold <= 0 || c.Coverage.Threshold > 1 {
		errs = append(errs, fmt.Errorf("coverage.threshold must be within (0, 1], got %v", c.Coverage.Threshold))
	}
	switch c.Sandbox.Driver {
	case "container", "libvirt":
	default:
		errs = append(errs, fmt.Errorf("sandbox.driver must be container or libvirt, got %q", c.Sandbox.Driver))
	}
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if !c.Storage.S3.Enabled() {
			errs = append(errs, errors.New("storage.s3.bucket is required when storage.backend is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be local or s3, got %q", c.Storage.Backend))
	}
	switch c.State.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("state.driver must be sqlite, postgres or mysql, got %q", c.State.Driver))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("admission.capacity", d.Admission.Capacity)
	v.SetDefault("admission.retry_delay", d.Admission.RetryDelay)

	v.SetDefault("timeouts.create", d.Timeouts.Create)
	v.SetDefault("timeouts.ready", d.Timeouts.Ready)
	v.SetDefault("timeouts.install", d.Timeouts.Install)
	v.SetDefault("timeouts.ingest", d.Timeouts.Ingest)
	v.SetDefault("timeouts.indexed", d.Timeouts.Indexed)
	v.SetDefault("timeouts.query", d.Timeouts.Query)
	v.SetDefault("timeouts.teardown", d.Timeouts.Teardown)
	v.SetDefault("timeouts.attempt", d.Timeouts.Attempt)

	v.SetDefault("polling.ready_interval", d.Polling.ReadyInterval)
	v.SetDefault("polling.indexed_interval", d.Polling.IndexedInterval)

	v.SetDefault("coverage.threshold", d.Coverage.Threshold)
	v.SetDefault("coverage.required_checks", d.Coverage.RequiredChecks)
	v.SetDefault("coverage.warn_below", d.Coverage.WarnBelow)

	v.SetDefault("sandbox.driver", d.Sandbox.Driver)
	v.SetDefault("sandbox.collect_logs", d.Sandbox.CollectLogs)
	v.SetDefault("sandbox.container.runtime", d.Sandbox.Container.Runtime)
	v.SetDefault("sandbox.container.image", d.Sandbox.Container.Image)
	v.SetDefault("sandbox.container.publish_host", d.Sandbox.Container.PublishHost)
	v.SetDefault("sandbox.container.scheme", d.Sandbox.Container.Scheme)
	v.SetDefault("sandbox.libvirt.connection_uri", d.Sandbox.Libvirt.ConnectionURI)
	v.SetDefault("sandbox.libvirt.base_image", d.Sandbox.Libvirt.BaseImage)
	v.SetDefault("sandbox.libvirt.run_dir", d.Sandbox.Libvirt.RunDir)
	v.SetDefault("sandbox.libvirt.network", d.Sandbox.Libvirt.Network)
	v.SetDefault("sandbox.libvirt.vcpus", d.Sandbox.Libvirt.VCPUs)
	v.SetDefault("sandbox.libvirt.ram_mb", d.Sandbox.Libvirt.RAMMB)

	v.SetDefault("platform.username", d.Platform.Username)
	v.SetDefault("platform.password", d.Platform.Password)
	v.SetDefault("platform.insecure_tls", d.Platform.InsecureTLS)
	v.SetDefault("platform.request_timeout", d.Platform.RequestTimeout)
	v.SetDefault("platform.retries", d.Platform.Retries)
	v.SetDefault("platform.poll_interval", d.Platform.PollInterval)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.local.dir", d.Storage.Local.Dir)
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.profile", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.path_style", false)

	v.SetDefault("state.driver", d.State.Driver)
	v.SetDefault("state.dsn", d.State.DSN)

	v.SetDefault("daemon.socket", d.Daemon.Socket)
	v.SetDefault("daemon.http_addr", d.Daemon.HTTPAddr)
	v.SetDefault("daemon.signals_dir", d.Daemon.SignalsDir)

	v.SetDefault("work_dir", d.WorkDir)
}

// UserConfigDir returns $XDG_CONFIG_HOME/tavalid or ~/.config/tavalid.
func UserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tavalid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "tavalid")
	}
	return filepath.Join(home, ".config", "tavalid")
}

func dataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "tavalid")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "tavalid")
	}
	return filepath.Join(home, ".local", "share", "tavalid")
}

// Default returns a Config with default values.
func Default() *Config {
	data := dataDir()
	return &Config{
		Admission: AdmissionConfig{
			Capacity:   3,
			RetryDelay: 30 * time.Second,
		},
		Timeouts: TimeoutsConfig{
			Create:   5 * time.Minute,
			Ready:    10 * time.Minute,
			Install:  5 * time.Minute,
			Ingest:   5 * time.Minute,
			Indexed:  5 * time.Minute,
			Query:    5 * time.Minute,
			Teardown: 2 * time.Minute,
			Attempt:  35 * time.Minute,
		},
		Polling: PollingConfig{
			ReadyInterval:   5 * time.Second,
			IndexedInterval: 5 * time.Second,
		},
		Coverage: CoverageConfig{
			Threshold:      0.70,
			RequiredChecks: []string{"timestamp_parsing"},
			WarnBelow:      0.50,
		},
		Sandbox: SandboxConfig{
			Driver:      "container",
			CollectLogs: true,
			Container: ContainerConfig{
				Runtime:     "docker",
				Image:       "splunk/splunk:latest",
				PublishHost: "127.0.0.1",
				Scheme:      "https",
			},
			Libvirt: LibvirtConfig{
				ConnectionURI: "qemu:///system",
				BaseImage:     "/var/lib/tavalid/images/splunk.qcow2",
				RunDir:        "/var/lib/tavalid/runs",
				Network:       "tavalid_lab",
				VCPUs:         2,
				RAMMB:         4096,
			},
		},
		Platform: PlatformConfig{
			Username:       "admin",
			Password:       "changeme-tavalid",
			InsecureTLS:    true,
			RequestTimeout: 30 * time.Second,
			Retries:        2,
			PollInterval:   2 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalStorage{Dir: filepath.Join(data, "artifacts")},
		},
		State: StateConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(data, "state.db"),
		},
		Daemon: DaemonConfig{
			Socket:     filepath.Join(data, "daemon.sock"),
			HTTPAddr:   "127.0.0.1:8780",
			SignalsDir: filepath.Join(data, "signals"),
		},
		WorkDir: filepath.Join(os.TempDir(), "tavalid"),
	}
}
