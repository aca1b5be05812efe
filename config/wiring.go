package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cochaviz/tavalid/internal/admission"
	"github.com/cochaviz/tavalid/internal/artifacts"
	"github.com/cochaviz/tavalid/internal/coverage"
	"github.com/cochaviz/tavalid/internal/diagnostics"
	"github.com/cochaviz/tavalid/internal/logging"
	"github.com/cochaviz/tavalid/internal/repositories/local"
	"github.com/cochaviz/tavalid/internal/repositories/s3"
	"github.com/cochaviz/tavalid/internal/sandbox"
	"github.com/cochaviz/tavalid/internal/state"
	"github.com/cochaviz/tavalid/internal/validation"
)

// Service is the assembled validation engine.
type Service struct {
	Coordinator *validation.Coordinator
	Dispatcher  *validation.Dispatcher
	Events      *validation.Broadcaster
	Store       artifacts.Store

	db *state.DB
}

// Close stops retries, interrupts running validations and closes the store.
func (s *Service) Close(ctx context.Context) error {
	s.Dispatcher.Close()
	err := s.Coordinator.Close(ctx)
	s.Events.Close()
	if s.db != nil {
		err = errors.Join(err, s.db.Close())
	}
	return err
}

// ServiceOptions tweaks BuildService.
type ServiceOptions struct {
	// InMemory keeps requests in process memory instead of the state database.
	InMemory bool
	// Driver overrides the configured sandbox driver.
	Driver sandbox.Driver
}

// BuildService wires the coordinator and its collaborators from cfg. Requests
// left RUNNING by a previous process are recovered and QUEUED ones are
// rescheduled before it returns.
func BuildService(ctx context.Context, cfg *Config, opts ServiceOptions, logger *slog.Logger) (*Service, error) {
	logger = logging.Ensure(logger).With("component", "config.wiring")

	driver := opts.Driver
	if driver == nil {
		var err error
		if driver, err = BuildDriver(cfg, logger); err != nil {
			return nil, err
		}
	}

	store, err := BuildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var (
		repo validation.Repository
		db   *state.DB
	)
	if opts.InMemory {
		repo = validation.NewMemoryRepository()
	} else {
		db, err = OpenState(ctx, cfg)
		if err != nil {
			return nil, err
		}
		repo = state.NewRequestRepository(db)
	}

	events := validation.NewBroadcaster(logger)
	coord, err := validation.NewCoordinator(validation.Options{
		Repository:      repo,
		Gate:            admission.NewGate(cfg.Admission.Capacity, logger),
		Driver:          driver,
		Store:           store,
		Bundler:         diagnostics.NewBundler(store, cfg.WorkDir, logger),
		DisableLogs:     !cfg.Sandbox.CollectLogs,
		Policy:          Policy(cfg),
		Timeouts:        Timeouts(cfg),
		ReadyInterval:   cfg.Polling.ReadyInterval,
		IndexedInterval: cfg.Polling.IndexedInterval,
		RetryDelay:      cfg.Admission.RetryDelay,
		WorkDir:         cfg.WorkDir,
		Events:          events,
		Logger:          logger,
	})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	svc := &Service{
		Coordinator: coord,
		Dispatcher:  validation.NewDispatcher(coord, cfg.Admission.RetryDelay, logger),
		Events:      events,
		Store:       store,
		db:          db,
	}

	if !opts.InMemory {
		recovered, err := coord.Recover(ctx)
		if err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("recover interrupted validations: %w", err)
		}
		resumed, err := svc.Dispatcher.Resume(ctx)
		if err != nil {
			svc.Close(ctx)
			return nil, fmt.Errorf("resume queued validations: %w", err)
		}
		if recovered > 0 || resumed > 0 {
			logger.Info("restored validations from state", "interrupted", recovered, "requeued", resumed)
		}
	}
	return svc, nil
}

// BuildDriver returns the configured sandbox driver.
func BuildDriver(cfg *Config, logger *slog.Logger) (sandbox.Driver, error) {
	mgmt := Management(cfg)
	switch strings.ToLower(cfg.Sandbox.Driver) {
	case "", "container":
		d := sandbox.NewContainerDriver(logger)
		d.Runtime = cfg.Sandbox.Container.Runtime
		d.Image = cfg.Sandbox.Container.Image
		d.PublishHost = cfg.Sandbox.Container.PublishHost
		d.Scheme = cfg.Sandbox.Container.Scheme
		d.Management = mgmt
		return d, nil
	case "libvirt":
		lv := cfg.Sandbox.Libvirt
		d := sandbox.NewLibvirtDriver(lv.ConnectionURI, lv.RunDir, lv.BaseImage, logger)
		d.NetworkName = lv.Network
		if lv.VCPUs > 0 {
			d.Profile.VCPUs = lv.VCPUs
		}
		if lv.RAMMB > 0 {
			d.Profile.RAMMB = lv.RAMMB
		}
		d.Management = mgmt
		return d, nil
	default:
		return nil, fmt.Errorf("unknown sandbox driver %q", cfg.Sandbox.Driver)
	}
}

// BuildStore returns a store that writes into the configured backend and
// resolves both file:// and, when configured, s3:// references.
func BuildStore(ctx context.Context, cfg *Config) (artifacts.Store, error) {
	localStore := &local.ArtifactStore{BaseDir: cfg.Storage.Local.Dir}

	var s3Store artifacts.Store
	if cfg.Storage.S3.Enabled() {
		o := cfg.Storage.S3
		store, err := s3.New(ctx, s3.Options{
			Bucket:    o.Bucket,
			Prefix:    o.Prefix,
			Region:    o.Region,
			Profile:   o.Profile,
			Endpoint:  o.Endpoint,
			AccessKey: o.AccessKey,
			SecretKey: o.SecretKey,
			PathStyle: o.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("build s3 store: %w", err)
		}
		s3Store = store
	}

	switch cfg.Storage.Backend {
	case "", "local":
		return artifacts.NewMux(localStore, s3Store), nil
	case "s3":
		if s3Store == nil {
			return nil, errors.New("storage.backend is s3 but no bucket is configured")
		}
		return artifacts.NewMux(s3Store, localStore), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// OpenState opens and migrates the request database.
func OpenState(ctx context.Context, cfg *Config) (*state.DB, error) {
	db, err := state.Open(ctx, cfg.State.Driver, cfg.State.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	return db, nil
}

func Management(cfg *Config) sandbox.Management {
	m := sandbox.DefaultManagement()
	p := cfg.Platform
	if p.Username != "" {
		m.Username = p.Username
	}
	if p.Password != "" {
		m.Password = p.Password
	}
	m.InsecureTLS = p.InsecureTLS
	if p.RequestTimeout > 0 {
		m.Timeout = p.RequestTimeout
	}
	if p.Retries >= 0 {
		m.Retries = p.Retries
	}
	if p.PollInterval > 0 {
		m.PollInterval = p.PollInterval
	}
	return m
}

func Policy(cfg *Config) coverage.Policy {
	return coverage.Policy{
		Threshold:      cfg.Coverage.Threshold,
		RequiredChecks: append([]string(nil), cfg.Coverage.RequiredChecks...),
		WarnBelow:      cfg.Coverage.WarnBelow,
	}
}

func Timeouts(cfg *Config) validation.Timeouts {
	t := cfg.Timeouts
	return validation.Timeouts{
		Create:   t.Create,
		Ready:    t.Ready,
		Install:  t.Install,
		Ingest:   t.Ingest,
		Indexed:  t.Indexed,
		Query:    t.Query,
		Teardown: t.Teardown,
		Attempt:  t.Attempt,
	}
}
