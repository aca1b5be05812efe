package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cochaviz/tavalid/config"
	"github.com/cochaviz/tavalid/daemon"
	"github.com/cochaviz/tavalid/internal/logging"
	"github.com/cochaviz/tavalid/internal/setup"
)

const defaultLogLevel = "info"

// errValidationFailed makes the process exit with exitFailed without an
// error log; the verdict has already been printed.
var errValidationFailed = errors.New("validation failed")

const exitFailed = 2

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{levelVar: &levelVar, logger: logging.NewCLI(os.Stderr, &levelVar)}
	slog.SetDefault(a.logger)

	root := newRootCommand(a)
	if err := root.ExecuteContext(ctx); err != nil {
		switch {
		case errors.Is(err, errValidationFailed):
			os.Exit(exitFailed)
		case errors.Is(err, context.Canceled):
			a.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		a.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries what the root command resolves before any subcommand runs.
type app struct {
	levelVar   *slog.LevelVar
	logger     *slog.Logger
	configPath string
	socketPath string
	cfg        *config.Config
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if path := strings.TrimSpace(a.configPath); path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) client() (daemon.DaemonClient, error) {
	if path := strings.TrimSpace(a.socketPath); path != "" {
		return daemon.NewClient(path), nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(cfg.Daemon.Socket), nil
}

func newRootCommand(a *app) *cobra.Command {
	var (
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:           "tavalid",
		Short:         "Validate Splunk technology add-ons against sample data in disposable sandboxes",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "cli", "Log output format (cli, json)")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to a config file (default: system and user config)")
	root.PersistentFlags().StringVar(&a.socketPath, "socket", "", "Path to the daemon control socket (default from config)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		a.logger = logging.New(mode, os.Stderr, a.levelVar)
		slog.SetDefault(a.logger)
		setup.SetLogger(a.logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newServeCommand(a),
		newSubmitCommand(a),
		newStatusCommand(a),
		newCancelCommand(a),
		newListCommand(a),
		newWatchCommand(a),
		newRunCommand(a),
		newSetupCommand(a),
	)
	return root
}

func newServeCommand(a *app) *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the validation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			socket := cfg.Daemon.Socket
			if a.socketPath != "" {
				socket = a.socketPath
			}
			logger := a.logger.With("command", "serve")

			ctx := cmd.Context()
			svc, err := config.BuildService(ctx, cfg, config.ServiceOptions{}, logger)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Teardown+10*time.Second)
				defer cancel()
				if err := svc.Close(closeCtx); err != nil {
					logger.Warn("shutdown incomplete", "error", err)
				}
			}()

			srv, err := daemon.New(daemon.Options{
				SocketPath: socket,
				HTTPAddr:   cfg.Daemon.HTTPAddr,
				SignalsDir: cfg.Daemon.SignalsDir,
				Engine:     daemon.NewEngine(svc.Dispatcher, svc.Coordinator),
				Events:     svc.Events,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			logger.Info("starting daemon",
				"socket", socket,
				"http_addr", cfg.Daemon.HTTPAddr,
				"driver", cfg.Sandbox.Driver,
				"capacity", cfg.Admission.Capacity,
				"state", cfg.State.Driver,
			)
			if err := srv.Start(ctx); err != nil {
				return err
			}
			logger.Info("daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "Override the HTTP API listen address (empty disables it)")
	return cmd
}

func newSetupCommand(a *app) *cobra.Command {
	var clearConfig bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare the host network used by libvirt sandboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := a.logger.With("command", "setup")

			alreadyConfigured := setup.Verify() == nil
			if alreadyConfigured && !clearConfig {
				cmdLogger.Info("system already configured", "hint", "use 'tavalid setup --clear' to reinitialize")
				return nil
			}

			if clearConfig {
				cmdLogger.Info("clearing existing configuration", "configured", alreadyConfigured)
				if err := setup.ClearConfig(); err != nil {
					return fmt.Errorf("clear configuration: %w", err)
				}
			}

			if err := setup.SetupNetwork(cmd.Context()); err != nil {
				return fmt.Errorf("initialize networking: %w", err)
			}
			cmdLogger.Info("network initialization completed")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&clearConfig, "clear", "C", false, "Remove existing setup configuration before initializing")
	return cmd
}
