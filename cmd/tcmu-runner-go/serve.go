package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	tcmu "github.com/ehrlich-b/go-tcmu"
	"github.com/ehrlich-b/go-tcmu/backend"
	"github.com/ehrlich-b/go-tcmu/internal/config"
	"github.com/ehrlich-b/go-tcmu/internal/logging"
	"github.com/ehrlich-b/go-tcmu/internal/register"
)

// loadConfig reads the configuration file and applies the command line
// overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logDir != "" {
		cfg.LogDir = g.logDir
	}
	if g.logFile {
		cfg.LogFile = true
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	return cfg, cfg.Validate()
}

// newLogger builds the daemon logger. Loggers filter at trace and the
// configured level is applied globally, so a reload can lower it.
func newLogger(cfg *config.Config) (*logging.Logger, io.Closer, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.LogFile {
		f, err := logging.OpenLogFile(cfg.LogDir)
		if err != nil {
			return nil, nil, err
		}
		out, closer = f, f
	}
	logger := logging.NewLogger(&logging.Config{
		Level:   logging.LevelTrace,
		Format:  cfg.LogFormat,
		Output:  out,
		NoColor: cfg.LogFile,
	})
	logging.SetGlobalLevel(lvl)
	logging.SetDefault(logger)
	return logger, closer, nil
}

// buildHandlers creates the handlers named in the configuration.
func buildHandlers(cfg *config.Config) ([]*backend.BlockHandler, error) {
	var hs []*backend.BlockHandler
	for _, h := range cfg.Handlers {
		switch h.Backend {
		case config.BackendMemory:
			hs = append(hs, backend.NewMemoryHandler(h.Subtype))
		case config.BackendFile:
			hs = append(hs, backend.NewFileHandler(h.Subtype))
		default:
			return nil, errors.Errorf("handler %q: unknown backend %q", h.Subtype, h.Backend)
		}
	}
	return hs, nil
}

func registrations(hs []*backend.BlockHandler) []register.Handler {
	out := make([]register.Handler, 0, len(hs))
	for _, h := range hs {
		out = append(out, register.Handler{
			Subtype:    h.Subtype(),
			ConfigDesc: h.ConfigDesc(),
			Check:      h.CheckConfig,
		})
	}
	return out
}

type serveFlags struct {
	dbus        bool
	maxInflight int
	configFS    string
}

func newServeCommand(g *globalFlags) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the devices of the configured handlers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dbus") {
				cfg.DBus = f.dbus
			}
			if f.maxInflight > 0 {
				cfg.MaxInflight = f.maxInflight
			}
			if f.configFS != "" {
				cfg.ConfigFSRoot = f.configFS
			}
			return serve(cmd.Context(), g, cfg)
		},
	}
	cmd.Flags().BoolVar(&f.dbus, "dbus", false, "register the handlers with the TCMU service on the system bus")
	cmd.Flags().IntVar(&f.maxInflight, "max-inflight", 0, "outstanding commands per device before TASK SET FULL")
	cmd.Flags().StringVar(&f.configFS, "configfs", "", "target core configfs root")
	return cmd
}

func serve(ctx context.Context, g *globalFlags, cfg *config.Config) (err error) {
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	handlers, err := buildHandlers(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := tcmu.NewTarget(&tcmu.Options{
		Context:      ctx,
		Logger:       logger,
		ConfigFSRoot: cfg.ConfigFSRoot,
		MaxInflight:  cfg.MaxInflight,
	})
	for _, h := range handlers {
		if err := target.RegisterHandler(h); err != nil {
			return err
		}
		logger.Info("handler registered", "subtype", h.Subtype(), "name", h.Name())
	}

	if err := target.Start(ctx); err != nil {
		return multierr.Append(err, target.Close())
	}
	defer func() {
		logger.Info("stopping devices")
		err = multierr.Append(err, target.Close())
	}()

	if cfg.DBus {
		reg, conn, err := register.ConnectSystem(registrations(handlers), logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		go func() {
			if err := reg.Run(ctx); err != nil {
				logger.Error("handler registration stopped", "error", err)
			}
		}()
	}

	go watchSignals(ctx, g, logger)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", "error", err)
	}
	logger.Info("serving", "devices", len(target.Devices()))

	err = target.Serve(ctx)
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// watchSignals reloads the log level on SIGHUP and dumps goroutine stacks
// on SIGUSR1.
func watchSignals(ctx context.Context, g *globalFlags, logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case syscall.SIGHUP:
				reloadLogLevel(g, logger)
			case syscall.SIGUSR1:
				fmt.Fprintf(os.Stderr, "\n=== GOROUTINE DUMP (pid %d) ===\n", os.Getpid())
				pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
				fmt.Fprintf(os.Stderr, "=== END GOROUTINE DUMP ===\n\n")
			}
		}
	}
}

func reloadLogLevel(g *globalFlags, logger *logging.Logger) {
	daemon.SdNotify(false, daemon.SdNotifyReloading)
	defer daemon.SdNotify(false, daemon.SdNotifyReady)

	cfg, err := loadConfig(g)
	if err != nil {
		logger.Error("reload failed", "error", err)
		return
	}
	lvl, _ := cfg.Level()
	logging.SetGlobalLevel(lvl)
	logger.Info("log level reloaded", "level", lvl.String())
}
