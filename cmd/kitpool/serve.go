package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/codefionn/kitpool/internal/admin"
	"github.com/codefionn/kitpool/internal/config"
	"github.com/codefionn/kitpool/internal/controlsock"
	"github.com/codefionn/kitpool/internal/docbroker"
	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/metrics"
	"github.com/codefionn/kitpool/internal/pidfile"
	"github.com/codefionn/kitpool/internal/pool"
	"github.com/codefionn/kitpool/internal/supervisor"
)

const supervisorStopTimeout = 5 * time.Second

var errPrimordialLost = errors.New("primordial supervisor lost, no workers can be spawned")

// serveCmd runs the pool manager.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool manager",
	Long:  "Listen on the control socket, launch the primordial supervisor and keep the spare pool topped up.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	log := logger.Global().WithPrefix("serve")
	log.Info("kitpool %s starting", version)

	pf := pidfile.New(cfg.PidFile)
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			log.Warn("failed to release pid file: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set when the primordial supervisor goes away outside of shutdown.
	// Nothing can be spawned after that, so serve exits non-zero and leaves
	// the restart to the service manager.
	var lost atomic.Bool

	registry := prometheus.NewRegistry()
	hub := admin.NewHub(logger.Global())
	go hub.Run()
	defer hub.Stop()

	collector := metrics.NewPrometheus(registry, "kitpool")
	m := pool.New(pool.Options{
		Target:                cfg.Pool.NumPrespawnChildren,
		SpawnTimeout:          cfg.SpawnTimeout(),
		SupervisorIdleTimeout: cfg.SupervisorIdleTimeout(),
		Observer:              hub,
		Metrics:               collector,
		Logger:                logger.Global().WithPrefix("pool"),
		OnPrimordialLost: func(*pool.Supervisor) {
			lost.Store(true)
			cancel()
		},
	})

	sock := controlsock.NewServer(controlsock.Config{
		Path:           cfg.Socket.Path,
		Permissions:    cfg.Socket.Permissions,
		MaxConnections: cfg.Socket.MaxConnections,
	}, func(c *controlsock.Conn) controlsock.Session {
		return m.NewChannel(c)
	})
	if err := sock.Start(ctx); err != nil {
		return err
	}
	defer sock.Stop()

	docs := docbroker.NewRegistry(docbroker.Options{
		Pool:    m,
		Metrics: collector,
		Logger:  logger.Global().WithPrefix("docbroker"),
	})

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.NewServer(admin.Options{
			Addr:      cfg.Admin.Listen,
			Pool:      m,
			Docs:      docs,
			Hub:       hub,
			Gatherer:  registry,
			Profiling: cfg.Admin.Pprof,
			Logger:    logger.Global().WithPrefix("admin"),
		})
		if err := adminSrv.Start(); err != nil {
			return err
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	supCmd := exec.Command(exe, childArgs("supervisor")...)
	supCmd.Stdout = os.Stdout
	supCmd.Stderr = os.Stderr
	primordial, err := supervisor.Launch(supCmd, m.SetPrimordialPID, func(exitErr error) {
		if m.ShuttingDown() {
			return
		}
		log.Error("primordial supervisor exited: %v", exitErr)
		lost.Store(true)
		cancel()
	})
	if err != nil {
		return err
	}
	log.Info("primordial supervisor started (pid %d)", primordial.Pid())

	go m.RunJanitor(ctx, cfg.JanitorInterval())
	go func() {
		if err := config.Watch(ctx, configPath(), cfg, reloader(m, cfg, log)); err != nil {
			log.Warn("configuration reload disabled: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	m.Shutdown()
	docs.CloseAll()
	if adminSrv != nil {
		if err := adminSrv.Stop(); err != nil {
			log.Warn("admin server shutdown: %v", err)
		}
	}
	primordial.Stop(supervisorStopTimeout)

	if lost.Load() {
		return errPrimordialLost
	}
	return nil
}

// reloader applies configuration changes that can take effect without a
// restart. Jail changes retire existing spares so replacements start in
// the new jail.
func reloader(m *pool.Manager, current *config.Config, log *logger.Logger) func(*config.Config) {
	prev := current
	return func(next *config.Config) {
		if next.LogLevel != prev.LogLevel {
			logger.Global().SetLevel(logger.ParseLevel(next.LogLevel))
			log.Info("log level set to %s", next.LogLevel)
		}
		if next.Pool.NumPrespawnChildren != prev.Pool.NumPrespawnChildren {
			m.SetTarget(next.Pool.NumPrespawnChildren)
			log.Info("spare target set to %d", m.Target())
		}
		if !next.Jail.Equal(prev.Jail) {
			n := m.TerminateSpares()
			log.Info("jail settings changed, retired %d spares", n)
		}
		if next.Socket != prev.Socket || next.Admin != prev.Admin {
			log.Warn("socket and admin changes take effect after a restart")
		}
		prev = next
	}
}
