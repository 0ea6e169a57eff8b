package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fanoutsql/fanoutsql/internal/admin"
	"github.com/fanoutsql/fanoutsql/internal/backend"
	"github.com/fanoutsql/fanoutsql/internal/config"
	"github.com/fanoutsql/fanoutsql/internal/dispatch"
	"github.com/fanoutsql/fanoutsql/internal/mapper"
	"github.com/fanoutsql/fanoutsql/internal/metrics"
	"github.com/fanoutsql/fanoutsql/internal/server"
	"github.com/fanoutsql/fanoutsql/internal/session"
)

func main() {
	configPath := flag.String("config", "configs/fanoutsql.yaml", "path to configuration file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	log.Info("fanoutsql starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	backends, err := loadBackends(cfg)
	if err != nil {
		log.Error("failed to load backends", "error", err)
		os.Exit(1)
	}

	backend.ProbeAll(context.Background(), backends, cfg.Backends.ProbeUser, cfg.Backends.ProbePassword, cfg.Backends.ProbeTimeout, log)

	registry := backend.New(backend.Options{
		ConnsPerBackend:   cfg.Pool.ConnsPerBackend,
		WorkersPerBackend: cfg.Pool.WorkersPerBackend,
		DialTimeout:       cfg.Pool.DialTimeout,
		DialRetries:       cfg.Pool.DialRetries,
		DialRetryDelay:    cfg.Pool.DialRetryDelay,
		AuthUser:          cfg.Pool.AuthUser,
		AuthPassword:      cfg.Pool.AuthPassword,
	})
	if err := registry.LoadInitial(backends); err != nil {
		log.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	log.Info("backends loaded", "count", registry.Count())

	m := metrics.New()
	m.SetBackendCount(registry.Count())

	txnIDs := newTxnIDGenerator(cfg)
	disp := dispatch.New(registry, dispatch.Options{
		Mapper:         mapper.Lookup(cfg.Dispatch.Mapper),
		TwoPhaseCommit: cfg.Dispatch.TwoPhaseCommit,
		TxnIDs:         txnIDs,
		Metrics:        m,
	})

	statsCtx, cancelStats := context.WithCancel(context.Background())
	defer cancelStats()
	startPoolStatsLoop(statsCtx, registry, m, 5*time.Second)

	adminServer := admin.New(registry, disp, m, log)
	if err := adminServer.Start(cfg.Admin.Addr); err != nil {
		log.Error("failed to start admin server", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(disp, server.Options{
		Addr:        cfg.Listen.Addr,
		MaxClients:  cfg.Pool.MaxClients,
		AdmitPerSec: cfg.Dispatch.AdmitPerSec,
		SessionOpts: session.Options{ServerVersion: "", ReadTimeout: cfg.Listen.ReadTimeout, Log: log},
		Metrics:     m,
		Log:         log,
	})
	if err != nil {
		log.Error("failed to construct server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			log.Error("server stopped with error", "error", err)
		}
	}()

	reload := func(reason string) {
		newBackends, err := loadBackends(cfg)
		if err != nil {
			log.Warn("backend reload failed to read source", "reason", reason, "error", err)
			return
		}
		before := registry.Backends()
		start := time.Now()
		resume := disp.Quiesce()
		err = registry.Reload(newBackends)
		resume()
		m.ReloadCompleted(time.Since(start), err)
		if err != nil {
			log.Warn("backend reload failed", "reason", reason, "error", err)
			return
		}
		for _, old := range before {
			if !containsBackend(newBackends, old) {
				m.RemoveBackend(old.String())
			}
		}
		m.SetBackendCount(registry.Count())
		log.Info("backends reloaded", "reason", reason, "count", registry.Count())
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()

	var cfgWatcher *config.Watcher
	if cfg.Backends.File != "" {
		events := make(chan struct{}, 1)
		if err := backend.WatchFile(watchCtx, cfg.Backends.File, events, log); err != nil {
			log.Warn("backend file watch not available", "error", err)
		} else {
			go func() {
				for range events {
					reload("backend file changed")
				}
			}()
		}
	} else {
		cfgWatcher, err = config.NewWatcher(*configPath, log, func(*config.Config) {
			reload("config file changed")
		})
		if err != nil {
			log.Warn("config hot-reload not available", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range sigCh {
		if sig == syscall.SIGUSR1 || sig == syscall.SIGUSR2 {
			reload("signal " + sig.String())
			continue
		}
		log.Info("received signal, shutting down", "signal", sig.String())
		break
	}

	cancelWatch()
	if cfgWatcher != nil {
		cfgWatcher.Stop()
	}
	srv.Stop(30 * time.Second)
	adminServer.Stop()
	registry.CloseAll()
	if closer, ok := txnIDs.(interface{ Close() error }); ok {
		closer.Close()
	}
	log.Info("fanoutsql stopped")
}

// startPoolStatsLoop periodically reports per-backend pool occupancy to
// Prometheus, modeled on the teacher's periodic pool.Stats reporting loop.
func startPoolStatsLoop(ctx context.Context, registry *backend.Registry, m *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range registry.Snapshot() {
					m.SetBackendPoolUtil(s.Backend.String(), s.ConnsInUse, s.WorkersInUse, s.WorkersExecuting)
				}
			}
		}
	}()
}

func loadBackends(cfg *config.Config) ([]backend.Backend, error) {
	if cfg.Backends.File != "" {
		return backend.ParseFile(cfg.Backends.File)
	}
	return backend.Parse(strings.NewReader(cfg.Backends.Addr))
}

func containsBackend(list []backend.Backend, b backend.Backend) bool {
	for _, x := range list {
		if x.Equal(b) {
			return true
		}
	}
	return false
}

func newTxnIDGenerator(cfg *config.Config) dispatch.TxnIDGenerator {
	if cfg.Dispatch.RedisAddr != "" {
		return dispatch.NewRedisTxnIDGenerator(cfg.Dispatch.RedisAddr, "fanoutsql:txn_id", 500*time.Millisecond)
	}
	return &dispatch.LocalTxnIDGenerator{}
}
