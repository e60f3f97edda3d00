// Command termserver supervises a termhost child process and exposes
// its terminal sessions over HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/infrastructure/config"
	"github.com/HatcherDX/dx-engine-sub007/internal/infrastructure/monitoring"
	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/manager"
	"github.com/HatcherDX/dx-engine-sub007/internal/monitor"
	"github.com/HatcherDX/dx-engine-sub007/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	port := flag.String("port", "", "Server port (overrides PORT)")
	hostBinary := flag.String("host-binary", "", "Path to the termhost executable (overrides TERMHOST_PATH)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *hostBinary != "" {
		cfg.Host.BinaryPath = *hostBinary
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		log = logging.NewDefault()
	}
	defer log.Sync()

	metrics := monitoring.NewMetrics()

	mon := monitor.New(monitor.Config{
		SampleInterval: cfg.Monitor.SampleInterval,
		MaxHistory:     cfg.Monitor.MaxHistory,
		MaxAlerts:      cfg.Monitor.MaxAlerts,
	}, log, metrics)
	defer mon.Stop()

	mgr := manager.New(manager.Config{
		HostBinary:   cfg.Host.BinaryPath,
		RestartDelay: cfg.Host.RestartDelay,
	}, log, mon)
	if err := mgr.Start(); err != nil {
		log.Fatal("failed to start terminal host", zap.Error(err))
	}
	defer mgr.Destroy()

	unsubscribe := mgr.Subscribe(func(evt manager.Event) {
		switch e := evt.(type) {
		case manager.HostRestarting:
			metrics.IncHostRestarts()
			log.Warn("host restarting", zap.Int("exitCode", e.ExitCode))
		case manager.TerminalCreated:
			metrics.IncTerminalsTotal()
		case manager.TerminalData:
			metrics.RecordDataChunk(len(e.Data))
		case manager.TerminalStorm:
			metrics.IncStormsSuppressed()
			log.Warn("terminal output storm suppressed", zap.String("id", e.ID))
		}
		metrics.SetTerminalsActive(len(mgr.Terminals()))
	})
	defer unsubscribe()

	srv := server.New(server.Config{
		Port:             cfg.Server.Port,
		Host:             cfg.Server.Host,
		RateLimitEnabled: cfg.Server.RateLimitEnabled,
		RequestsPerSec:   cfg.Server.RequestsPerSecond,
		Burst:            cfg.Server.Burst,
	}, mgr, log, metrics)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
	case err := <-errChan:
		if err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}
}
