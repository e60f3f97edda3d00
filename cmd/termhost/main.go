// Command termhost runs terminal sessions on behalf of a supervising
// manager, speaking the newline-delimited JSON protocol on stdin and
// stdout. Logs go to stderr only. The process exits 0 on stdin EOF or
// SIGTERM; any other exit tells the supervisor to restart it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/HatcherDX/dx-engine-sub007/internal/backend"
	"github.com/HatcherDX/dx-engine-sub007/internal/host"
	"github.com/HatcherDX/dx-engine-sub007/internal/infrastructure/config"
	"github.com/HatcherDX/dx-engine-sub007/internal/logging"
	"github.com/HatcherDX/dx-engine-sub007/internal/strategy"
)

func main() {
	chunkSize := flag.Int("chunk-size", 0, "Max data payload bytes per message (0 = config default)")
	stormThreshold := flag.Int("storm-threshold", 0, "Consecutive resize sequences before suppression (0 = config default)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *chunkSize > 0 {
		cfg.Host.ChunkSize = *chunkSize
	}
	if *stormThreshold > 0 {
		cfg.Host.StormThreshold = *stormThreshold
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
	log = log.Component("termhost")

	detector := backend.NewDetector()
	caps := detector.Detect()
	log.Info("backend detected",
		zap.String("backend", string(caps.Backend)),
		zap.String("reliability", string(caps.Reliability)))

	h := host.New(
		strategy.NewFactory(detector),
		os.Stdin,
		os.Stdout,
		log,
		host.Config{
			ChunkSize:      cfg.Host.ChunkSize,
			StormThreshold: cfg.Host.StormThreshold,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Run(ctx); err != nil {
		log.Error("host loop failed", zap.Error(err))
		os.Exit(1)
	}
}
