package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/linluma/swapcandles/shared/config"
	"github.com/linluma/swapcandles/shared/models"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.ParseClientFlags()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chart client",
		zap.String("transport", cfg.Transport),
		zap.String("server", cfg.ServerURL),
		zap.String("grpc_server", cfg.GRPCAddr),
		zap.Duration("duration", cfg.Duration),
		zap.String("format", cfg.Format),
	)

	if err := demoClient(cfg, logger); err != nil {
		logger.Fatal("client failed", zap.Error(err))
	}
	logger.Info("client finished")
}

// frameSource is a connected chart feed
type frameSource interface {
	Connect(ctx context.Context) error
	Frames(ctx context.Context) (<-chan models.Frame, error)
	Close() error
}

// demoClient connects to the chart server and prints frames until done
func demoClient(cfg *config.ClientConfig, logger *zap.Logger) error {
	// Run forever if duration is 0
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if cfg.Duration > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, cfg.Duration)
		defer timeoutCancel()
	}

	var client frameSource = NewChartClient(cfg.ServerURL, logger)
	if cfg.Transport == "grpc" {
		client = NewGRPCChartClient(cfg.GRPCAddr, logger)
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	frames, err := client.Frames(ctx)
	if err != nil {
		return err
	}

	for frame := range frames {
		DisplayFrame(os.Stdout, frame, cfg.Format)
	}

	stats, err := FetchStats(context.Background(), cfg.ServerURL)
	if err != nil {
		logger.Warn("could not fetch session stats", zap.Error(err))
		return nil
	}
	logger.Info("session stats",
		zap.Int("candles", stats.CandleCount),
		zap.Float64("volume", stats.TotalVolume),
		zap.Float64("high", stats.High),
		zap.Float64("low", stats.Low),
		zap.Float64("change_pct", stats.PriceChangePercent),
	)
	return nil
}
