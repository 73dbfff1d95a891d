package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/swapcandles/candles/aggregator"
	"github.com/linluma/swapcandles/candles/history"
	"github.com/linluma/swapcandles/candles/ohlc"
	"github.com/linluma/swapcandles/candles/server"
	"github.com/linluma/swapcandles/candles/stream"
	"github.com/linluma/swapcandles/shared/config"
	"github.com/linluma/swapcandles/shared/models"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.ParseCandlesFlags()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting candles service",
		zap.String("provider", string(cfg.Provider)),
		zap.String("pair", cfg.Pair.String()),
		zap.String("interval", string(cfg.Interval)),
		zap.Strings("topics", cfg.Topics),
		zap.String("listen", cfg.ListenAddr),
		zap.String("grpc_listen", cfg.GRPCAddr),
	)

	realClock := clock.New()

	// Swap stream
	feed := stream.New(cfg.StreamURL, newDecoder(cfg.Provider), realClock, logger.Named("stream"))
	feed.SetRetryConfig(stream.RetryConfig{
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: 2.0,
		Jitter:        true,
	})
	feed.OnConnectionStatus(func(connected bool) {
		logger.Info("stream connection status", zap.Bool("connected", connected))
	})
	feed.OnError(func(err error) {
		if errors.Is(err, stream.ErrMaxReconnectAttempts) {
			logger.Error("stream gave up reconnecting", zap.Error(err))
			return
		}
		logger.Warn("stream error", zap.Error(err))
	})

	// OHLC builder
	builder := ohlc.NewBuilder(ohlc.Config{
		Pair:            cfg.Pair,
		Interval:        cfg.Interval,
		LateBucketLimit: cfg.LateBuckets,
	}, realClock, logger.Named("ohlc"))

	// Chart surface
	chart := server.NewChartServer(cfg.ListenAddr, builder, logger.Named("chart"))
	go func() {
		if err := chart.Start(); err != nil {
			logger.Error("chart server error", zap.Error(err))
		}
	}()

	surfaces := aggregator.Surfaces{chart}
	var grpcChart *server.GRPCChartServer
	if cfg.GRPCAddr != "" {
		grpcChart = server.NewGRPCChartServer(cfg.GRPCAddr, builder, logger.Named("grpc"))
		surfaces = append(surfaces, grpcChart)
		go func() {
			if err := grpcChart.Start(); err != nil {
				logger.Error("gRPC chart server error", zap.Error(err))
			}
		}()
	}

	var provider history.Provider
	if cfg.HistorySymbol != "" {
		provider = history.NewBinanceProvider(history.BinanceConfig{Logger: logger.Named("history")})
	}

	consolidator := aggregator.NewConsolidator(aggregator.Config{
		HistorySymbol: cfg.HistorySymbol,
		Lookback:      cfg.Lookback,
		Heartbeat:     cfg.Heartbeat,
	}, builder, feed, provider, surfaces, realClock, logger.Named("aggregator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := consolidator.Start(ctx); err != nil {
		logger.Fatal("failed to start consolidator", zap.Error(err))
	}

	for _, topic := range cfg.Topics {
		if err := feed.Subscribe(topic); err != nil {
			logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	if err := feed.Connect(ctx); err != nil {
		// The stream keeps retrying on its own
		logger.Warn("initial connect failed", zap.Error(err))
	}

	// Log system status
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				health := feed.GetConnectionHealth()
				stats := builder.SessionStats()
				logger.Info("system status",
					zap.String("stream", health.State.String()),
					zap.Int("failures", health.FailureCount),
					zap.Int("candles", stats.CandleCount),
					zap.Float64("volume", stats.TotalVolume),
					zap.Float64("change_pct", stats.PriceChangePercent),
					zap.Int("clients", chart.ClientCount()),
				)
			case <-ctx.Done():
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	consolidator.Stop()
	if err := feed.Disconnect(); err != nil {
		logger.Warn("error disconnecting stream", zap.Error(err))
	}

	if grpcChart != nil {
		grpcChart.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := chart.Shutdown(shutdownCtx); err != nil {
		logger.Warn("chart server shutdown", zap.Error(err))
	}

	logger.Info("candles service stopped")
}

func newDecoder(provider models.ProviderName) stream.Decoder {
	if provider == models.ProviderBirdeye {
		return stream.NewBirdeyeDecoder()
	}
	return stream.NewDeltaDecoder()
}

func newLogger(cfg *config.CandlesConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
