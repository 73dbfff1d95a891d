package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/linluma/swapcandles/candles/history"
	"github.com/linluma/swapcandles/candles/ohlc"
	"github.com/linluma/swapcandles/shared/models"
	"go.uber.org/zap"
)

// SwapFeed delivers canonical swap events
type SwapFeed interface {
	OnSwap(fn func(models.SwapEvent)) uuid.UUID
	RemoveListener(id uuid.UUID) bool
}

// Surface renders candles
type Surface interface {
	SetData(candles []models.Candle)
	Update(update models.CandleUpdate)
}

// Surfaces fans candle data out to several surfaces in order
type Surfaces []Surface

func (s Surfaces) SetData(candles []models.Candle) {
	for _, surface := range s {
		surface.SetData(candles)
	}
}

func (s Surfaces) Update(update models.CandleUpdate) {
	for _, surface := range s {
		surface.Update(update)
	}
}

// Config holds consolidator settings
type Config struct {
	// HistorySymbol is the provider's identifier for the charted token.
	// Empty skips the historical seed.
	HistorySymbol string

	// Lookback is how many historical bars to seed with
	Lookback int

	// Heartbeat is how often a quiet bucket gets a synthetic candle
	Heartbeat time.Duration
}

// Consolidator feeds swaps from a stream into a builder and pushes the
// resulting candles to a rendering surface
type Consolidator struct {
	cfg      Config
	builder  *ohlc.Builder
	feed     SwapFeed
	provider history.Provider
	surface  Surface
	clock    clock.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	listeners []uuid.UUID
	feedID    uuid.UUID
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewConsolidator creates a new consolidator. provider may be nil.
func NewConsolidator(cfg Config, builder *ohlc.Builder, feed SwapFeed, provider history.Provider,
	surface Surface, clk clock.Clock, logger *zap.Logger) *Consolidator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 500
	}

	return &Consolidator{
		cfg:      cfg,
		builder:  builder,
		feed:     feed,
		provider: provider,
		surface:  surface,
		clock:    clk,
		logger:   logger,
	}
}

// Start seeds history, wires the feed and begins the heartbeat
func (c *Consolidator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("consolidator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	bars, err := c.fetch(ctx, c.builder.Interval())
	if err != nil {
		// A chart without history still fills in from live swaps
		c.logger.Warn("historical seed failed", zap.Error(err))
	}
	if err != nil || bars == nil {
		bars = c.builder.CurrentCandles()
	}
	c.builder.Reseed(c.builder.Interval(), bars, c.surface.SetData)

	c.mu.Lock()
	c.listeners = append(c.listeners, c.builder.OnUpdate(c.surface.Update))
	c.feedID = c.feed.OnSwap(c.builder.ProcessEvent)
	c.mu.Unlock()

	go c.heartbeat(runCtx, c.clock.Ticker(c.cfg.Heartbeat), c.done)

	c.logger.Info("consolidator started",
		zap.String("pair", c.builder.TokenPair().String()),
		zap.String("interval", string(c.builder.Interval())),
	)
	return nil
}

// Stop unhooks the feed and stops the heartbeat
func (c *Consolidator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	listeners := c.listeners
	c.listeners = nil
	feedID := c.feedID
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	c.feed.RemoveListener(feedID)
	for _, id := range listeners {
		c.builder.RemoveListener(id)
	}
	cancel()
	<-done
	c.logger.Info("consolidator stopped")
}

// ChangeInterval switches the bucket width, reseeds history and
// resends the full series. Swaps folded after the switch are kept.
func (c *Consolidator) ChangeInterval(ctx context.Context, interval models.Interval) error {
	if !interval.Valid() {
		return fmt.Errorf("unsupported interval %q", interval)
	}
	bars, err := c.fetch(ctx, interval)
	if err != nil {
		c.logger.Warn("historical seed failed", zap.Error(err))
	}
	c.builder.Reseed(interval, bars, c.surface.SetData)
	return nil
}

// ChangePair retargets future swaps to a new pair; existing candles stay
func (c *Consolidator) ChangePair(pair models.TokenPair) {
	c.builder.SetTokenPair(pair)
}

// fetch loads history for interval; no provider means no history
func (c *Consolidator) fetch(ctx context.Context, interval models.Interval) ([]models.Candle, error) {
	if c.provider == nil || c.cfg.HistorySymbol == "" {
		return nil, nil
	}

	return c.provider.FetchBars(ctx, history.Query{
		Token:    c.cfg.HistorySymbol,
		Interval: interval,
		To:       c.clock.Now(),
		Limit:    c.cfg.Lookback,
	})
}

// heartbeat keeps the latest bucket populated while no swaps arrive
func (c *Consolidator) heartbeat(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			latest, ok := c.builder.LatestCandle()
			if !ok {
				continue
			}
			if c.builder.GenerateSyntheticCandle(latest.Close) {
				c.logger.Debug("synthetic candle generated", zap.Float64("price", latest.Close))
			}
		case <-ctx.Done():
			return
		}
	}
}
