package ohlc

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/linluma/swapcandles/shared/models"
	"github.com/linluma/swapcandles/shared/notify"
	"go.uber.org/zap"
)

const (
	// DefaultMaxCandles caps how many buckets a builder keeps
	DefaultMaxCandles = 1000

	// Timestamps below this are taken to be seconds, everything else milliseconds.
	// Wrong for seconds past year 33658 and milliseconds before March 1973.
	secondsThreshold = 1_000_000_000_000
)

// Config holds builder settings
type Config struct {
	Pair     models.TokenPair
	Interval models.Interval

	// MaxCandles defaults to DefaultMaxCandles when zero
	MaxCandles int

	// LateBucketLimit drops events whose bucket is more than this many buckets
	// behind the newest candle. Zero accepts late events into any bucket.
	LateBucketLimit int
}

// Builder folds swap events into time-bucketed candles for one token pair
type Builder struct {
	clock  clock.Clock
	logger *zap.Logger

	mu              sync.Mutex
	pair            models.TokenPair
	interval        models.Interval
	maxCandles      int
	lateBucketLimit int
	candles         map[int64]*models.Candle // key: bucket start in seconds

	// emitMu keeps updates in the order they were applied
	emitMu  sync.Mutex
	updates *notify.Listeners[models.CandleUpdate]
}

// NewBuilder creates a new OHLC builder
func NewBuilder(cfg Config, clk clock.Clock, logger *zap.Logger) *Builder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Interval.Valid() {
		cfg.Interval = models.Interval1m
	}
	if cfg.MaxCandles <= 0 {
		cfg.MaxCandles = DefaultMaxCandles
	}

	return &Builder{
		clock:           clk,
		logger:          logger,
		pair:            cfg.Pair,
		interval:        cfg.Interval,
		maxCandles:      cfg.MaxCandles,
		lateBucketLimit: cfg.LateBucketLimit,
		candles:         make(map[int64]*models.Candle),
		updates:         notify.New[models.CandleUpdate]("candle-update", logger),
	}
}

// OnUpdate registers a listener for candle updates. Listeners run while
// emission is serialized and must not feed events back into the builder.
func (b *Builder) OnUpdate(fn func(models.CandleUpdate)) uuid.UUID {
	return b.updates.Add(fn)
}

// RemoveListener unregisters an update listener
func (b *Builder) RemoveListener(id uuid.UUID) bool {
	return b.updates.Remove(id)
}

// SetHistoricalData replaces every candle with the given bars
func (b *Builder) SetHistoricalData(bars []models.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.candles = make(map[int64]*models.Candle, len(bars))
	for _, bar := range bars {
		c := bar
		b.candles[bar.Time] = &c
	}
	b.enforceRetention()

	b.logger.Debug("historical candles loaded", zap.Int("count", len(b.candles)))
}

// ProcessEvent folds a swap into its bucket. Events for other pairs and events
// without a usable price are dropped without error.
func (b *Builder) ProcessEvent(event models.SwapEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("swap event processing panicked",
				zap.String("signature", event.Signature),
				zap.Any("panic", r),
			)
		}
	}()

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	update, ok := b.apply(event)
	if !ok {
		return
	}
	b.updates.Emit(update)
}

func (b *Builder) apply(event models.SwapEvent) (models.CandleUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.pair.Matches(event.TokenIn, event.TokenOut) {
		return models.CandleUpdate{}, false
	}

	price := event.Price
	if b.pair.Reversed(event.TokenIn, event.TokenOut) && price != 0 {
		price = 1 / price
	}
	if !validPrice(price) {
		b.logger.Debug("dropping swap with unusable price",
			zap.String("signature", event.Signature),
			zap.Float64("price", event.Price),
		)
		return models.CandleUpdate{}, false
	}

	volume := event.Volume
	if math.IsNaN(volume) || math.IsInf(volume, 0) || volume < 0 {
		volume = 0
	}

	key := b.bucketKey(event.Timestamp)
	if b.isLate(key) {
		b.logger.Debug("dropping late swap",
			zap.String("signature", event.Signature),
			zap.Int64("bucket", key),
		)
		return models.CandleUpdate{}, false
	}

	if c, exists := b.candles[key]; exists {
		c.High = math.Max(c.High, price)
		c.Low = math.Min(c.Low, price)
		c.Close = price
		c.Volume += volume
		return models.CandleUpdate{Candle: *c}, true
	}

	c := &models.Candle{
		Time:   key,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: volume,
	}
	b.candles[key] = c
	b.enforceRetention()
	if _, kept := b.candles[key]; !kept {
		// Older than everything retained
		return models.CandleUpdate{}, false
	}

	return models.CandleUpdate{Candle: *c, IsNewCandle: true}, true
}

// CurrentCandles returns a copy of all candles in ascending time order
func (b *Builder) CurrentCandles() []models.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedLocked()
}

// LatestCandle returns the candle with the newest bucket
func (b *Builder) LatestCandle() (models.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var latest *models.Candle
	for _, c := range b.candles {
		if latest == nil || c.Time > latest.Time {
			latest = c
		}
	}
	if latest == nil {
		return models.Candle{}, false
	}
	return *latest, true
}

// GenerateSyntheticCandle adds a flat zero-volume candle for the current bucket
// if nothing has traded in it yet. It reports whether a candle was created.
func (b *Builder) GenerateSyntheticCandle(lastPrice float64) bool {
	if !validPrice(lastPrice) {
		return false
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	key := b.bucketKey(b.clock.Now().UnixMilli())
	if _, exists := b.candles[key]; exists {
		b.mu.Unlock()
		return false
	}
	c := &models.Candle{
		Time:  key,
		Open:  lastPrice,
		High:  lastPrice,
		Low:   lastPrice,
		Close: lastPrice,
	}
	b.candles[key] = c
	b.enforceRetention()
	if _, kept := b.candles[key]; !kept {
		b.mu.Unlock()
		return false
	}
	update := models.CandleUpdate{Candle: *c, IsNewCandle: true}
	b.mu.Unlock()

	b.updates.Emit(update)
	return true
}

// SetTokenPair changes which swaps are accepted. Existing candles are kept.
func (b *Builder) SetTokenPair(pair models.TokenPair) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pair = pair
}

// TokenPair returns the tracked pair
func (b *Builder) TokenPair() models.TokenPair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pair
}

// SetInterval changes the bucket width and drops every candle, since buckets
// of different widths cannot be mixed. Setting the current interval is a no-op.
func (b *Builder) SetInterval(interval models.Interval) {
	if !interval.Valid() {
		b.logger.Warn("ignoring unsupported interval", zap.String("interval", string(interval)))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if interval == b.interval {
		return
	}
	b.interval = interval
	b.candles = make(map[int64]*models.Candle)
}

// Reseed switches to interval, replaces every candle with bars and hands the
// resulting series to publish before any later update is emitted.
func (b *Builder) Reseed(interval models.Interval, bars []models.Candle, publish func([]models.Candle)) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if interval.Valid() {
		b.interval = interval
	}
	b.candles = make(map[int64]*models.Candle, len(bars))
	for _, bar := range bars {
		c := bar
		b.candles[bar.Time] = &c
	}
	b.enforceRetention()
	series := b.sortedLocked()
	b.mu.Unlock()

	if publish != nil {
		publish(series)
	}
}

// Interval returns the active bucket width
func (b *Builder) Interval() models.Interval {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

// SessionStats summarizes all held candles. Empty builders return zero stats.
func (b *Builder) SessionStats() models.SessionStats {
	b.mu.Lock()
	candles := b.sortedLocked()
	b.mu.Unlock()

	if len(candles) == 0 {
		return models.SessionStats{}
	}

	first, last := candles[0], candles[len(candles)-1]
	stats := models.SessionStats{
		PriceChange: last.Close - first.Open,
		High:        first.High,
		Low:         first.Low,
		CandleCount: len(candles),
	}
	for _, c := range candles {
		stats.TotalVolume += c.Volume
		stats.High = math.Max(stats.High, c.High)
		stats.Low = math.Min(stats.Low, c.Low)
	}
	if first.Open != 0 {
		stats.PriceChangePercent = stats.PriceChange / first.Open * 100
	}
	return stats
}

// bucketKey maps a raw timestamp to its bucket start in seconds
func (b *Builder) bucketKey(ts int64) int64 {
	ms := ts
	if ms < secondsThreshold {
		ms *= 1000
	}
	width := b.interval.Duration().Milliseconds()
	bucket := ms - ms%width
	if ms < 0 && ms%width != 0 {
		bucket -= width
	}
	return bucket / 1000
}

func (b *Builder) isLate(key int64) bool {
	if b.lateBucketLimit <= 0 || len(b.candles) == 0 {
		return false
	}
	var newest int64 = math.MinInt64
	for k := range b.candles {
		if k > newest {
			newest = k
		}
	}
	widthSec := int64(b.interval.Duration() / time.Second)
	return newest-key > int64(b.lateBucketLimit)*widthSec
}

// enforceRetention drops the oldest buckets until the cap holds
func (b *Builder) enforceRetention() {
	excess := len(b.candles) - b.maxCandles
	if excess <= 0 {
		return
	}

	keys := make([]int64, 0, len(b.candles))
	for k := range b.candles {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys[:excess] {
		delete(b.candles, k)
	}
}

func (b *Builder) sortedLocked() []models.Candle {
	out := make([]models.Candle, 0, len(b.candles))
	for _, c := range b.candles {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(x, y models.Candle) int {
		return cmp.Compare(x.Time, y.Time)
	})
	return out
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
