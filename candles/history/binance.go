package history

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v4"
	"github.com/linluma/swapcandles/shared/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxKlinesPerRequest = 1000
	codeTooManyRequests = -1003
)

// ErrUnsupportedInterval is returned for intervals the exchange does not serve
var ErrUnsupportedInterval = errors.New("interval not supported by provider")

// BinanceConfig holds configuration for the Binance kline provider
type BinanceConfig struct {
	BaseURL    string // empty uses the production endpoint
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// BinanceProvider fetches historical bars from Binance spot klines
type BinanceProvider struct {
	client     *binance.Client
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewBinanceProvider creates a provider for public kline data
func NewBinanceProvider(cfg BinanceConfig) *BinanceProvider {
	client := binance.NewClient("", "")
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &BinanceProvider{
		client:     client,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
	}
}

// FetchBars fetches klines for q.Token (an exchange symbol such as SOLUSDT)
func (p *BinanceProvider) FetchBars(ctx context.Context, q Query) ([]models.Candle, error) {
	if !q.Interval.Valid() || !epochAligned(q.Interval) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedInterval, q.Interval)
	}

	svc := p.client.NewKlinesService().Symbol(q.Token).Interval(string(q.Interval))
	if !q.From.IsZero() {
		svc = svc.StartTime(q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		svc = svc.EndTime(q.To.UnixMilli())
	}
	if q.Limit > 0 {
		svc = svc.Limit(min(q.Limit, maxKlinesPerRequest))
	}

	var klines []*binance.Kline
	operation := func() error {
		var err error
		klines, err = svc.Do(ctx)
		if err == nil {
			return nil
		}
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code != codeTooManyRequests {
			// The exchange rejected the request; retrying will not help
			return backoff.Permanent(err)
		}
		return err
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = p.retryDelay
	strategy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(p.maxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		p.logger.Warn("kline fetch failed, retrying",
			zap.String("symbol", q.Token),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", q.Token, err)
	}

	bars := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		bar, err := klineToCandle(k)
		if err != nil {
			p.logger.Debug("skipping malformed kline", zap.Int64("open_time", k.OpenTime), zap.Error(err))
			continue
		}
		bars = append(bars, bar)
	}
	slices.SortFunc(bars, func(a, b models.Candle) int {
		return cmp.Compare(a.Time, b.Time)
	})

	p.logger.Info("historical bars fetched",
		zap.String("symbol", q.Token),
		zap.String("interval", string(q.Interval)),
		zap.Int("count", len(bars)),
	)
	return bars, nil
}

// epochAligned reports whether Binance opens bars for interval on multiples
// of its width since the epoch. Weekly bars open on Mondays and monthly bars
// on calendar months, which the builder's buckets do not follow.
func epochAligned(interval models.Interval) bool {
	return interval != models.Interval1w && interval != models.Interval1M
}

func klineToCandle(k *binance.Kline) (models.Candle, error) {
	fields := []struct {
		name string
		raw  string
	}{
		{"open", k.Open}, {"high", k.High}, {"low", k.Low}, {"close", k.Close}, {"volume", k.Volume},
	}

	values := make([]float64, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return models.Candle{}, fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		values[i] = d.InexactFloat64()
	}

	return models.Candle{
		Time:   k.OpenTime / 1000,
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}, nil
}
