package ohlc

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/linluma/swapcandles/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var solUSDC = models.TokenPair{Base: "SOL", Quote: "USDC"}

func newTestBuilder(t *testing.T, interval models.Interval) (*Builder, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	return NewBuilder(Config{Pair: solUSDC, Interval: interval}, mockClock, nil), mockClock
}

func swap(ts int64, price, volume float64) models.SwapEvent {
	return models.SwapEvent{
		Signature: "sig",
		Timestamp: ts,
		Price:     price,
		Volume:    volume,
		TokenIn:   "SOL",
		TokenOut:  "USDC",
		AmountIn:  volume,
		AmountOut: volume * price,
	}
}

// Test 1: OHLCV calculation with multiple swaps in a single bucket
func TestOHLCVCalculation(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)

	var updates []models.CandleUpdate
	builder.OnUpdate(func(u models.CandleUpdate) { updates = append(updates, u) })

	builder.ProcessEvent(swap(960, 10, 5))
	builder.ProcessEvent(swap(990, 12, 3))
	builder.ProcessEvent(swap(1019, 9, 2))

	candles := builder.CurrentCandles()
	require.Len(t, candles, 1)
	assert.Equal(t, models.Candle{Time: 960, Open: 10, High: 12, Low: 9, Close: 9, Volume: 10}, candles[0])

	require.Len(t, updates, 3)
	assert.True(t, updates[0].IsNewCandle, "first swap should open the candle")
	assert.False(t, updates[1].IsNewCandle)
	assert.False(t, updates[2].IsNewCandle)
	assert.Equal(t, candles[0], updates[2].Candle)
}

// Test 2: Bucket boundaries (swaps at start/end of buckets)
func TestIntervalBoundaryCases(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)

	builder.ProcessEvent(swap(1020, 100, 1)) // exactly at bucket start
	builder.ProcessEvent(swap(1079, 110, 2)) // last second of the bucket
	builder.ProcessEvent(swap(1080, 120, 1)) // next bucket

	candles := builder.CurrentCandles()
	require.Len(t, candles, 2)

	assert.Equal(t, int64(1020), candles[0].Time)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 110.0, candles[0].Close)
	assert.Equal(t, 3.0, candles[0].Volume)

	assert.Equal(t, int64(1080), candles[1].Time)
	assert.Equal(t, 120.0, candles[1].Open)
	assert.Equal(t, 1.0, candles[1].Volume)
}

func TestMillisecondTimestamps(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	builder.ProcessEvent(swap(base.Add(5*time.Second).UnixMilli(), 100, 1))
	builder.ProcessEvent(swap(base.Add(30*time.Second).Unix(), 101, 1))

	candles := builder.CurrentCandles()
	require.Len(t, candles, 1, "seconds and milliseconds from the same minute share a bucket")
	assert.Equal(t, base.Unix(), candles[0].Time)
	assert.Equal(t, 2.0, candles[0].Volume)
}

func TestFoldMatchesExtremes(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval5m)

	prices := []float64{21.5, 19.25, 30, 18, 22.75, 25}
	volumes := []float64{1, 2, 0.5, 4, 3, 1.5}
	for i := range prices {
		builder.ProcessEvent(swap(int64(3000+i*10), prices[i], volumes[i]))
	}

	c, ok := builder.LatestCandle()
	require.True(t, ok)
	assert.Equal(t, 21.5, c.Open)
	assert.Equal(t, 30.0, c.High)
	assert.Equal(t, 18.0, c.Low)
	assert.Equal(t, 25.0, c.Close)
	assert.InDelta(t, 12.0, c.Volume, 1e-9)
	assert.LessOrEqual(t, c.Low, math.Min(c.Open, c.Close))
	assert.GreaterOrEqual(t, c.High, math.Max(c.Open, c.Close))
}

func TestPairOrientation(t *testing.T) {
	forward, _ := newTestBuilder(t, models.Interval1m)
	mirrored, _ := newTestBuilder(t, models.Interval1m)

	forward.ProcessEvent(models.SwapEvent{Timestamp: 600, Price: 150, Volume: 1, TokenIn: "SOL", TokenOut: "USDC"})
	forward.ProcessEvent(models.SwapEvent{Timestamp: 610, Price: 160, Volume: 1, TokenIn: "SOL", TokenOut: "USDC"})

	mirrored.ProcessEvent(models.SwapEvent{Timestamp: 600, Price: 1.0 / 150, Volume: 1, TokenIn: "USDC", TokenOut: "SOL"})
	mirrored.ProcessEvent(models.SwapEvent{Timestamp: 610, Price: 1.0 / 160, Volume: 1, TokenIn: "USDC", TokenOut: "SOL"})

	f := forward.CurrentCandles()
	m := mirrored.CurrentCandles()
	require.Len(t, f, 1)
	require.Len(t, m, 1)
	assert.InDelta(t, f[0].Open, m[0].Open, 1e-9)
	assert.InDelta(t, f[0].High, m[0].High, 1e-9)
	assert.InDelta(t, f[0].Low, m[0].Low, 1e-9)
	assert.InDelta(t, f[0].Close, m[0].Close, 1e-9)
}

func TestIrrelevantAndMalformedSwapsIgnored(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)

	updates := 0
	builder.OnUpdate(func(models.CandleUpdate) { updates++ })

	builder.ProcessEvent(models.SwapEvent{Timestamp: 600, Price: 1, Volume: 1, TokenIn: "BONK", TokenOut: "USDC"})
	builder.ProcessEvent(models.SwapEvent{Timestamp: 600, Price: 0, Volume: 1, TokenIn: "SOL", TokenOut: "USDC"})
	builder.ProcessEvent(models.SwapEvent{Timestamp: 600, Price: math.Inf(1), Volume: 1, TokenIn: "SOL", TokenOut: "USDC"})
	builder.ProcessEvent(models.SwapEvent{Timestamp: 600, Price: math.NaN(), Volume: 1, TokenIn: "USDC", TokenOut: "SOL"})

	assert.Empty(t, builder.CurrentCandles())
	assert.Equal(t, 0, updates)
}

func TestCandlesSortedRegardlessOfArrival(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)

	for _, ts := range []int64{600, 60, 1200, 120, 3600, 0, 540} {
		builder.ProcessEvent(swap(ts, 10, 1))
	}

	candles := builder.CurrentCandles()
	require.Len(t, candles, 7)
	for i := 1; i < len(candles); i++ {
		assert.Less(t, candles[i-1].Time, candles[i].Time)
	}

	latest, ok := builder.LatestCandle()
	require.True(t, ok)
	assert.Equal(t, int64(3600), latest.Time)
}

func TestSnapshotsAreCopies(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)
	builder.ProcessEvent(swap(600, 10, 1))

	snapshot := builder.CurrentCandles()
	snapshot[0].Close = 999

	builder.ProcessEvent(swap(610, 11, 1))
	assert.Equal(t, 999.0, snapshot[0].Close, "snapshot must not follow later swaps")
	assert.Equal(t, 11.0, builder.CurrentCandles()[0].Close)
}

func TestSessionStats(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		builder, _ := newTestBuilder(t, models.Interval1m)
		assert.Equal(t, models.SessionStats{}, builder.SessionStats())
	})

	t.Run("AcrossCandles", func(t *testing.T) {
		builder, _ := newTestBuilder(t, models.Interval1m)
		builder.ProcessEvent(swap(0, 100, 1))
		builder.ProcessEvent(swap(30, 90, 2))
		builder.ProcessEvent(swap(60, 130, 3))
		builder.ProcessEvent(swap(120, 125, 4))

		stats := builder.SessionStats()
		assert.Equal(t, 3, stats.CandleCount)
		assert.Equal(t, 10.0, stats.TotalVolume)
		assert.Equal(t, 25.0, stats.PriceChange)
		assert.InDelta(t, 25.0, stats.PriceChangePercent, 1e-9)
		assert.Equal(t, 130.0, stats.High)
		assert.Equal(t, 90.0, stats.Low)
	})

	t.Run("ZeroOpenFromHistory", func(t *testing.T) {
		builder, _ := newTestBuilder(t, models.Interval1m)
		builder.SetHistoricalData([]models.Candle{{Time: 60, Open: 0, High: 2, Low: 0, Close: 2, Volume: 1}})

		stats := builder.SessionStats()
		assert.Equal(t, 2.0, stats.PriceChange)
		assert.Equal(t, 0.0, stats.PriceChangePercent)
	})
}

func TestRetentionCap(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)

	for i := 0; i < 1500; i++ {
		builder.ProcessEvent(swap(int64(i*60), 10, 1))
	}

	candles := builder.CurrentCandles()
	require.Len(t, candles, DefaultMaxCandles)
	assert.Equal(t, int64(500*60), candles[0].Time, "oldest buckets should be dropped first")
	assert.Equal(t, int64(1499*60), candles[len(candles)-1].Time)
}

func TestRetentionEvictedSwapNotAnnounced(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)
	for i := 1; i <= DefaultMaxCandles; i++ {
		builder.ProcessEvent(swap(int64(i*60), 10, 1))
	}

	var updates []models.CandleUpdate
	builder.OnUpdate(func(u models.CandleUpdate) { updates = append(updates, u) })

	// Older than every held bucket: created and immediately evicted
	builder.ProcessEvent(swap(0, 5, 1))

	assert.Empty(t, updates)
	candles := builder.CurrentCandles()
	require.Len(t, candles, DefaultMaxCandles)
	assert.Equal(t, int64(60), candles[0].Time)
}

func TestUpdatesArriveInApplyOrder(t *testing.T) {
	builder, mockClock := newTestBuilder(t, models.Interval1m)
	now := mockClock.Now().Unix()
	builder.SetHistoricalData([]models.Candle{{Time: now - 60, Open: 1, High: 1, Low: 1, Close: 1}})

	var mu sync.Mutex
	last := make(map[int64]models.Candle)
	builder.OnUpdate(func(u models.CandleUpdate) {
		mu.Lock()
		last[u.Candle.Time] = u.Candle
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			builder.ProcessEvent(swap(now+int64(i%60), float64(2+i), 1))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			builder.GenerateSyntheticCandle(1)
		}
	}()
	wg.Wait()

	// The last update seen for each bucket matches what the builder holds
	for _, c := range builder.CurrentCandles() {
		if c.Time == now-60 {
			continue
		}
		assert.Equal(t, c, last[c.Time])
	}
}

func TestReseedPublishesBeforeLaterUpdates(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)
	builder.ProcessEvent(swap(60, 10, 1))

	var order []string
	builder.OnUpdate(func(models.CandleUpdate) { order = append(order, "update") })

	bars := []models.Candle{{Time: 3600, Open: 4, High: 5, Low: 3, Close: 4.5, Volume: 2}}
	builder.Reseed(models.Interval1h, bars, func(series []models.Candle) {
		order = append(order, "series")
		assert.Equal(t, bars, series)
	})
	builder.ProcessEvent(swap(3700, 6, 1))

	assert.Equal(t, []string{"series", "update"}, order)
	assert.Equal(t, models.Interval1h, builder.Interval())
	candles := builder.CurrentCandles()
	require.Len(t, candles, 1)
	assert.Equal(t, 6.0, candles[0].High)
}

func TestSetIntervalClearsCandles(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)
	for i := 0; i < 5; i++ {
		builder.ProcessEvent(swap(int64(i*60), 10, 1))
	}
	require.Len(t, builder.CurrentCandles(), 5)

	builder.SetInterval(models.Interval1m)
	assert.Len(t, builder.CurrentCandles(), 5, "same interval keeps candles")

	builder.SetInterval(models.Interval5m)
	assert.Empty(t, builder.CurrentCandles())
	assert.Equal(t, models.Interval5m, builder.Interval())

	builder.SetInterval("7m")
	assert.Equal(t, models.Interval5m, builder.Interval(), "unsupported interval is ignored")
}

func TestSetTokenPairKeepsCandles(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)
	builder.ProcessEvent(swap(60, 10, 1))

	builder.SetTokenPair(models.TokenPair{Base: "BONK", Quote: "SOL"})
	assert.Len(t, builder.CurrentCandles(), 1)

	builder.ProcessEvent(swap(120, 10, 1)) // SOL->USDC no longer tracked
	assert.Len(t, builder.CurrentCandles(), 1)

	builder.ProcessEvent(models.SwapEvent{Timestamp: 120, Price: 4, Volume: 1, TokenIn: "SOL", TokenOut: "BONK"})
	latest, ok := builder.LatestCandle()
	require.True(t, ok)
	assert.Equal(t, 0.25, latest.Close, "SOL->BONK runs against BONK-SOL and is inverted")
}

func TestSetHistoricalDataReplaces(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)
	builder.ProcessEvent(swap(60, 10, 1))

	history := []models.Candle{
		{Time: 240, Open: 5, High: 6, Low: 4, Close: 5.5, Volume: 10},
		{Time: 180, Open: 4, High: 5, Low: 3, Close: 5, Volume: 8},
	}
	builder.SetHistoricalData(history)

	candles := builder.CurrentCandles()
	require.Len(t, candles, 2)
	assert.Equal(t, int64(180), candles[0].Time)
	assert.Equal(t, int64(240), candles[1].Time)

	builder.ProcessEvent(swap(250, 7, 2))
	latest, _ := builder.LatestCandle()
	assert.Equal(t, 5.0, latest.Open)
	assert.Equal(t, 7.0, latest.High)
	assert.Equal(t, 12.0, latest.Volume)
}

func TestGenerateSyntheticCandle(t *testing.T) {
	builder, mockClock := newTestBuilder(t, models.Interval1m)

	var updates []models.CandleUpdate
	builder.OnUpdate(func(u models.CandleUpdate) { updates = append(updates, u) })

	assert.True(t, builder.GenerateSyntheticCandle(42))
	assert.False(t, builder.GenerateSyntheticCandle(43), "current bucket already has a candle")

	now := mockClock.Now()
	latest, ok := builder.LatestCandle()
	require.True(t, ok)
	assert.Equal(t, models.Candle{Time: now.Unix(), Open: 42, High: 42, Low: 42, Close: 42}, latest)

	require.Len(t, updates, 1)
	assert.True(t, updates[0].IsNewCandle)

	mockClock.Add(time.Minute)
	assert.True(t, builder.GenerateSyntheticCandle(43))
	assert.Len(t, builder.CurrentCandles(), 2)

	assert.False(t, builder.GenerateSyntheticCandle(0), "non-positive price is rejected")
}

// Test 4: Late swap handling with a bucket-closing limit
func TestHistoricalTradeHandling(t *testing.T) {
	t.Run("DefaultRevisesOldBuckets", func(t *testing.T) {
		builder, _ := newTestBuilder(t, models.Interval1m)
		builder.ProcessEvent(swap(600, 10, 1))
		builder.ProcessEvent(swap(60, 8, 1))

		assert.Len(t, builder.CurrentCandles(), 2)
	})

	t.Run("LateBucketLimit", func(t *testing.T) {
		builder := NewBuilder(Config{Pair: solUSDC, Interval: models.Interval1m, LateBucketLimit: 2}, clock.NewMock(), nil)
		builder.ProcessEvent(swap(600, 10, 1))
		builder.ProcessEvent(swap(480, 9, 1)) // two buckets back, accepted
		builder.ProcessEvent(swap(420, 8, 1)) // three buckets back, dropped

		candles := builder.CurrentCandles()
		require.Len(t, candles, 2)
		assert.Equal(t, int64(480), candles[0].Time)
	})
}

func TestListenerPanicDoesNotEscape(t *testing.T) {
	builder, _ := newTestBuilder(t, models.Interval1m)

	got := 0
	builder.OnUpdate(func(models.CandleUpdate) { panic("listener failure") })
	id := builder.OnUpdate(func(models.CandleUpdate) { got++ })

	assert.NotPanics(t, func() { builder.ProcessEvent(swap(60, 1, 1)) })
	assert.Equal(t, 1, got)

	assert.True(t, builder.RemoveListener(id))
	builder.ProcessEvent(swap(61, 1, 1))
	assert.Equal(t, 1, got)
}
