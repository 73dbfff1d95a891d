package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linluma/swapcandles/shared/models"
	"go.uber.org/zap"
)

// ChartClient reads candle frames from the chart server's websocket
type ChartClient struct {
	serverURL string
	conn      *websocket.Conn
	logger    *zap.Logger
}

// NewChartClient creates a new chart client
func NewChartClient(serverURL string, logger *zap.Logger) *ChartClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChartClient{
		serverURL: serverURL,
		logger:    logger,
	}
}

// Connect establishes the websocket connection
func (c *ChartClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.serverURL, err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection
func (c *ChartClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Frames streams decoded frames until the context ends or the server goes away
func (c *ChartClient) Frames(ctx context.Context) (<-chan models.Frame, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	frameCh := make(chan models.Frame)

	// Unblock ReadMessage when the context ends
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()

	go func() {
		defer close(frameCh)
		for {
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("chart stream receive error", zap.Error(err))
				}
				return
			}

			var frame models.Frame
			if err := json.Unmarshal(message, &frame); err != nil {
				c.logger.Debug("skipping malformed frame", zap.Error(err))
				continue
			}

			select {
			case frameCh <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frameCh, nil
}

// DisplayFrame writes a frame in the chosen format
func DisplayFrame(w io.Writer, frame models.Frame, format string) {
	if format == "json" {
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		fmt.Fprintln(w, string(data))
		return
	}

	switch frame.Type {
	case models.FrameSnapshot:
		fmt.Fprintf(w, "📊 %s %s snapshot: %d candles\n", frame.Pair, frame.Interval, len(frame.Candles))
		for _, candle := range frame.Candles {
			DisplayCandle(w, frame.Pair, frame.Interval, candle, false)
		}
	case models.FrameUpdate:
		if frame.Update != nil {
			DisplayCandle(w, frame.Pair, frame.Interval, frame.Update.Candle, frame.Update.IsNewCandle)
		}
	}
}

// DisplayCandle formats and displays a candle
func DisplayCandle(w io.Writer, pair models.TokenPair, interval models.Interval, candle models.Candle, isNew bool) {
	startTime := time.Unix(candle.Time, 0).UTC()
	endTime := startTime.Add(interval.Duration())
	timeRange := fmt.Sprintf("%s-%s", startTime.Format("15:04:05"), endTime.Format("15:04:05"))

	ohlcv := fmt.Sprintf("O:%.6g H:%.6g L:%.6g C:%.6g V:%.4f",
		candle.Open, candle.High, candle.Low, candle.Close, candle.Volume)

	emoji := "🟡" // updating
	if isNew {
		emoji = "🟢" // new bucket
	}

	fmt.Fprintf(w, "%s %s | %s | %s\n", emoji, pair, timeRange, ohlcv)
}

// FetchStats reads session statistics from the chart server's HTTP API
func FetchStats(ctx context.Context, serverURL string) (models.SessionStats, error) {
	var stats models.SessionStats

	base := strings.TrimSuffix(serverURL, "/ws")
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/stats", nil)
	if err != nil {
		return stats, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("stats request failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("failed to decode stats: %w", err)
	}
	return stats, nil
}
