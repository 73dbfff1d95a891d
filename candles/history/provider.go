// Package history fetches historical OHLCV bars used to seed a chart.
package history

import (
	"context"
	"time"

	"github.com/linluma/swapcandles/shared/models"
)

// Query selects bars for one token. Zero From/To leave that end open;
// Limit caps the number of bars returned.
type Query struct {
	Token    string
	Interval models.Interval
	From     time.Time
	To       time.Time
	Limit    int
}

// Provider returns bars in ascending time order
type Provider interface {
	FetchBars(ctx context.Context, q Query) ([]models.Candle, error)
}
