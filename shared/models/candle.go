package models

// Candle represents an OHLCV bar. Time is the bucket start in seconds since epoch.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// CandleUpdate is emitted once per processed event or synthetic candle
type CandleUpdate struct {
	Candle      Candle `json:"candle"`
	IsNewCandle bool   `json:"isNewCandle"`
}

// SessionStats summarizes the candles currently held by a chart
type SessionStats struct {
	TotalVolume        float64 `json:"total_volume"`
	PriceChange        float64 `json:"price_change"`
	PriceChangePercent float64 `json:"price_change_percent"`
	High               float64 `json:"high"`
	Low                float64 `json:"low"`
	CandleCount        int     `json:"candle_count"`
}
