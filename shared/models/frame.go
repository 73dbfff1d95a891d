package models

// Frame types sent to chart clients
const (
	FrameSnapshot = "snapshot"
	FrameUpdate   = "update"
)

// Frame is one chart feed message. Snapshots replace the whole series;
// updates upsert the most recent bar.
type Frame struct {
	Type     string        `json:"type"`
	Pair     TokenPair     `json:"pair"`
	Interval Interval      `json:"interval"`
	Candles  []Candle      `json:"candles,omitempty"`
	Update   *CandleUpdate `json:"update,omitempty"`
}
