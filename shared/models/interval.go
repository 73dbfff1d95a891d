package models

import (
	"fmt"
	"time"
)

// Interval is a candle bucket width
type Interval string

// Supported intervals
const (
	Interval1s  Interval = "1s"
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1s:  time.Second,
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
	Interval1M:  30 * 24 * time.Hour, // fixed 30 day month
}

// Intervals lists every supported interval from narrowest to widest
func Intervals() []Interval {
	return []Interval{
		Interval1s, Interval1m, Interval5m, Interval15m,
		Interval1h, Interval4h, Interval1d, Interval1w, Interval1M,
	}
}

// ParseInterval validates an interval string
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Duration returns the bucket width, or zero for an unknown interval
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Valid reports whether i is one of the supported intervals
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}
