package models

import (
	"errors"
	"time"
)

// Granularity is the fixed bucket width of a rollup.
type Granularity string

const (
	GranularityRaw    Granularity = "raw"
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

var ErrUnknownGranularity = errors.New("unknown rollup granularity")

// Duration returns the bucket width. Raw has no bucket width.
func (g Granularity) Duration() (time.Duration, error) {
	switch g {
	case GranularityMinute:
		return time.Minute, nil
	case GranularityHour:
		return time.Hour, nil
	case GranularityDay:
		return 24 * time.Hour, nil
	default:
		return 0, ErrUnknownGranularity
	}
}

// Valid reports whether g names a supported query resolution.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityRaw, GranularityMinute, GranularityHour, GranularityDay:
		return true
	default:
		return false
	}
}

// RollupBucket is a precomputed aggregate over one bucket of a series,
// updated incrementally as samples land in its interval.
type RollupBucket struct {
	DeviceID    string      `json:"device_id"`
	MetricKey   string      `json:"metric_key"`
	BucketStart time.Time   `json:"bucket_start"`
	Granularity Granularity `json:"granularity"`
	Sum         float64     `json:"sum"`
	Count       int64       `json:"count"`
	Min         float64     `json:"min"`
	Max         float64     `json:"max"`
}

// Mean returns the bucket average, or 0 for an empty bucket.
func (b *RollupBucket) Mean() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.Sum / float64(b.Count)
}

// BucketStart truncates ts down to the start of its bucket.
func BucketStart(ts time.Time, g Granularity) (time.Time, error) {
	d, err := g.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC().Truncate(d), nil
}

// Point is one element of a queried series: either a raw sample or a
// rollup bucket collapsed to its mean.
type Point struct {
	DeviceID  string    `json:"device_id"`
	MetricKey string    `json:"metric_key"`
	Timestamp time.Time `json:"t"`
	Value     float64   `json:"value"`
	Min       float64   `json:"min,omitempty"`
	Max       float64   `json:"max,omitempty"`
	Count     int64     `json:"count,omitempty"`
}

// DailySummary is one day of aggregated energy for a site.
type DailySummary struct {
	Date   string    `json:"date"` // YYYY-MM-DD
	SiteID string    `json:"site_id"`
	KWh    float64   `json:"kwh"`
	PeakW  float64   `json:"peak_w"`
	PeakTs time.Time `json:"peak_ts"`
}
