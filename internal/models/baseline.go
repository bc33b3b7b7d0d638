package models

import "time"

// Baseline is the rolling mean/variance estimate for one device metric
// series. It is the reference a sample's deviation is scored against.
type Baseline struct {
	DeviceID  string `json:"device_id"`
	MetricKey string `json:"metric_key"`

	// Exponentially-weighted mean
	Mu float64 `json:"mu"`

	// Exponentially-weighted standard deviation, always >= 0
	Sigma float64 `json:"sigma"`

	// Number of samples folded in so far
	SampleCount int `json:"sample_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Warm reports whether the baseline has seen enough samples to be usable.
func (b *Baseline) Warm(warmUpThreshold int) bool {
	return b.SampleCount >= warmUpThreshold
}
