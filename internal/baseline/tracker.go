// Package baseline maintains exponentially-weighted mean/variance
// estimates per device metric series.
package baseline

import (
	"math"
	"sync"
	"time"

	"wattboard/internal/metrics"
	"wattboard/internal/models"
)

// Config holds the tracker tunables.
type Config struct {
	// Alpha is the exponential weight of each new sample.
	Alpha float64

	// WarmUpThreshold is the sample count below which a series is
	// considered cold and detection is suppressed.
	WarmUpThreshold int
}

// DefaultConfig returns an alpha of 0.02, roughly a one-hour half-life
// at one sample per minute, and a 30-sample warm-up.
func DefaultConfig() Config {
	return Config{Alpha: 0.02, WarmUpThreshold: 30}
}

// Fold applies one sample to a baseline and returns the updated copy.
// Pure function of prior state and the new value: replaying the same
// ordered sequence from a cold baseline always yields the same
// trajectory.
func Fold(b models.Baseline, cfg Config, value float64, ts time.Time) models.Baseline {
	delta := value - b.Mu
	b.Mu += cfg.Alpha * delta
	variance := (1 - cfg.Alpha) * (b.Sigma*b.Sigma + cfg.Alpha*delta*delta)
	b.Sigma = math.Sqrt(variance)
	b.SampleCount++
	b.UpdatedAt = ts
	return b
}

// Tracker holds the per-series baseline states. Callers must apply
// samples for the same series in timestamp order; series are
// independent.
type Tracker struct {
	cfg Config

	mu     sync.RWMutex
	states map[string]models.Baseline
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:    cfg,
		states: make(map[string]models.Baseline),
	}
}

// Update folds one sample into its series baseline and returns the
// post-update snapshot.
func (t *Tracker) Update(sample *models.Sample) models.Baseline {
	key := sample.SeriesKey()

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.states[key]
	if !ok {
		b = models.Baseline{DeviceID: sample.DeviceID, MetricKey: sample.MetricKey}
	}
	wasCold := !b.Warm(t.cfg.WarmUpThreshold)
	b = Fold(b, t.cfg, sample.Value, sample.Timestamp)
	if wasCold && b.Warm(t.cfg.WarmUpThreshold) {
		metrics.BaselinesWarmedTotal.Inc()
	}
	t.states[key] = b
	return b
}

// Get returns the current baseline snapshot for a series. The second
// return is false for a series that has never reported; a returned
// baseline may still be cold, which callers check with Warm.
func (t *Tracker) Get(deviceID, metricKey string) (models.Baseline, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.states[deviceID+"/"+metricKey]
	return b, ok
}

// Seed installs a baseline state directly, used to restore persisted
// state and to warm series in tests.
func (t *Tracker) Seed(b models.Baseline) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[b.DeviceID+"/"+b.MetricKey] = b
}

// Warm reports whether a series has passed warm-up.
func (t *Tracker) Warm(deviceID, metricKey string) bool {
	b, ok := t.Get(deviceID, metricKey)
	return ok && b.Warm(t.cfg.WarmUpThreshold)
}
