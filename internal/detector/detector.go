// Package detector turns z-scored samples into spike/sag event
// intervals with an Idle/Open state machine per device metric series.
package detector

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wattboard/internal/logger"
	"wattboard/internal/metrics"
	"wattboard/internal/models"
)

// z-scores are capped so a near-zero sigma cannot produce a
// non-finite score.
const (
	minSigma = 1e-6
	maxZ     = 1e6
)

// Config holds the state machine tunables.
type Config struct {
	// ZOpen is the |z| threshold that opens an event.
	ZOpen float64

	// ZClose is the |z| threshold below which an open event starts
	// its close countdown. Kept below ZOpen so events do not flap.
	ZClose float64

	// GracePeriod is how long |z| must stay below ZClose before an
	// open event closes.
	GracePeriod time.Duration

	// SilenceTimeout force-closes an open event when the device stops
	// reporting, measured against wall clock by Sweep.
	SilenceTimeout time.Duration

	// LatenessWindow bounds how far behind the event frontier a late
	// sample may still contribute to an open event's extremes.
	LatenessWindow time.Duration

	// WarmUpThreshold mirrors the baseline warm-up: cold series are
	// never scored.
	WarmUpThreshold int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ZOpen:           3.0,
		ZClose:          2.0,
		GracePeriod:     60 * time.Second,
		SilenceTimeout:  5 * time.Minute,
		LatenessWindow:  5 * time.Minute,
		WarmUpThreshold: 30,
	}
}

// EventStore persists event rows. Satisfied by *storage.Storage.
type EventStore interface {
	InsertEvent(e *models.Event) error
	UpdateEvent(e *models.Event) error
}

type seriesState struct {
	event *models.Event

	// frontier is the latest anomalous sample timestamp seen for the
	// open event; it never moves backward.
	frontier time.Time

	// belowSince marks when |z| first dropped under ZClose while the
	// event was open; zero while the series is still anomalous.
	belowSince time.Time

	// lastArrival is the wall-clock time the series last reported,
	// used by the silence sweep.
	lastArrival time.Time
}

// Detector owns the event lifecycle for the series routed to it.
// Samples for the same series must be delivered in order; different
// Detector instances never share series.
type Detector struct {
	cfg   Config
	store EventStore
	site  func(deviceID string) string
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.Mutex
	states map[string]*seriesState
}

// New creates a detector. site resolves a device to its owning site
// for event attribution; a nil resolver stamps events with an empty
// site.
func New(cfg Config, store EventStore, site func(deviceID string) string) *Detector {
	if site == nil {
		site = func(string) string { return "" }
	}
	return &Detector{
		cfg:    cfg,
		store:  store,
		site:   site,
		log:    logger.WithComponent("detector"),
		now:    time.Now,
		states: make(map[string]*seriesState),
	}
}

// Recover seeds the state map from events that were open when the
// process last stopped, so the single-open-event invariant survives a
// restart instead of double-opening on the next anomalous sample.
func (d *Detector) Recover(events []models.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range events {
		e := events[i]
		if !e.Open() || len(e.DeviceIDs) == 0 {
			continue
		}
		key := e.DeviceIDs[0] + "/" + e.MetricKey
		d.states[key] = &seriesState{
			event:       &e,
			frontier:    e.StartTs,
			lastArrival: d.now(),
		}
		metrics.OpenEvents.Inc()
	}
	if len(events) > 0 {
		d.log.Info().Int("recovered", len(events)).Msg("restored open events")
	}
}

// OnSample scores one sample against the baseline snapshot taken
// before the tracker folded it in, and advances the series state
// machine. It returns the affected event, or nil when the series is
// cold or unremarkable.
func (d *Detector) OnSample(sample *models.Sample, b models.Baseline) *models.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := sample.SeriesKey()
	st, ok := d.states[key]
	if !ok {
		st = &seriesState{}
		d.states[key] = st
	}
	st.lastArrival = d.now()

	if !b.Warm(d.cfg.WarmUpThreshold) {
		return nil
	}

	z := score(sample.Value, b)
	az := math.Abs(z)

	if st.event == nil {
		// The frontier outlives a closed event. A late anomalous
		// sample from inside (or before) the closed interval must not
		// open a second event overlapping it.
		if !st.frontier.IsZero() && sample.Timestamp.Before(st.frontier) {
			return nil
		}
		if az < d.cfg.ZOpen {
			return nil
		}
		return d.openEvent(st, sample, b, z)
	}

	// Late arrivals behind the frontier may only sharpen the
	// extremes; they never rewind the frontier or restart the close
	// countdown.
	if sample.Timestamp.Before(st.frontier) {
		if st.frontier.Sub(sample.Timestamp) <= d.cfg.LatenessWindow && az > math.Abs(st.event.Meta.ZMax) {
			d.recordExtreme(st, sample, z)
		}
		return st.event
	}

	if az >= d.cfg.ZClose {
		st.frontier = sample.Timestamp
		st.belowSince = time.Time{}
		if az > math.Abs(st.event.Meta.ZMax) {
			d.recordExtreme(st, sample, z)
		}
		return st.event
	}

	if st.belowSince.IsZero() {
		st.belowSince = sample.Timestamp
		return st.event
	}
	if sample.Timestamp.Sub(st.belowSince) >= d.cfg.GracePeriod {
		return d.closeEvent(st, "recovered")
	}
	return st.event
}

// Sweep force-closes open events whose series have gone silent. The
// engine calls it on a periodic tick.
func (d *Detector) Sweep(now time.Time) []models.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var closed []models.Event
	for _, st := range d.states {
		if st.event == nil {
			continue
		}
		if now.Sub(st.lastArrival) > d.cfg.SilenceTimeout {
			if e := d.closeEvent(st, "silence"); e != nil {
				closed = append(closed, *e)
			}
		}
	}
	return closed
}

// OpenEvent returns the currently open event for a series, if any.
func (d *Detector) OpenEvent(deviceID, metricKey string) *models.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[deviceID+"/"+metricKey]
	if !ok || st.event == nil {
		return nil
	}
	copied := *st.event
	return &copied
}

func (d *Detector) openEvent(st *seriesState, sample *models.Sample, b models.Baseline, z float64) *models.Event {
	typ := models.EventSpike
	if z < 0 {
		typ = models.EventSag
	}
	e := &models.Event{
		ID:        uuid.New().String(),
		SiteID:    d.site(sample.DeviceID),
		DeviceIDs: []string{sample.DeviceID},
		MetricKey: sample.MetricKey,
		Type:      typ,
		Severity:  models.SeverityFromZ(z),
		StartTs:   sample.Timestamp,
		Meta: models.EventMeta{
			PeakValue:     sample.Value,
			ZMax:          z,
			BaselineMu:    b.Mu,
			BaselineSigma: b.Sigma,
		},
	}
	log := logger.WithSeries(d.log, sample.DeviceID, sample.MetricKey)
	if err := d.store.InsertEvent(e); err != nil {
		log.Error().Err(err).Msg("failed to persist opened event")
		return nil
	}
	st.event = e
	st.frontier = sample.Timestamp
	st.belowSince = time.Time{}
	metrics.EventsOpenedTotal.WithLabelValues(string(typ)).Inc()
	metrics.OpenEvents.Inc()
	log.Info().Str("event_id", e.ID).Str("type", string(typ)).
		Float64("z", z).Int("severity", e.Severity).Msg("event opened")
	return e
}

func (d *Detector) recordExtreme(st *seriesState, sample *models.Sample, z float64) {
	e := st.event
	e.Meta.ZMax = z
	e.Meta.PeakValue = sample.Value
	e.Severity = models.SeverityFromZ(z)
	if err := d.store.UpdateEvent(e); err != nil {
		d.log.Error().Err(err).Str("event_id", e.ID).Msg("failed to persist event extreme")
	}
}

func (d *Detector) closeEvent(st *seriesState, reason string) *models.Event {
	e := st.event
	end := st.frontier
	e.EndTs = &end
	e.Severity = models.SeverityFromZ(e.Meta.ZMax)
	if err := d.store.UpdateEvent(e); err != nil {
		// Keep the event open in memory so the invariant and the
		// stored row stay consistent; the next transition retries.
		d.log.Error().Err(err).Str("event_id", e.ID).Msg("failed to persist event close")
		e.EndTs = nil
		return e
	}
	st.event = nil
	st.belowSince = time.Time{}
	metrics.EventsClosedTotal.WithLabelValues(reason).Inc()
	metrics.OpenEvents.Dec()
	d.log.Info().Str("event_id", e.ID).Str("reason", reason).
		Float64("zmax", e.Meta.ZMax).Int("severity", e.Severity).Msg("event closed")
	return e
}

func score(value float64, b models.Baseline) float64 {
	sigma := b.Sigma
	if sigma < minSigma {
		sigma = minSigma
	}
	z := (value - b.Mu) / sigma
	if z > maxZ {
		return maxZ
	}
	if z < -maxZ {
		return -maxZ
	}
	return z
}
