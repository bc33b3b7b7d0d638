package models

import (
	"math"
	"time"
)

// EventType classifies the direction of a detected anomaly.
type EventType string

const (
	EventSpike EventType = "spike"
	EventSag   EventType = "sag"
)

// EventMeta carries the detection measurements recorded with an event.
type EventMeta struct {
	PeakValue     float64 `json:"peak_value"`
	ZMax          float64 `json:"zmax"`
	BaselineMu    float64 `json:"baseline_mu"`
	BaselineSigma float64 `json:"baseline_sigma"`
}

// Event is a contiguous interval where a device metric deviated from its
// baseline beyond the open threshold. EndTs is nil while the event is open;
// at most one event is open per device/metric series at any time.
type Event struct {
	ID        string     `json:"id"`
	SiteID    string     `json:"site_id"`
	DeviceIDs []string   `json:"device_ids"`
	MetricKey string     `json:"metric_key"`
	Type      EventType  `json:"type"`
	Severity  int        `json:"severity"`
	StartTs   time.Time  `json:"start_ts"`
	EndTs     *time.Time `json:"end_ts,omitempty"`
	Meta      EventMeta  `json:"meta"`
}

// Open reports whether the event interval is still ongoing.
func (e *Event) Open() bool {
	return e.EndTs == nil
}

// SeverityFromZ maps a peak |z|-score onto the 1..5 severity scale.
// Monotonic in |z|: z=3 -> 1, z=7 and beyond -> 5.
func SeverityFromZ(zmax float64) int {
	sev := int(math.Round(math.Abs(zmax) - 2))
	if sev < 1 {
		sev = 1
	}
	if sev > 5 {
		sev = 5
	}
	return sev
}
