package models

import (
	"errors"
	"strings"
	"time"
)

// Sample is a single immutable reading from a device metric series.
type Sample struct {
	// Device that produced the reading
	DeviceID string `json:"device_id"`

	// Metric key, e.g. power, voltage, temp
	MetricKey string `json:"metric_key"`

	// Timestamp the reading was taken at
	Timestamp time.Time `json:"timestamp"`

	// Reading value in Unit
	Value float64 `json:"value"`

	// Unit of measure, e.g. W, V, °C
	Unit string `json:"unit,omitempty"`
}

// Validation errors
var (
	ErrEmptyDeviceID    = errors.New("device ID cannot be empty")
	ErrEmptyMetricKey   = errors.New("metric key cannot be empty")
	ErrZeroTimestamp    = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp  = errors.New("timestamp cannot be in the future")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
	ErrNaNValue         = errors.New("value must be a finite number")
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Validate checks if the Sample has all required fields and valid values
func (s *Sample) Validate() error {
	if s.DeviceID == "" {
		return ErrEmptyDeviceID
	}

	if s.MetricKey == "" {
		return ErrEmptyMetricKey
	}

	if s.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if s.Timestamp.After(time.Now().Add(time.Minute)) {
		return ErrFutureTimestamp
	}

	if s.Value != s.Value || s.Value > maxFinite || s.Value < -maxFinite {
		return ErrNaNValue
	}

	return nil
}

const maxFinite = 1.797693134862315708145274237317043567981e+308

// Normalize applies field normalization to a Sample
// - trims and lower-cases MetricKey
// - trims DeviceID and Unit
// - forces the timestamp to UTC
func (s *Sample) Normalize() {
	s.DeviceID = strings.TrimSpace(s.DeviceID)
	s.MetricKey = strings.ToLower(strings.TrimSpace(s.MetricKey))
	s.Unit = strings.TrimSpace(s.Unit)
	if !s.Timestamp.IsZero() {
		s.Timestamp = s.Timestamp.UTC()
	}
}

// SeriesKey returns the serialization key for the sample's series.
func (s *Sample) SeriesKey() string {
	return s.DeviceID + "/" + s.MetricKey
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}
