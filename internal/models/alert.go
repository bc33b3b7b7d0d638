package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RuleType discriminates the alert rule variants.
type RuleType string

const (
	RuleThreshold  RuleType = "threshold"
	RuleNoData     RuleType = "nodata"
	RuleTimeWindow RuleType = "timewindow"
)

// Op is a threshold comparator.
type Op string

const (
	OpGt  Op = "gt"
	OpLt  Op = "lt"
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Compare applies the comparator to value and threshold.
func (o Op) Compare(value, threshold float64) bool {
	switch o {
	case OpGt:
		return value > threshold
	case OpLt:
		return value < threshold
	case OpEq:
		return value == threshold
	case OpGte:
		return value >= threshold
	case OpLte:
		return value <= threshold
	default:
		return false
	}
}

// Valid reports whether o is a known comparator.
func (o Op) Valid() bool {
	switch o {
	case OpGt, OpLt, OpEq, OpGte, OpLte:
		return true
	default:
		return false
	}
}

// ErrInvalidRule marks a malformed rule rejected at the creation boundary.
var ErrInvalidRule = errors.New("invalid alert rule")

// Schedule restricts a timewindow rule to a daily window in a timezone.
// Overnight windows (Start > End, e.g. 19:00-07:00) wrap across midnight.
type Schedule struct {
	Start string `json:"start"` // HH:MM
	End   string `json:"end"`   // HH:MM
	TZ    string `json:"tz"`
}

// Contains reports whether now falls inside the daily window, evaluated
// in the schedule's timezone.
func (s *Schedule) Contains(now time.Time) (bool, error) {
	loc, err := time.LoadLocation(s.TZ)
	if err != nil {
		return false, fmt.Errorf("schedule timezone: %w", err)
	}
	hm := now.In(loc).Format("15:04")
	if s.Start > s.End {
		return hm >= s.Start || hm <= s.End, nil
	}
	return s.Start <= hm && hm <= s.End, nil
}

func (s *Schedule) validate() error {
	for _, v := range []string{s.Start, s.End} {
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("%w: schedule time %q must be HH:MM", ErrInvalidRule, v)
		}
	}
	if s.TZ == "" {
		return fmt.Errorf("%w: schedule tz is required", ErrInvalidRule)
	}
	if _, err := time.LoadLocation(s.TZ); err != nil {
		return fmt.Errorf("%w: schedule tz %q: %v", ErrInvalidRule, s.TZ, err)
	}
	return nil
}

// Action names the notification channels a firing fans out to.
type Action struct {
	Email   []string `json:"email,omitempty"`
	Webhook []string `json:"webhook,omitempty"`
}

// Rule is the tagged union of alert rule variants. Which fields are
// meaningful depends on Type; Validate enforces the per-variant shape.
type Rule struct {
	Type        RuleType  `json:"type"`
	DeviceIDs   []string  `json:"device_ids"`
	Key         string    `json:"key,omitempty"`
	Op          Op        `json:"op,omitempty"`
	Value       float64   `json:"value,omitempty"`
	DurationSec int       `json:"duration_sec,omitempty"`
	Schedule    *Schedule `json:"schedule,omitempty"`
	Action      Action    `json:"action"`
}

// Validate enforces the shape of the rule variant. Malformed rules are
// rejected here and never reach the evaluator.
func (r *Rule) Validate() error {
	if len(r.DeviceIDs) == 0 {
		return fmt.Errorf("%w: device_ids must not be empty", ErrInvalidRule)
	}

	switch r.Type {
	case RuleThreshold:
		if r.Key == "" {
			return fmt.Errorf("%w: threshold rule requires a metric key", ErrInvalidRule)
		}
		if !r.Op.Valid() {
			return fmt.Errorf("%w: unknown comparator %q", ErrInvalidRule, r.Op)
		}
		if r.DurationSec < 0 {
			return fmt.Errorf("%w: duration_sec must not be negative", ErrInvalidRule)
		}
		if r.Schedule != nil {
			return fmt.Errorf("%w: threshold rule must not carry a schedule", ErrInvalidRule)
		}

	case RuleNoData:
		if r.DurationSec <= 0 {
			return fmt.Errorf("%w: nodata rule requires duration_sec > 0", ErrInvalidRule)
		}

	case RuleTimeWindow:
		if r.Key == "" {
			return fmt.Errorf("%w: timewindow rule requires a metric key", ErrInvalidRule)
		}
		if !r.Op.Valid() {
			return fmt.Errorf("%w: unknown comparator %q", ErrInvalidRule, r.Op)
		}
		if r.Schedule == nil {
			return fmt.Errorf("%w: timewindow rule requires a schedule", ErrInvalidRule)
		}
		if err := r.Schedule.validate(); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, r.Type)
	}

	return nil
}

// ParseRule decodes and validates a rule JSON blob.
func ParseRule(data []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Alert is a user-defined rule with firing state. An alert whose
// SnoozedUntil is in the future never fires; a disabled alert is never
// evaluated.
type Alert struct {
	ID           string     `json:"id"`
	SiteID       string     `json:"site_id"`
	Name         string     `json:"name"`
	Rule         Rule       `json:"rule"`
	Enabled      bool       `json:"enabled"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
	LastFiredAt  *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Snoozed reports whether the alert is suppressed at the given instant.
func (a *Alert) Snoozed(now time.Time) bool {
	return a.SnoozedUntil != nil && a.SnoozedUntil.After(now)
}

// Firing is one recorded trigger of an alert, used for cooldown and
// for the alert history surface.
type Firing struct {
	ID      string          `json:"id"`
	AlertID string          `json:"alert_id"`
	Ts      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
	Status  string          `json:"status"` // dispatched, dispatch_failed
}

// Channel names a notification transport.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

// Dispatch is the record handed to the external notifier for one
// channel of a firing. Delivery is the notifier's concern.
type Dispatch struct {
	AlertID    string            `json:"alert_id"`
	Ts         time.Time         `json:"ts"`
	Channel    Channel           `json:"channel"`
	Recipients []string          `json:"recipients"`
	Context    map[string]string `json:"context,omitempty"`
}
