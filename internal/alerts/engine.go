// Package alerts evaluates user-defined alert rules against live
// samples and device liveness, managing firing, cooldown and snooze
// state.
package alerts

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wattboard/internal/logger"
	"wattboard/internal/metrics"
	"wattboard/internal/models"
)

// Store is the persistence surface the engine needs. Satisfied by
// *storage.Storage.
type Store interface {
	CreateAlert(a *models.Alert) error
	GetAlert(id string) (*models.Alert, error)
	ListAlerts(siteID string) ([]models.Alert, error)
	UpdateAlert(a *models.Alert) error
	DeleteAlert(id string) error
	SetSnooze(id string, until time.Time) error
	SetLastFired(id string, ts time.Time) error
	InsertFiring(f *models.Firing) error
	FiringHistory(alertID string, limit int) ([]models.Firing, error)
	LastSeen(deviceID string) (time.Time, error)
}

// Dispatcher accepts firing notifications for asynchronous delivery.
// The engine never waits for delivery confirmation.
type Dispatcher interface {
	Enqueue(d *models.Dispatch) error
}

// Config holds the engine tunables.
type Config struct {
	// MinRefireInterval is the cooldown between repeated firings of
	// the same alert while its condition persists.
	MinRefireInterval time.Duration
}

// alertState pairs a cached alert with its evaluation bookkeeping.
// Firing decisions for one alert are serialized on its own mutex.
type alertState struct {
	mu    sync.Mutex
	alert models.Alert

	// conditionSince tracks, per device, when a threshold condition
	// with duration_sec started holding continuously.
	conditionSince map[string]time.Time
}

// Engine evaluates alert rules. Sample-driven variants (threshold,
// timewindow) are checked on every matching sample; nodata runs on the
// periodic Tick. Rules are validated at the creation boundary, so the
// evaluator switches exhaustively over known variants.
type Engine struct {
	cfg      Config
	store    Store
	dispatch Dispatcher
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	states map[string]*alertState
}

// New creates an engine with an empty alert cache; call Load to pull
// persisted alerts in.
func New(cfg Config, store Store, dispatch Dispatcher) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		dispatch: dispatch,
		log:      logger.WithComponent("alerts"),
		now:      time.Now,
		states:   make(map[string]*alertState),
	}
}

// Load replaces the in-memory alert cache with the persisted set.
func (e *Engine) Load() error {
	all, err := e.store.ListAlerts("")
	if err != nil {
		return fmt.Errorf("failed to load alerts: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = make(map[string]*alertState, len(all))
	for i := range all {
		e.states[all[i].ID] = &alertState{
			alert:          all[i],
			conditionSince: make(map[string]time.Time),
		}
	}
	e.log.Info().Int("alerts", len(all)).Msg("alert cache loaded")
	return nil
}

// OnSample evaluates the sample-driven rule variants against one new
// sample. Only alerts naming the sample's device and metric key are
// considered.
func (e *Engine) OnSample(sample *models.Sample) {
	now := e.now()
	for _, st := range e.snapshot() {
		st.mu.Lock()
		a := st.alert
		switch a.Rule.Type {
		case models.RuleThreshold, models.RuleTimeWindow:
			if a.Rule.Key == sample.MetricKey && containsDevice(a.Rule.DeviceIDs, sample.DeviceID) {
				e.evaluateSample(st, sample, now)
			}
		case models.RuleNoData:
			// Evaluated on the periodic tick, not per sample.
		}
		st.mu.Unlock()
	}
}

// Tick evaluates all nodata rules against device liveness. The engine
// coordinator runs it on a fixed interval.
func (e *Engine) Tick(now time.Time) {
	for _, st := range e.snapshot() {
		st.mu.Lock()
		if st.alert.Rule.Type == models.RuleNoData {
			e.evaluateNoData(st, now)
		}
		st.mu.Unlock()
	}
}

func (e *Engine) evaluateSample(st *alertState, sample *models.Sample, now time.Time) {
	a := &st.alert
	metrics.AlertEvaluationsTotal.WithLabelValues(string(a.Rule.Type)).Inc()
	if !a.Enabled {
		return
	}
	if a.Snoozed(now) {
		metrics.AlertSuppressionsTotal.WithLabelValues("snoozed").Inc()
		return
	}

	if a.Rule.Type == models.RuleTimeWindow {
		inside, err := a.Rule.Schedule.Contains(now)
		if err != nil {
			e.log.Error().Err(err).Str("alert_id", a.ID).Msg("schedule evaluation failed")
			return
		}
		if !inside {
			st.conditionSince = make(map[string]time.Time)
			return
		}
	}

	if !a.Rule.Op.Compare(sample.Value, a.Rule.Value) {
		delete(st.conditionSince, sample.DeviceID)
		return
	}

	// duration_sec requires the condition to hold continuously before
	// the alert may fire.
	if a.Rule.DurationSec > 0 {
		since, ok := st.conditionSince[sample.DeviceID]
		if !ok {
			st.conditionSince[sample.DeviceID] = sample.Timestamp
			return
		}
		if sample.Timestamp.Sub(since) < time.Duration(a.Rule.DurationSec)*time.Second {
			return
		}
	}

	e.fire(st, now, firingPayload{
		Rule:      string(a.Rule.Type),
		DeviceID:  sample.DeviceID,
		MetricKey: sample.MetricKey,
		Value:     sample.Value,
		Op:        string(a.Rule.Op),
		Threshold: a.Rule.Value,
		SampleTs:  sample.Timestamp,
	})
}

func (e *Engine) evaluateNoData(st *alertState, now time.Time) {
	a := &st.alert
	metrics.AlertEvaluationsTotal.WithLabelValues(string(models.RuleNoData)).Inc()
	if !a.Enabled {
		return
	}
	if a.Snoozed(now) {
		metrics.AlertSuppressionsTotal.WithLabelValues("snoozed").Inc()
		return
	}

	window := time.Duration(a.Rule.DurationSec) * time.Second
	for _, deviceID := range a.Rule.DeviceIDs {
		last, err := e.store.LastSeen(deviceID)
		if err != nil {
			e.log.Error().Err(err).Str("device_id", deviceID).Msg("last_seen lookup failed")
			continue
		}
		// A device that has never reported counts as silent.
		if !last.IsZero() && now.Sub(last) <= window {
			continue
		}
		e.fire(st, now, firingPayload{
			Rule:       string(models.RuleNoData),
			DeviceID:   deviceID,
			SilentFor:  now.Sub(last).Truncate(time.Second).String(),
			LastSample: last,
		})
		// One firing per evaluation covers the alert; remaining silent
		// devices ride the same notification.
		return
	}
}

// fire records the firing and fans it out to the dispatch queue,
// honoring the refire cooldown. Caller holds st.mu.
func (e *Engine) fire(st *alertState, now time.Time, payload firingPayload) {
	a := &st.alert
	if a.LastFiredAt != nil && now.Sub(*a.LastFiredAt) < e.cfg.MinRefireInterval {
		metrics.AlertSuppressionsTotal.WithLabelValues("cooldown").Inc()
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		e.log.Error().Err(err).Str("alert_id", a.ID).Msg("failed to encode firing payload")
		return
	}
	firing := &models.Firing{
		ID:      uuid.New().String(),
		AlertID: a.ID,
		Ts:      now,
		Payload: body,
		Status:  "dispatched",
	}
	if err := e.store.InsertFiring(firing); err != nil {
		e.log.Error().Err(err).Str("alert_id", a.ID).Msg("failed to record firing")
		return
	}
	if err := e.store.SetLastFired(a.ID, now); err != nil {
		e.log.Error().Err(err).Str("alert_id", a.ID).Msg("failed to persist last_fired_at")
	}
	fired := now
	a.LastFiredAt = &fired

	metrics.AlertFiringsTotal.WithLabelValues(payload.Rule).Inc()
	e.log.Warn().Str("alert_id", a.ID).Str("name", a.Name).
		Str("rule", payload.Rule).Str("device_id", payload.DeviceID).Msg("alert fired")

	for _, d := range e.fanOut(a, firing.ID, now) {
		if err := e.dispatch.Enqueue(d); err != nil {
			e.log.Error().Err(err).Str("alert_id", a.ID).
				Str("channel", string(d.Channel)).Msg("dispatch enqueue failed")
		}
	}
}

// fanOut builds one dispatch per configured channel.
func (e *Engine) fanOut(a *models.Alert, firingID string, ts time.Time) []*models.Dispatch {
	ctx := map[string]string{
		"firing_id":  firingID,
		"alert_name": a.Name,
		"site_id":    a.SiteID,
	}
	var out []*models.Dispatch
	if len(a.Rule.Action.Email) > 0 {
		out = append(out, &models.Dispatch{
			AlertID: a.ID, Ts: ts, Channel: models.ChannelEmail,
			Recipients: a.Rule.Action.Email, Context: ctx,
		})
	}
	if len(a.Rule.Action.Webhook) > 0 {
		out = append(out, &models.Dispatch{
			AlertID: a.ID, Ts: ts, Channel: models.ChannelWebhook,
			Recipients: a.Rule.Action.Webhook, Context: ctx,
		})
	}
	return out
}

// TestFire enqueues exactly one synthetic dispatch for the alert,
// bypassing enabled/snooze/condition checks and the cooldown. It never
// touches last_fired_at, so real cooldown state is unperturbed.
func (e *Engine) TestFire(alertID string) error {
	st := e.state(alertID)
	if st == nil {
		return fmt.Errorf("alert %s not found", alertID)
	}
	st.mu.Lock()
	a := st.alert
	st.mu.Unlock()

	now := e.now()
	d := &models.Dispatch{
		AlertID: a.ID,
		Ts:      now,
		Channel: models.ChannelWebhook,
		Context: map[string]string{"test": "true", "alert_name": a.Name, "site_id": a.SiteID},
	}
	switch {
	case len(a.Rule.Action.Webhook) > 0:
		d.Recipients = a.Rule.Action.Webhook
	case len(a.Rule.Action.Email) > 0:
		d.Channel = models.ChannelEmail
		d.Recipients = a.Rule.Action.Email
	}
	if err := e.dispatch.Enqueue(d); err != nil {
		return fmt.Errorf("test dispatch enqueue: %w", err)
	}
	e.log.Info().Str("alert_id", a.ID).Msg("test firing dispatched")
	return nil
}

// Snooze suppresses the alert for the given number of minutes from
// now. Repeated calls overwrite; the last snooze wins.
func (e *Engine) Snooze(alertID string, minutes int) error {
	st := e.state(alertID)
	if st == nil {
		return fmt.Errorf("alert %s not found", alertID)
	}
	until := e.now().Add(time.Duration(minutes) * time.Minute)
	if err := e.store.SetSnooze(alertID, until); err != nil {
		return err
	}
	st.mu.Lock()
	st.alert.SnoozedUntil = &until
	st.mu.Unlock()
	return nil
}

// Create validates and persists a new alert and adds it to the cache.
func (e *Engine) Create(a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.now()
	}
	if err := e.store.CreateAlert(a); err != nil {
		return err
	}
	e.mu.Lock()
	e.states[a.ID] = &alertState{alert: *a, conditionSince: make(map[string]time.Time)}
	e.mu.Unlock()
	return nil
}

// Update persists rule or metadata changes and resets the alert's
// evaluation bookkeeping.
func (e *Engine) Update(a *models.Alert) error {
	if err := e.store.UpdateAlert(a); err != nil {
		return err
	}
	st := e.state(a.ID)
	if st == nil {
		return fmt.Errorf("alert %s not found", a.ID)
	}
	st.mu.Lock()
	// Keep firing state; the stored row is authoritative for it.
	a.LastFiredAt = st.alert.LastFiredAt
	a.SnoozedUntil = st.alert.SnoozedUntil
	st.alert = *a
	st.conditionSince = make(map[string]time.Time)
	st.mu.Unlock()
	return nil
}

// Delete removes the alert from the store and the cache.
func (e *Engine) Delete(alertID string) error {
	if err := e.store.DeleteAlert(alertID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.states, alertID)
	e.mu.Unlock()
	return nil
}

// Get returns the cached alert.
func (e *Engine) Get(alertID string) (*models.Alert, error) {
	st := e.state(alertID)
	if st == nil {
		return nil, fmt.Errorf("alert %s not found", alertID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a := st.alert
	return &a, nil
}

// List returns the cached alerts, optionally filtered by site.
func (e *Engine) List(siteID string) []models.Alert {
	var out []models.Alert
	for _, st := range e.snapshot() {
		st.mu.Lock()
		if siteID == "" || st.alert.SiteID == siteID {
			out = append(out, st.alert)
		}
		st.mu.Unlock()
	}
	return out
}

// History returns the recorded firings for one alert, newest first.
func (e *Engine) History(alertID string, limit int) ([]models.Firing, error) {
	return e.store.FiringHistory(alertID, limit)
}

func (e *Engine) state(id string) *alertState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[id]
}

func (e *Engine) snapshot() []*alertState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*alertState, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, st)
	}
	return out
}

func containsDevice(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// firingPayload is the JSON body recorded with a firing and echoed to
// notifiers.
type firingPayload struct {
	Rule       string    `json:"rule"`
	DeviceID   string    `json:"device_id"`
	MetricKey  string    `json:"metric_key,omitempty"`
	Value      float64   `json:"value,omitempty"`
	Op         string    `json:"op,omitempty"`
	Threshold  float64   `json:"threshold,omitempty"`
	SampleTs   time.Time `json:"sample_ts,omitempty"`
	SilentFor  string    `json:"silent_for,omitempty"`
	LastSample time.Time `json:"last_sample,omitempty"`
}
