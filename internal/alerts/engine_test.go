package alerts

import (
	"testing"
	"time"

	"wattboard/internal/models"
)

type memStore struct {
	alerts   map[string]*models.Alert
	firings  []models.Firing
	lastSeen map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		alerts:   make(map[string]*models.Alert),
		lastSeen: make(map[string]time.Time),
	}
}

func (m *memStore) CreateAlert(a *models.Alert) error {
	if err := a.Rule.Validate(); err != nil {
		return err
	}
	copied := *a
	m.alerts[a.ID] = &copied
	return nil
}

func (m *memStore) GetAlert(id string) (*models.Alert, error) {
	a := m.alerts[id]
	if a == nil {
		return nil, nil
	}
	copied := *a
	return &copied, nil
}

func (m *memStore) ListAlerts(string) ([]models.Alert, error) {
	var out []models.Alert
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	return out, nil
}

func (m *memStore) UpdateAlert(a *models.Alert) error {
	copied := *a
	m.alerts[a.ID] = &copied
	return nil
}

func (m *memStore) DeleteAlert(id string) error {
	delete(m.alerts, id)
	return nil
}

func (m *memStore) SetSnooze(id string, until time.Time) error {
	m.alerts[id].SnoozedUntil = &until
	return nil
}

func (m *memStore) SetLastFired(id string, ts time.Time) error {
	m.alerts[id].LastFiredAt = &ts
	return nil
}

func (m *memStore) InsertFiring(f *models.Firing) error {
	m.firings = append(m.firings, *f)
	return nil
}

func (m *memStore) FiringHistory(alertID string, limit int) ([]models.Firing, error) {
	var out []models.Firing
	for i := len(m.firings) - 1; i >= 0 && len(out) < limit; i-- {
		if m.firings[i].AlertID == alertID {
			out = append(out, m.firings[i])
		}
	}
	return out, nil
}

func (m *memStore) LastSeen(deviceID string) (time.Time, error) {
	return m.lastSeen[deviceID], nil
}

type memDispatcher struct {
	sent []models.Dispatch
}

func (m *memDispatcher) Enqueue(d *models.Dispatch) error {
	m.sent = append(m.sent, *d)
	return nil
}

func thresholdAlert(id string, op models.Op, value float64) *models.Alert {
	return &models.Alert{
		ID:      id,
		SiteID:  "site-1",
		Name:    "high power",
		Enabled: true,
		Rule: models.Rule{
			Type:      models.RuleThreshold,
			DeviceIDs: []string{"main-meter"},
			Key:       "power_w",
			Op:        op,
			Value:     value,
			Action:    models.Action{Webhook: []string{"https://hooks.example/power"}},
		},
	}
}

func powerSample(ts time.Time, value float64) *models.Sample {
	return &models.Sample{
		DeviceID: "main-meter", MetricKey: "power_w",
		Timestamp: ts, Value: value,
	}
}

func newTestEngine(store *memStore, disp *memDispatcher, now time.Time) (*Engine, *time.Time) {
	clock := now
	e := New(Config{MinRefireInterval: 15 * time.Minute}, store, disp)
	e.now = func() time.Time { return clock }
	return e, &clock
}

func TestThresholdFiresOnceWithinCooldown(t *testing.T) {
	store := newMemStore()
	disp := &memDispatcher{}
	t0 := time.Unix(1_700_000_000, 0)
	e, clock := newTestEngine(store, disp, t0)

	if err := e.Create(thresholdAlert("a1", models.OpGt, 1500)); err != nil {
		t.Fatal(err)
	}

	// Nothing under the threshold fires.
	for i, v := range []float64{1200, 1180, 1225, 1195, 1210, 1260} {
		*clock = t0.Add(time.Duration(i) * time.Minute)
		e.OnSample(powerSample(*clock, v))
	}
	if len(disp.sent) != 0 {
		t.Fatalf("dispatched %d times below threshold", len(disp.sent))
	}

	// 1600W crosses it: one firing, one webhook dispatch.
	*clock = t0.Add(10 * time.Minute)
	e.OnSample(powerSample(*clock, 1600))
	if len(store.firings) != 1 {
		t.Fatalf("recorded %d firings, want 1", len(store.firings))
	}
	if len(disp.sent) != 1 || disp.sent[0].Channel != models.ChannelWebhook {
		t.Fatalf("dispatches = %+v, want one webhook", disp.sent)
	}

	// A second breach one minute later sits inside the cooldown.
	*clock = t0.Add(11 * time.Minute)
	e.OnSample(powerSample(*clock, 1600))
	if len(store.firings) != 1 {
		t.Fatalf("refired inside cooldown: %d firings", len(store.firings))
	}

	// Past the cooldown the persisting condition fires again.
	*clock = t0.Add(26 * time.Minute)
	e.OnSample(powerSample(*clock, 1600))
	if len(store.firings) != 2 {
		t.Fatalf("firings after cooldown = %d, want 2", len(store.firings))
	}
}

func TestSnoozeSuppressesExactly(t *testing.T) {
	store := newMemStore()
	disp := &memDispatcher{}
	t0 := time.Unix(1_700_000_000, 0)
	e, clock := newTestEngine(store, disp, t0)

	if err := e.Create(thresholdAlert("a1", models.OpGt, 1500)); err != nil {
		t.Fatal(err)
	}
	if err := e.Snooze("a1", 10); err != nil {
		t.Fatal(err)
	}
	snoozedUntil := t0.Add(10 * time.Minute)

	// One second before expiry: suppressed.
	*clock = snoozedUntil.Add(-time.Second)
	e.OnSample(powerSample(*clock, 1600))
	if len(store.firings) != 0 {
		t.Fatal("fired while snoozed")
	}

	// One second after expiry with the condition still true: fires.
	*clock = snoozedUntil.Add(time.Second)
	e.OnSample(powerSample(*clock, 1600))
	if len(store.firings) != 1 {
		t.Fatalf("firings after snooze expiry = %d, want 1", len(store.firings))
	}
}

func TestSnoozeOverwrites(t *testing.T) {
	store := newMemStore()
	t0 := time.Unix(1_700_000_000, 0)
	e, clock := newTestEngine(store, &memDispatcher{}, t0)

	if err := e.Create(thresholdAlert("a1", models.OpGt, 1500)); err != nil {
		t.Fatal(err)
	}
	if err := e.Snooze("a1", 60); err != nil {
		t.Fatal(err)
	}
	*clock = t0.Add(time.Minute)
	if err := e.Snooze("a1", 5); err != nil {
		t.Fatal(err)
	}

	a, err := e.Get("a1")
	if err != nil {
		t.Fatal(err)
	}
	want := t0.Add(time.Minute).Add(5 * time.Minute)
	if !a.SnoozedUntil.Equal(want) {
		t.Fatalf("snoozed_until = %v, want last write %v", a.SnoozedUntil, want)
	}
}

func TestDisabledAlertNeverEvaluates(t *testing.T) {
	store := newMemStore()
	disp := &memDispatcher{}
	t0 := time.Unix(1_700_000_000, 0)
	e, _ := newTestEngine(store, disp, t0)

	a := thresholdAlert("a1", models.OpGt, 1500)
	a.Enabled = false
	if err := e.Create(a); err != nil {
		t.Fatal(err)
	}
	e.OnSample(powerSample(t0, 9999))
	if len(store.firings) != 0 || len(disp.sent) != 0 {
		t.Fatal("disabled alert produced side effects")
	}
}

func TestNoDataFiresAndRespectsCooldown(t *testing.T) {
	store := newMemStore()
	disp := &memDispatcher{}
	t0 := time.Unix(1_700_000_000, 0)
	e, clock := newTestEngine(store, disp, t0)

	if err := e.Create(&models.Alert{
		ID: "nd1", SiteID: "site-1", Name: "meter offline", Enabled: true,
		Rule: models.Rule{
			Type:        models.RuleNoData,
			DeviceIDs:   []string{"main-meter"},
			DurationSec: 300,
			Action:      models.Action{Email: []string{"ops@example.com"}},
		},
	}); err != nil {
		t.Fatal(err)
	}

	store.lastSeen["main-meter"] = t0

	// Four minutes of silence: inside the window, no firing.
	e.Tick(t0.Add(4 * time.Minute))
	if len(store.firings) != 0 {
		t.Fatal("fired before the silence window elapsed")
	}

	// Six minutes: fires once.
	*clock = t0.Add(6 * time.Minute)
	e.Tick(*clock)
	if len(store.firings) != 1 {
		t.Fatalf("firings = %d, want 1", len(store.firings))
	}
	if len(disp.sent) != 1 || disp.sent[0].Channel != models.ChannelEmail {
		t.Fatalf("dispatches = %+v, want one email", disp.sent)
	}

	// The next tick sees the same persisting condition but sits inside
	// the cooldown.
	*clock = t0.Add(7 * time.Minute)
	e.Tick(*clock)
	if len(store.firings) != 1 {
		t.Fatalf("refired on next tick inside cooldown: %d firings", len(store.firings))
	}
}

func TestTestFireBypassesEverything(t *testing.T) {
	store := newMemStore()
	disp := &memDispatcher{}
	t0 := time.Unix(1_700_000_000, 0)
	e, _ := newTestEngine(store, disp, t0)

	// Disabled AND snoozed: test-fire still goes out.
	a := thresholdAlert("a1", models.OpGt, 1500)
	a.Enabled = false
	if err := e.Create(a); err != nil {
		t.Fatal(err)
	}
	if err := e.Snooze("a1", 60); err != nil {
		t.Fatal(err)
	}

	if err := e.TestFire("a1"); err != nil {
		t.Fatal(err)
	}
	if len(disp.sent) != 1 {
		t.Fatalf("dispatches = %d, want exactly 1", len(disp.sent))
	}
	if disp.sent[0].Context["test"] != "true" {
		t.Fatalf("dispatch not marked synthetic: %+v", disp.sent[0])
	}

	got, err := e.Get("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastFiredAt != nil {
		t.Fatal("test fire perturbed last_fired_at")
	}
	if len(store.firings) != 0 {
		t.Fatal("test fire recorded a real firing")
	}
}

func TestTimeWindowRespectsSchedule(t *testing.T) {
	store := newMemStore()
	disp := &memDispatcher{}
	// 2023-11-14 22:13:20 UTC.
	t0 := time.Unix(1_700_000_000, 0).UTC()
	e, clock := newTestEngine(store, disp, t0)

	// Overnight window 19:00-07:00.
	if err := e.Create(&models.Alert{
		ID: "tw1", SiteID: "site-1", Name: "night load", Enabled: true,
		Rule: models.Rule{
			Type:      models.RuleTimeWindow,
			DeviceIDs: []string{"main-meter"},
			Key:       "power_w",
			Op:        models.OpGt,
			Value:     500,
			Schedule:  &models.Schedule{Start: "19:00", End: "07:00", TZ: "UTC"},
			Action:    models.Action{Webhook: []string{"https://hooks.example/night"}},
		},
	}); err != nil {
		t.Fatal(err)
	}

	// 22:13 is inside the overnight window.
	e.OnSample(powerSample(t0, 800))
	if len(store.firings) != 1 {
		t.Fatalf("firings inside window = %d, want 1", len(store.firings))
	}

	// Noon the next day is outside; condition alone must not fire.
	*clock = t0.Add(14 * time.Hour)
	e.OnSample(powerSample(*clock, 800))
	if len(store.firings) != 1 {
		t.Fatalf("fired outside schedule window: %d firings", len(store.firings))
	}
}

func TestThresholdDurationRequiresPersistence(t *testing.T) {
	store := newMemStore()
	disp := &memDispatcher{}
	t0 := time.Unix(1_700_000_000, 0)
	e, clock := newTestEngine(store, disp, t0)

	a := thresholdAlert("a1", models.OpGt, 1500)
	a.Rule.DurationSec = 120
	if err := e.Create(a); err != nil {
		t.Fatal(err)
	}

	// First breach starts the clock, second at +1min is too soon.
	e.OnSample(powerSample(t0, 1600))
	*clock = t0.Add(time.Minute)
	e.OnSample(powerSample(*clock, 1600))
	if len(store.firings) != 0 {
		t.Fatal("fired before duration_sec elapsed")
	}

	// A dip resets the clock.
	*clock = t0.Add(2 * time.Minute)
	e.OnSample(powerSample(*clock, 1400))
	*clock = t0.Add(3 * time.Minute)
	e.OnSample(powerSample(*clock, 1600))
	*clock = t0.Add(4 * time.Minute)
	e.OnSample(powerSample(*clock, 1600))
	if len(store.firings) != 0 {
		t.Fatal("reset did not take effect")
	}

	// Held for the full duration: fires.
	*clock = t0.Add(5 * time.Minute)
	e.OnSample(powerSample(*clock, 1600))
	if len(store.firings) != 1 {
		t.Fatalf("firings = %d, want 1 after sustained breach", len(store.firings))
	}
}

func TestCreateRejectsInvalidRule(t *testing.T) {
	store := newMemStore()
	t0 := time.Unix(1_700_000_000, 0)
	e, _ := newTestEngine(store, &memDispatcher{}, t0)

	err := e.Create(&models.Alert{
		ID: "bad", Name: "broken", Enabled: true,
		Rule: models.Rule{Type: "bogus", DeviceIDs: []string{"d"}},
	})
	if err == nil {
		t.Fatal("invalid rule accepted at creation boundary")
	}
	if len(e.List("")) != 0 {
		t.Fatal("invalid alert cached")
	}
}
