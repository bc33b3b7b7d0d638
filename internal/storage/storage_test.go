package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"wattboard/internal/models"
)

var testNow = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return testNow }
	t.Cleanup(func() { s.Close() })
	return s
}

func powerSample(ts time.Time, value float64) *models.Sample {
	return &models.Sample{
		DeviceID:  "main-meter",
		MetricKey: "power_w",
		Timestamp: ts,
		Value:     value,
		Unit:      "W",
	}
}

func TestAppendAndLatest(t *testing.T) {
	s := testStorage(t)
	ts := testNow.Add(-time.Hour)

	if err := s.AppendSample(powerSample(ts, 1200)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSample(powerSample(ts.Add(time.Minute), 1210)); err != nil {
		t.Fatal(err)
	}

	value, got, err := s.LatestValue("main-meter", "power_w")
	if err != nil {
		t.Fatal(err)
	}
	if value != 1210 || !got.Equal(ts.Add(time.Minute)) {
		t.Fatalf("latest = %v at %v, want 1210 at %v", value, got, ts.Add(time.Minute))
	}

	seen, err := s.LastSeen("main-meter")
	if err != nil {
		t.Fatal(err)
	}
	if !seen.Equal(ts.Add(time.Minute)) {
		t.Fatalf("last_seen = %v, want %v", seen, ts.Add(time.Minute))
	}
}

func TestAppendRejectsLate(t *testing.T) {
	s := testStorage(t)

	err := s.AppendSample(powerSample(testNow.Add(-25*time.Hour), 1200))
	if !errors.Is(err, ErrRejectedLate) {
		t.Fatalf("err = %v, want ErrRejectedLate", err)
	}

	// A sample just inside the window is accepted.
	if err := s.AppendSample(powerSample(testNow.Add(-23*time.Hour), 1200)); err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateSampleDoesNotDoubleCount(t *testing.T) {
	s := testStorage(t)
	ts := testNow.Add(-time.Hour)

	for i := 0; i < 3; i++ {
		if err := s.AppendSample(powerSample(ts, 1200)); err != nil {
			t.Fatal(err)
		}
	}

	points, err := s.QueryRange([]string{"main-meter"}, "power_w",
		ts.Add(-time.Minute), ts.Add(time.Minute), models.GranularityMinute)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("buckets = %d, want 1", len(points))
	}
	if points[0].Count != 1 || points[0].Value != 1200 {
		t.Fatalf("bucket = %+v, want count 1 mean 1200", points[0])
	}
}

func TestRollupsAreIncremental(t *testing.T) {
	s := testStorage(t)
	base := testNow.Add(-time.Hour).Truncate(time.Minute)

	// Three samples inside one minute bucket.
	for i, v := range []float64{1100, 1200, 1300} {
		if err := s.AppendSample(powerSample(base.Add(time.Duration(i)*10*time.Second), v)); err != nil {
			t.Fatal(err)
		}
	}

	points, err := s.QueryRange([]string{"main-meter"}, "power_w",
		base, base.Add(time.Minute), models.GranularityMinute)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("buckets = %d, want 1", len(points))
	}
	b := points[0]
	if b.Count != 3 || b.Value != 1200 || b.Min != 1100 || b.Max != 1300 {
		t.Fatalf("bucket = %+v, want count 3 mean 1200 min 1100 max 1300", b)
	}

	// The hour and day rollups see the same samples.
	for _, g := range []models.Granularity{models.GranularityHour, models.GranularityDay} {
		points, err := s.QueryRange([]string{"main-meter"}, "power_w",
			testNow.Add(-25*time.Hour), testNow, g)
		if err != nil {
			t.Fatal(err)
		}
		if len(points) != 1 || points[0].Count != 3 {
			t.Fatalf("%s rollup = %+v, want one bucket of 3", g, points)
		}
	}
}

func TestQueryRangeRawOrdered(t *testing.T) {
	s := testStorage(t)
	base := testNow.Add(-time.Hour)

	// Out-of-order arrival within the lateness window.
	for _, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		if err := s.AppendSample(powerSample(base.Add(offset), float64(1000+offset/time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	points, err := s.QueryRange([]string{"main-meter"}, "power_w",
		base, base.Add(3*time.Minute), models.GranularityRaw)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp.Before(points[i-1].Timestamp) {
			t.Fatal("raw query not ordered by timestamp")
		}
	}
}

func TestQueryRangeUnknownResolution(t *testing.T) {
	s := testStorage(t)
	_, err := s.QueryRange([]string{"main-meter"}, "power_w", testNow.Add(-time.Hour), testNow, "weekly")
	if !errors.Is(err, models.ErrUnknownGranularity) {
		t.Fatalf("err = %v, want ErrUnknownGranularity", err)
	}
}

func TestDailySummaries(t *testing.T) {
	s := testStorage(t)
	if err := s.RegisterDevice("main-meter", "site-1", "Main Meter", "W"); err != nil {
		t.Fatal(err)
	}

	// A constant 6000W over 60 one-minute buckets is 6 kWh.
	base := testNow.Add(-3 * time.Hour).Truncate(time.Minute)
	for i := 0; i < 60; i++ {
		if err := s.AppendSample(powerSample(base.Add(time.Duration(i)*time.Minute), 6000)); err != nil {
			t.Fatal(err)
		}
	}

	summaries, err := s.DailySummaries("site-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1 day", len(summaries))
	}
	day := summaries[0]
	if day.Date != testNow.Format("2006-01-02") {
		t.Fatalf("date = %s, want %s", day.Date, testNow.Format("2006-01-02"))
	}
	if diff := day.KWh - 6.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("kwh = %v, want 6", day.KWh)
	}
	if day.PeakW != 6000 {
		t.Fatalf("peak = %v, want 6000", day.PeakW)
	}

	// A different site sees nothing.
	other, err := s.DailySummaries("site-2", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("site-2 summaries = %d, want 0", len(other))
	}
}

func TestEventLifecyclePersistence(t *testing.T) {
	s := testStorage(t)
	start := testNow.Add(-time.Hour)

	e := &models.Event{
		ID:        "evt-1",
		SiteID:    "site-1",
		DeviceIDs: []string{"main-meter"},
		MetricKey: "power_w",
		Type:      models.EventSpike,
		Severity:  4,
		StartTs:   start,
		Meta: models.EventMeta{
			PeakValue: 1260, ZMax: 6, BaselineMu: 1200, BaselineSigma: 10,
		},
	}
	if err := s.InsertEvent(e); err != nil {
		t.Fatal(err)
	}

	open, err := s.OpenEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ID != "evt-1" || !open[0].Open() {
		t.Fatalf("open events = %+v, want evt-1 open", open)
	}

	end := start.Add(5 * time.Minute)
	e.EndTs = &end
	e.Severity = 4
	if err := s.UpdateEvent(e); err != nil {
		t.Fatal(err)
	}

	open, err = s.OpenEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("open events after close = %d, want 0", len(open))
	}

	events, err := s.QueryEvents("site-1", start.Add(-time.Minute), testNow, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	got := events[0]
	if got.EndTs == nil || !got.EndTs.Equal(end) {
		t.Fatalf("end_ts = %v, want %v", got.EndTs, end)
	}
	if got.Meta.ZMax != 6 || got.Meta.PeakValue != 1260 {
		t.Fatalf("meta = %+v", got.Meta)
	}
}

func TestAlertCRUDAndFiringHistory(t *testing.T) {
	s := testStorage(t)

	a := &models.Alert{
		ID:      "a1",
		SiteID:  "site-1",
		Name:    "high power",
		Enabled: true,
		Rule: models.Rule{
			Type:      models.RuleThreshold,
			DeviceIDs: []string{"main-meter"},
			Key:       "power_w",
			Op:        models.OpGt,
			Value:     1500,
			Action:    models.Action{Email: []string{"ops@example.com"}},
		},
		CreatedAt: testNow,
	}
	if err := s.CreateAlert(a); err != nil {
		t.Fatal(err)
	}

	// Malformed rules never make it past the boundary.
	bad := *a
	bad.ID = "a2"
	bad.Rule.Op = "above"
	if err := s.CreateAlert(&bad); !errors.Is(err, models.ErrInvalidRule) {
		t.Fatalf("err = %v, want ErrInvalidRule", err)
	}

	got, err := s.GetAlert("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "high power" || got.Rule.Value != 1500 {
		t.Fatalf("got = %+v", got)
	}

	until := testNow.Add(30 * time.Minute)
	if err := s.SetSnooze("a1", until); err != nil {
		t.Fatal(err)
	}
	if err := s.SetLastFired("a1", testNow); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetAlert("a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SnoozedUntil == nil || !got.SnoozedUntil.Equal(until) {
		t.Fatalf("snoozed_until = %v, want %v", got.SnoozedUntil, until)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(testNow) {
		t.Fatalf("last_fired_at = %v, want %v", got.LastFiredAt, testNow)
	}

	f := &models.Firing{
		ID: "f1", AlertID: "a1", Ts: testNow,
		Payload: []byte(`{"value":1600}`), Status: "dispatched",
	}
	if err := s.InsertFiring(f); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFiringStatus("f1", "dispatch_failed"); err != nil {
		t.Fatal(err)
	}
	history, err := s.FiringHistory("a1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != "dispatch_failed" {
		t.Fatalf("history = %+v, want one failed firing", history)
	}

	if err := s.DeleteAlert("a1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAlert("a1"); err == nil {
		t.Fatal("alert survived delete")
	}
}
