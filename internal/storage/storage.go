// Package storage provides SQLite-backed persistence for samples, rollups,
// anomaly events, alerts, and firing history.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wattboard/internal/models"
)

// ErrRejectedLate marks a sample whose timestamp fell outside the maximum
// lateness window. Logged by callers, never fatal.
var ErrRejectedLate = errors.New("sample rejected: timestamp older than max lateness")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db          *sql.DB
	maxLateness time.Duration

	// now is swappable for tests
	now func() time.Time
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/wattboard/data.db.
func New(dbPath string, maxLateness time.Duration) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "wattboard", "data.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxLateness: maxLateness, now: time.Now}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Storage) Ping() error {
	return s.db.Ping()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id  TEXT PRIMARY KEY,
			site_id    TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			unit       TEXT NOT NULL DEFAULT '',
			last_seen  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS samples (
			device_id  TEXT NOT NULL,
			metric_key TEXT NOT NULL,
			ts         INTEGER NOT NULL,
			value      REAL NOT NULL,
			unit       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (device_id, metric_key, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS rollups (
			device_id    TEXT NOT NULL,
			metric_key   TEXT NOT NULL,
			granularity  TEXT NOT NULL,
			bucket_start INTEGER NOT NULL,
			sum          REAL NOT NULL,
			count        INTEGER NOT NULL,
			min          REAL NOT NULL,
			max          REAL NOT NULL,
			PRIMARY KEY (device_id, metric_key, granularity, bucket_start)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id             TEXT PRIMARY KEY,
			site_id        TEXT NOT NULL,
			device_id      TEXT NOT NULL,
			metric_key     TEXT NOT NULL,
			type           TEXT NOT NULL,
			severity       INTEGER NOT NULL,
			start_ts       INTEGER NOT NULL,
			end_ts         INTEGER,
			peak_value     REAL NOT NULL,
			zmax           REAL NOT NULL,
			baseline_mu    REAL NOT NULL,
			baseline_sigma REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_start_ts ON events(start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_site ON events(site_id)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id            TEXT PRIMARY KEY,
			site_id       TEXT NOT NULL,
			name          TEXT NOT NULL,
			rule          TEXT NOT NULL,
			enabled       INTEGER NOT NULL DEFAULT 1,
			snoozed_until INTEGER,
			last_fired_at INTEGER,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_firings (
			id       TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
			ts       INTEGER NOT NULL,
			payload  TEXT NOT NULL,
			status   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_firings_alert_ts ON alert_firings(alert_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendSample stores one sample and folds it into its minute, hour and
// day rollup buckets in a single transaction. Samples older than the
// maximum lateness window are rejected with ErrRejectedLate; duplicate
// (device, key, ts) samples are ignored without touching rollups.
func (s *Storage) AppendSample(sample *models.Sample) error {
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("invalid sample: %w", err)
	}
	if sample.Timestamp.Before(s.now().Add(-s.maxLateness)) {
		return fmt.Errorf("%w: ts=%s", ErrRejectedLate, sample.Timestamp.Format(time.RFC3339))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`
		INSERT INTO samples (device_id, metric_key, ts, value, unit)
		VALUES (?,?,?,?,?)
		ON CONFLICT (device_id, metric_key, ts) DO NOTHING`,
		sample.DeviceID, sample.MetricKey, sample.Timestamp.UnixNano(), sample.Value, sample.Unit,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate delivery; rollups already account for it.
		return tx.Commit()
	}

	if _, err := tx.Exec(`
		INSERT INTO devices (device_id, last_seen) VALUES (?, ?)
		ON CONFLICT (device_id) DO UPDATE SET last_seen = MAX(last_seen, excluded.last_seen)`,
		sample.DeviceID, sample.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to update device last_seen: %w", err)
	}

	for _, g := range []models.Granularity{models.GranularityMinute, models.GranularityHour, models.GranularityDay} {
		start, err := models.BucketStart(sample.Timestamp, g)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO rollups (device_id, metric_key, granularity, bucket_start, sum, count, min, max)
			VALUES (?,?,?,?,?,1,?,?)
			ON CONFLICT (device_id, metric_key, granularity, bucket_start) DO UPDATE SET
				sum   = sum + excluded.sum,
				count = count + 1,
				min   = MIN(min, excluded.min),
				max   = MAX(max, excluded.max)`,
			sample.DeviceID, sample.MetricKey, string(g), start.UnixNano(),
			sample.Value, sample.Value, sample.Value,
		); err != nil {
			return fmt.Errorf("failed to update %s rollup: %w", g, err)
		}
	}

	return tx.Commit()
}

// RegisterDevice records or updates device identity metadata.
func (s *Storage) RegisterDevice(deviceID, siteID, name, unit string) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, site_id, name, unit, last_seen)
		VALUES (?,?,?,?,0)
		ON CONFLICT (device_id) DO UPDATE SET site_id = excluded.site_id,
			name = excluded.name, unit = excluded.unit`,
		deviceID, siteID, name, unit,
	)
	if err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}

// DeviceSite returns the site a device belongs to, or an empty string
// for an unregistered device.
func (s *Storage) DeviceSite(deviceID string) (string, error) {
	var siteID string
	err := s.db.QueryRow(`SELECT site_id FROM devices WHERE device_id = ?`, deviceID).Scan(&siteID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device site: %w", err)
	}
	return siteID, nil
}

// LastSeen returns the newest sample timestamp recorded for a device,
// or a zero time if the device has never reported.
func (s *Storage) LastSeen(deviceID string) (time.Time, error) {
	var ns sql.NullInt64
	err := s.db.QueryRow(`SELECT last_seen FROM devices WHERE device_id = ?`, deviceID).Scan(&ns)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last_seen: %w", err)
	}
	if !ns.Valid || ns.Int64 == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, ns.Int64).UTC(), nil
}

// LatestValue returns the most recent sample value for one series.
func (s *Storage) LatestValue(deviceID, metricKey string) (float64, time.Time, error) {
	var value float64
	var ns int64
	err := s.db.QueryRow(`
		SELECT value, ts FROM samples
		WHERE device_id = ? AND metric_key = ?
		ORDER BY ts DESC LIMIT 1`,
		deviceID, metricKey,
	).Scan(&value, &ns)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to query latest value: %w", err)
	}
	return value, time.Unix(0, ns).UTC(), nil
}

// QueryRange returns the series for the given devices and metric key in
// [from, to]. Raw resolution reads samples; coarser resolutions are
// served from rollup buckets so query cost stays independent of raw
// ingestion volume.
func (s *Storage) QueryRange(deviceIDs []string, metricKey string, from, to time.Time, res models.Granularity) ([]models.Point, error) {
	if !res.Valid() {
		return nil, models.ErrUnknownGranularity
	}
	if len(deviceIDs) == 0 {
		return []models.Point{}, nil
	}

	placeholders, args := inClause(deviceIDs)

	if res == models.GranularityRaw {
		query := `SELECT device_id, ts, value FROM samples
			WHERE metric_key = ? AND ts >= ? AND ts <= ? AND device_id IN (` + placeholders + `)
			ORDER BY ts ASC`
		rows, err := s.db.Query(query, append([]any{metricKey, from.UnixNano(), to.UnixNano()}, args...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query samples: %w", err)
		}
		defer rows.Close()

		points := []models.Point{}
		for rows.Next() {
			var p models.Point
			var ns int64
			if err := rows.Scan(&p.DeviceID, &ns, &p.Value); err != nil {
				return nil, fmt.Errorf("failed to scan sample: %w", err)
			}
			p.MetricKey = metricKey
			p.Timestamp = time.Unix(0, ns).UTC()
			points = append(points, p)
		}
		return points, rows.Err()
	}

	query := `SELECT device_id, bucket_start, sum, count, min, max FROM rollups
		WHERE metric_key = ? AND granularity = ? AND bucket_start >= ? AND bucket_start <= ?
			AND device_id IN (` + placeholders + `)
		ORDER BY bucket_start ASC`
	rows, err := s.db.Query(query, append([]any{metricKey, string(res), from.UnixNano(), to.UnixNano()}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	defer rows.Close()

	points := []models.Point{}
	for rows.Next() {
		var p models.Point
		var ns int64
		var sum float64
		if err := rows.Scan(&p.DeviceID, &ns, &sum, &p.Count, &p.Min, &p.Max); err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		p.MetricKey = metricKey
		p.Timestamp = time.Unix(0, ns).UTC()
		if p.Count > 0 {
			p.Value = sum / float64(p.Count)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// DailySummaries aggregates a site's power series into per-day energy
// totals over the last `days` days, served entirely from minute rollups.
// kWh per day is the sum over minute buckets of mean watts / 60 / 1000.
func (s *Storage) DailySummaries(siteID string, days int) ([]models.DailySummary, error) {
	end := s.now().UTC()
	start := end.AddDate(0, 0, -days).Truncate(24 * time.Hour)

	rows, err := s.db.Query(`
		SELECT r.bucket_start, SUM(r.sum) * 1.0 / SUM(r.count)
		FROM rollups r
		JOIN devices d ON d.device_id = r.device_id
		WHERE d.site_id = ? AND r.metric_key = 'power_w' AND r.granularity = ?
			AND r.bucket_start >= ? AND r.bucket_start <= ?
		GROUP BY r.bucket_start
		ORDER BY r.bucket_start ASC`,
		siteID, string(models.GranularityMinute), start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query minute rollups: %w", err)
	}
	defer rows.Close()

	type dayAgg struct {
		kwh    float64
		peakW  float64
		peakTs time.Time
	}
	byDay := make(map[string]*dayAgg)
	var order []string

	for rows.Next() {
		var ns int64
		var meanW float64
		if err := rows.Scan(&ns, &meanW); err != nil {
			return nil, fmt.Errorf("failed to scan minute rollup: %w", err)
		}
		ts := time.Unix(0, ns).UTC()
		date := ts.Format("2006-01-02")
		agg, ok := byDay[date]
		if !ok {
			agg = &dayAgg{}
			byDay[date] = agg
			order = append(order, date)
		}
		agg.kwh += meanW / 60.0 / 1000.0
		if meanW > agg.peakW {
			agg.peakW = meanW
			agg.peakTs = ts
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summaries := make([]models.DailySummary, 0, len(order))
	for _, date := range order {
		agg := byDay[date]
		summaries = append(summaries, models.DailySummary{
			Date:   date,
			SiteID: siteID,
			KWh:    agg.kwh,
			PeakW:  agg.peakW,
			PeakTs: agg.peakTs,
		})
	}
	return summaries, nil
}

func inClause(ids []string) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	return placeholders, args
}
