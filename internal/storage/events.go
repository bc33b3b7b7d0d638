package storage

import (
	"database/sql"
	"fmt"
	"time"

	"wattboard/internal/models"
)

// InsertEvent stores a newly opened anomaly event.
func (s *Storage) InsertEvent(e *models.Event) error {
	var endTs any
	if e.EndTs != nil {
		endTs = e.EndTs.UnixNano()
	}
	deviceID := ""
	if len(e.DeviceIDs) > 0 {
		deviceID = e.DeviceIDs[0]
	}
	_, err := s.db.Exec(`
		INSERT INTO events
			(id, site_id, device_id, metric_key, type, severity, start_ts, end_ts,
			 peak_value, zmax, baseline_mu, baseline_sigma)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.SiteID, deviceID, e.MetricKey, string(e.Type), e.Severity,
		e.StartTs.UnixNano(), endTs,
		e.Meta.PeakValue, e.Meta.ZMax, e.Meta.BaselineMu, e.Meta.BaselineSigma,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// UpdateEvent rewrites the mutable fields of an event: its end bound,
// severity, and detection measurements.
func (s *Storage) UpdateEvent(e *models.Event) error {
	var endTs any
	if e.EndTs != nil {
		endTs = e.EndTs.UnixNano()
	}
	res, err := s.db.Exec(`
		UPDATE events SET severity=?, end_ts=?, peak_value=?, zmax=?,
			baseline_mu=?, baseline_sigma=?
		WHERE id=?`,
		e.Severity, endTs,
		e.Meta.PeakValue, e.Meta.ZMax, e.Meta.BaselineMu, e.Meta.BaselineSigma,
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("event not found: %s", e.ID)
	}
	return nil
}

// QueryEvents returns events for a site ordered newest first, optionally
// bounded by time and filtered to a device set.
func (s *Storage) QueryEvents(siteID string, from, to time.Time, deviceIDs []string) ([]models.Event, error) {
	query := `SELECT id, site_id, device_id, metric_key, type, severity, start_ts, end_ts,
		peak_value, zmax, baseline_mu, baseline_sigma FROM events WHERE site_id = ?`
	args := []any{siteID}

	if !from.IsZero() {
		query += ` AND start_ts >= ?`
		args = append(args, from.UnixNano())
	}
	if !to.IsZero() {
		query += ` AND start_ts <= ?`
		args = append(args, to.UnixNano())
	}
	if len(deviceIDs) > 0 {
		placeholders, idArgs := inClause(deviceIDs)
		query += ` AND device_id IN (` + placeholders + `)`
		args = append(args, idArgs...)
	}
	query += ` ORDER BY start_ts DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// OpenEvents returns all events with no end bound, used to restore
// detector state after a restart.
func (s *Storage) OpenEvents() ([]models.Event, error) {
	rows, err := s.db.Query(`SELECT id, site_id, device_id, metric_key, type, severity,
		start_ts, end_ts, peak_value, zmax, baseline_mu, baseline_sigma
		FROM events WHERE end_ts IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var e models.Event
	var deviceID, typ string
	var startNs int64
	var endNs sql.NullInt64
	err := rows.Scan(
		&e.ID, &e.SiteID, &deviceID, &e.MetricKey, &typ, &e.Severity,
		&startNs, &endNs,
		&e.Meta.PeakValue, &e.Meta.ZMax, &e.Meta.BaselineMu, &e.Meta.BaselineSigma,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	e.DeviceIDs = []string{deviceID}
	e.Type = models.EventType(typ)
	e.StartTs = time.Unix(0, startNs).UTC()
	if endNs.Valid {
		end := time.Unix(0, endNs.Int64).UTC()
		e.EndTs = &end
	}
	return &e, nil
}
