package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wattboard/internal/models"
)

// CreateAlert validates the rule shape and stores the alert. Malformed
// rules are rejected here so the evaluator only ever sees valid variants.
func (s *Storage) CreateAlert(a *models.Alert) error {
	if err := a.Rule.Validate(); err != nil {
		return err
	}
	ruleJSON, err := json.Marshal(a.Rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO alerts (id, site_id, name, rule, enabled, snoozed_until, last_fired_at, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.SiteID, a.Name, string(ruleJSON), boolToInt(a.Enabled),
		nanoOrNil(a.SnoozedUntil), nanoOrNil(a.LastFiredAt), a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetAlert loads one alert by ID.
func (s *Storage) GetAlert(id string) (*models.Alert, error) {
	row := s.db.QueryRow(`SELECT `+alertCols+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns all alerts, newest first. An empty siteID lists
// every site.
func (s *Storage) ListAlerts(siteID string) ([]models.Alert, error) {
	query := `SELECT ` + alertCols + ` FROM alerts`
	args := []any{}
	if siteID != "" {
		query += ` WHERE site_id = ?`
		args = append(args, siteID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// UpdateAlert rewrites name, rule and enabled state.
func (s *Storage) UpdateAlert(a *models.Alert) error {
	if err := a.Rule.Validate(); err != nil {
		return err
	}
	ruleJSON, err := json.Marshal(a.Rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	res, err := s.db.Exec(`UPDATE alerts SET name=?, rule=?, enabled=? WHERE id=?`,
		a.Name, string(ruleJSON), boolToInt(a.Enabled), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("alert not found: %s", a.ID)
	}
	return nil
}

// DeleteAlert removes the alert; firing history cascades.
func (s *Storage) DeleteAlert(id string) error {
	res, err := s.db.Exec(`DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("alert not found: %s", id)
	}
	return nil
}

// SetSnooze overwrites the snooze bound. Last write wins, no stacking.
func (s *Storage) SetSnooze(id string, until time.Time) error {
	res, err := s.db.Exec(`UPDATE alerts SET snoozed_until=? WHERE id=?`, until.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to snooze alert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("alert not found: %s", id)
	}
	return nil
}

// SetLastFired records when the alert last fired, for cooldown.
func (s *Storage) SetLastFired(id string, ts time.Time) error {
	_, err := s.db.Exec(`UPDATE alerts SET last_fired_at=? WHERE id=?`, ts.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to set last_fired_at: %w", err)
	}
	return nil
}

// InsertFiring appends one firing record to the alert history.
func (s *Storage) InsertFiring(f *models.Firing) error {
	_, err := s.db.Exec(`
		INSERT INTO alert_firings (id, alert_id, ts, payload, status) VALUES (?,?,?,?,?)`,
		f.ID, f.AlertID, f.Ts.UnixNano(), string(f.Payload), f.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert firing: %w", err)
	}
	return nil
}

// SetFiringStatus updates a firing's delivery outcome, e.g. when the
// dispatch queue gives up on the notifier.
func (s *Storage) SetFiringStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE alert_firings SET status=? WHERE id=?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set firing status: %w", err)
	}
	return nil
}

// FiringHistory returns the newest firings for one alert.
func (s *Storage) FiringHistory(alertID string, limit int) ([]models.Firing, error) {
	rows, err := s.db.Query(`
		SELECT id, alert_id, ts, payload, status FROM alert_firings
		WHERE alert_id = ? ORDER BY ts DESC LIMIT ?`, alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query firings: %w", err)
	}
	defer rows.Close()

	firings := []models.Firing{}
	for rows.Next() {
		var f models.Firing
		var ns int64
		var payload string
		if err := rows.Scan(&f.ID, &f.AlertID, &ns, &payload, &f.Status); err != nil {
			return nil, fmt.Errorf("failed to scan firing: %w", err)
		}
		f.Ts = time.Unix(0, ns).UTC()
		f.Payload = json.RawMessage(payload)
		firings = append(firings, f)
	}
	return firings, rows.Err()
}

const alertCols = `id, site_id, name, rule, enabled, snoozed_until, last_fired_at, created_at`

func scanAlert(scan func(...any) error) (*models.Alert, error) {
	var a models.Alert
	var ruleJSON string
	var enabled int
	var snoozedNs, firedNs sql.NullInt64
	var createdNs int64
	err := scan(&a.ID, &a.SiteID, &a.Name, &ruleJSON, &enabled, &snoozedNs, &firedNs, &createdNs)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ruleJSON), &a.Rule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule: %w", err)
	}
	a.Enabled = enabled != 0
	if snoozedNs.Valid {
		t := time.Unix(0, snoozedNs.Int64).UTC()
		a.SnoozedUntil = &t
	}
	if firedNs.Valid {
		t := time.Unix(0, firedNs.Int64).UTC()
		a.LastFiredAt = &t
	}
	a.CreatedAt = time.Unix(0, createdNs).UTC()
	return &a, nil
}

func nanoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
