package intake

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"wattboard/internal/logger"
	"wattboard/internal/metrics"
	"wattboard/internal/models"
)

// ErrMissingColumns is returned when the CSV header lacks a required
// column.
var ErrMissingColumns = errors.New("csv header missing required columns")

var requiredColumns = []string{"timestamp", "device_id", "metric_key", "value"}

// ImportResult summarizes one bulk import. Imports are not
// transactional: rows committed before a failure or cancellation stay
// committed.
type ImportResult struct {
	Imported int `json:"imported_rows"`
	Skipped  int `json:"skipped_rows"`
}

// Importer replays historical samples from CSV through the ordinary
// ingestion path, throttled so bulk loads cannot starve live intake.
type Importer struct {
	submit     SubmitFunc
	ratePerSec int
	log        zerolog.Logger
}

// NewImporter creates an importer. ratePerSec of 0 disables
// throttling.
func NewImporter(submit SubmitFunc, ratePerSec int) *Importer {
	return &Importer{
		submit:     submit,
		ratePerSec: ratePerSec,
		log:        logger.WithComponent("csv_import"),
	}
}

// Import reads rows from r and submits them in file order. Malformed
// rows are skipped and counted; a cancelled context aborts the import,
// returning the partial result alongside the context error.
func (im *Importer) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return res, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return res, err
	}

	var throttle *time.Ticker
	if im.ratePerSec > 0 {
		throttle = time.NewTicker(time.Second / time.Duration(im.ratePerSec))
		defer throttle.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			im.log.Warn().Int("imported", res.Imported).Int("skipped", res.Skipped).
				Msg("csv import aborted")
			return res, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Skipped++
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		sample, err := parseRow(record, cols)
		if err != nil {
			res.Skipped++
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			im.log.Debug().Err(err).Msg("skipping malformed csv row")
			continue
		}

		if throttle != nil {
			select {
			case <-throttle.C:
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}

		if err := im.submit(sample); err != nil {
			res.Skipped++
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			im.log.Debug().Err(err).Str("device_id", sample.DeviceID).Msg("csv row rejected")
			continue
		}
		res.Imported++
		metrics.ImportRowsTotal.WithLabelValues("imported").Inc()
		metrics.SamplesIngestedTotal.WithLabelValues("csv").Inc()
	}

	im.log.Info().Int("imported", res.Imported).Int("skipped", res.Skipped).
		Msg("csv import finished")
	return res, nil
}

// columnIndex maps required and optional column names to positions.
func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumns, name)
		}
	}
	return cols, nil
}

func parseRow(record []string, cols map[string]int) (*models.Sample, error) {
	field := func(name string) (string, error) {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return "", fmt.Errorf("row missing %s", name)
		}
		return record[idx], nil
	}

	rawTs, err := field("timestamp")
	if err != nil {
		return nil, err
	}
	ts, err := models.ParseTimestamp(rawTs)
	if err != nil {
		return nil, err
	}
	deviceID, err := field("device_id")
	if err != nil {
		return nil, err
	}
	metricKey, err := field("metric_key")
	if err != nil {
		return nil, err
	}
	rawValue, err := field("value")
	if err != nil {
		return nil, err
	}
	value, err := strconv.ParseFloat(rawValue, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", rawValue, err)
	}

	sample := &models.Sample{
		DeviceID:  deviceID,
		MetricKey: metricKey,
		Timestamp: ts,
		Value:     value,
	}
	if idx, ok := cols["unit"]; ok && idx < len(record) {
		sample.Unit = record[idx]
	}
	sample.Normalize()
	if err := sample.Validate(); err != nil {
		return nil, err
	}
	return sample, nil
}
