package database

import (
	"context"
	"fmt"

	"speedtest-monitor/pkg/models"
)

// InitMeasurementSchema creates the measurements table and its indexes
func (db *DB) InitMeasurementSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.Measurement)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create measurements table: %v", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.Measurement)(nil)).
		Index("measurements_time_idx").
		Column("time").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create measurements index: %v", err)
	}

	return nil
}

func (db *DB) InsertMeasurement(ctx context.Context, measurement *models.Measurement) error {
	_, err := db.NewInsert().
		Model(measurement).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting measurement: %v", err)
	}

	return nil
}

// GetMeasurements returns the newest limit rows, oldest first. An empty
// sessionID matches every session; a limit of 0 returns all rows.
func (db *DB) GetMeasurements(ctx context.Context, sessionID string, limit int) ([]models.Measurement, error) {
	var measurements []models.Measurement
	q := db.NewSelect().
		Model(&measurements).
		Order("time DESC")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("error retrieving measurements: %v", err)
	}

	for i, j := 0, len(measurements)-1; i < j; i, j = i+1, j-1 {
		measurements[i], measurements[j] = measurements[j], measurements[i]
	}
	return measurements, nil
}
