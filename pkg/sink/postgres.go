package sink

import (
	"context"

	"speedtest-monitor/pkg/models"
)

// MeasurementStore is the part of the database the postgres sink needs.
type MeasurementStore interface {
	UpsertServer(ctx context.Context, server *models.Server) error
	InsertMeasurement(ctx context.Context, measurement *models.Measurement) error
}

type PostgresSink struct {
	store     MeasurementStore
	sessionID string
}

func NewPostgresSink(store MeasurementStore, sessionID string) *PostgresSink {
	return &PostgresSink{store: store, sessionID: sessionID}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, r models.MeasurementResult) error {
	server := r.Server
	if err := s.store.UpsertServer(ctx, &server); err != nil {
		return &SinkWriteError{Sink: s.Name(), Err: err}
	}
	if err := s.store.InsertMeasurement(ctx, models.NewMeasurement(s.sessionID, r)); err != nil {
		return &SinkWriteError{Sink: s.Name(), Err: err}
	}
	return nil
}
