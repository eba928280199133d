// Package sink persists completed measurements.
package sink

import (
	"context"
	"errors"
	"fmt"

	"speedtest-monitor/pkg/config"
	"speedtest-monitor/pkg/models"
)

// Sink is a persistence target for measurement results.
type Sink interface {
	Name() string
	Write(ctx context.Context, result models.MeasurementResult) error
}

// ErrIncompatibleFile marks a results file written in an older layout: a CSV
// file whose header differs from CSVHeader, or a JSON file holding a
// {"speed_tests": [...]} object. Such files are never rewritten in place.
var ErrIncompatibleFile = errors.New("results file has an incompatible format; move it aside")

// SinkWriteError reports a sink that could not record a result.
type SinkWriteError struct {
	Sink string
	Path string
	Err  error
}

func (e *SinkWriteError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sink %s: write to %s failed: %v", e.Sink, e.Path, e.Err)
	}
	return fmt.Sprintf("sink %s: write failed: %v", e.Sink, e.Err)
}

func (e *SinkWriteError) Unwrap() error {
	return e.Err
}

// Multi writes every result to each of its sinks in order. A failing sink
// does not prevent the remaining ones from being written.
type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Names() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Write returns the joined *SinkWriteError of every sink that failed.
func (m *Multi) Write(ctx context.Context, result models.MeasurementResult) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, result); err != nil {
			var swe *SinkWriteError
			if !errors.As(err, &swe) {
				err = &SinkWriteError{Sink: s.Name(), Err: err}
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the sinks enabled in cfg. store is only needed when the
// postgres sink is enabled.
func FromConfig(cfg config.SinkConfig, store MeasurementStore, sessionID string) (*Multi, error) {
	var sinks []Sink
	if cfg.CSVEnabled {
		sinks = append(sinks, NewCSVSink(cfg.CSVPath()))
	}
	if cfg.JSONEnabled {
		sinks = append(sinks, NewJSONSink(cfg.JSONPath()))
	}
	if cfg.PostgresEnabled {
		if store == nil {
			return nil, fmt.Errorf("postgres output enabled but no database configured")
		}
		sinks = append(sinks, NewPostgresSink(store, sessionID))
	}
	return NewMulti(sinks...), nil
}
