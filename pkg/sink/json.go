package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"speedtest-monitor/pkg/models"
)

// JSONSink keeps all results as one JSON array. Each write rewrites the whole
// file.
type JSONSink struct {
	path string
}

func NewJSONSink(path string) *JSONSink {
	return &JSONSink{path: path}
}

func (s *JSONSink) Name() string { return "json" }

func (s *JSONSink) Write(ctx context.Context, r models.MeasurementResult) error {
	if err := s.write(r); err != nil {
		return &SinkWriteError{Sink: s.Name(), Path: s.path, Err: err}
	}
	return nil
}

func (s *JSONSink) write(r models.MeasurementResult) error {
	results, err := ReadJSON(s.path)
	if err != nil {
		return err
	}
	results = append(results, r)

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// ReadJSON returns the results stored in a JSON results file. A missing or
// empty file yields no results.
func ReadJSON(path string) ([]models.MeasurementResult, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var results []models.MeasurementResult
	if err := json.Unmarshal(raw, &results); err != nil {
		var legacy struct {
			SpeedTests json.RawMessage `json:"speed_tests"`
		}
		if json.Unmarshal(raw, &legacy) == nil && legacy.SpeedTests != nil {
			return nil, fmt.Errorf("%s: speed_tests object: %w", path, ErrIncompatibleFile)
		}
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return results, nil
}
