package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"speedtest-monitor/pkg/models"
)

// CSVHeader is the first row of every results file.
var CSVHeader = []string{
	"timestamp",
	"download_mbps",
	"upload_mbps",
	"ping_ms",
	"server_host",
	"server_name",
	"server_country",
}

type CSVSink struct {
	path string
}

func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path}
}

func (s *CSVSink) Name() string { return "csv" }

// Write appends one row, creating the file with a header row when it is
// missing or empty.
func (s *CSVSink) Write(ctx context.Context, r models.MeasurementResult) error {
	if err := s.write(r); err != nil {
		return &SinkWriteError{Sink: s.Name(), Path: s.path, Err: err}
	}
	return nil
}

func (s *CSVSink) write(r models.MeasurementResult) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := checkCSVHeader(s.path); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(CSVHeader); err != nil {
			return err
		}
	}
	if err := w.Write(csvRow(r)); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// checkCSVHeader refuses to append to a non-empty file whose first row is not
// CSVHeader.
func checkCSVHeader(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	rd := csv.NewReader(f)
	rd.FieldsPerRecord = -1
	header, err := rd.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if !slices.Equal(header, CSVHeader) {
		return fmt.Errorf("%s: header %v: %w", path, header, ErrIncompatibleFile)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func csvRow(r models.MeasurementResult) []string {
	return []string{
		r.Timestamp.Format(time.RFC3339Nano),
		formatFloat(r.DownloadMbps),
		formatFloat(r.UploadMbps),
		formatFloat(r.PingMs),
		r.Server.Host,
		r.Server.Name,
		r.Server.Country,
	}
}

// ReadCSV returns the results recorded in a CSV results file in write
// order. Only the server fields present in the file are populated. A
// missing file yields no results.
func ReadCSV(path string) ([]models.MeasurementResult, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rd := csv.NewReader(f)
	rd.FieldsPerRecord = -1

	var results []models.MeasurementResult
	for line := 1; ; line++ {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if line == 1 {
			if !slices.Equal(rec, CSVHeader) {
				return nil, fmt.Errorf("%s: header %v: %w", path, rec, ErrIncompatibleFile)
			}
			continue
		}
		if len(rec) != len(CSVHeader) {
			return nil, fmt.Errorf("%s line %d: got %d fields, want %d", path, line, len(rec), len(CSVHeader))
		}
		r, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		results = append(results, r)
	}
	return results, nil
}

func parseRow(rec []string) (models.MeasurementResult, error) {
	ts, err := time.Parse(time.RFC3339Nano, rec[0])
	if err != nil {
		return models.MeasurementResult{}, fmt.Errorf("bad timestamp: %w", err)
	}
	var vals [3]float64
	for i := range vals {
		if vals[i], err = strconv.ParseFloat(rec[i+1], 64); err != nil {
			return models.MeasurementResult{}, fmt.Errorf("bad %s: %w", CSVHeader[i+1], err)
		}
	}
	return models.MeasurementResult{
		Timestamp:    ts,
		DownloadMbps: vals[0],
		UploadMbps:   vals[1],
		PingMs:       vals[2],
		Server: models.Server{
			Host:    rec[4],
			Name:    rec[5],
			Country: rec[6],
		},
	}, nil
}
