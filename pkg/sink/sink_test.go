package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"speedtest-monitor/pkg/config"
	"speedtest-monitor/pkg/models"
)

func testResults(n int) []models.MeasurementResult {
	base := time.Date(2024, 3, 9, 8, 30, 0, 123456789, time.UTC)
	out := make([]models.MeasurementResult, n)
	for i := range out {
		out[i] = models.MeasurementResult{
			Timestamp:    base.Add(time.Duration(i) * 10 * time.Minute),
			DownloadMbps: 93.123456789 + float64(i),
			UploadMbps:   10.5 + float64(i)/3,
			PingMs:       12.7,
			Server: models.Server{
				ID:          "21541",
				Host:        "speedtest.example.net:8080",
				Sponsor:     "Example, Inc.",
				Name:        "Frankfurt \"Main\"",
				Country:     "Germany",
				CountryCode: "DE",
				URL:         "http://speedtest.example.net:8080/speedtest/upload.php",
				Distance:    14.2,
			},
		}
	}
	return out
}

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", config.CSVFileName)
	s := NewCSVSink(path)
	want := testResults(4)

	for _, r := range want {
		if err := s.Write(context.Background(), r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading back csv: %v", err)
	}
	if len(rows) != len(want)+1 {
		t.Fatalf("csv has %d rows, want %d", len(rows), len(want)+1)
	}
	if !reflect.DeepEqual(rows[0], CSVHeader) {
		t.Errorf("header = %v, want %v", rows[0], CSVHeader)
	}

	got, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	for i := range want {
		if !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("row %d timestamp = %v, want %v", i, got[i].Timestamp, want[i].Timestamp)
		}
		if got[i].DownloadMbps != want[i].DownloadMbps || got[i].UploadMbps != want[i].UploadMbps || got[i].PingMs != want[i].PingMs {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
		if got[i].Server.Name != want[i].Server.Name || got[i].Server.Host != want[i].Server.Host {
			t.Errorf("row %d server = %+v", i, got[i].Server)
		}
	}
}

func TestCSVSinkHeaderOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.CSVFileName)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	for _, r := range testResults(2) {
		if err := NewCSVSink(path).Write(context.Background(), r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	got, err := ReadCSV(path)
	if err != nil || len(got) != 2 {
		t.Fatalf("ReadCSV() = %d results, %v; want 2", len(got), err)
	}
}

func TestJSONSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.JSONFileName)
	s := NewJSONSink(path)
	want := testResults(5)

	for _, r := range want {
		if err := s.Write(context.Background(), r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	got, err := ReadJSON(path)
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ReadJSON() returned %d objects, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("object %d timestamp = %v, want %v", i, got[i].Timestamp, want[i].Timestamp)
		}
		g, w := got[i], want[i]
		g.Timestamp, w.Timestamp = time.Time{}, time.Time{}
		if !reflect.DeepEqual(g, w) {
			t.Errorf("object %d = %+v, want %+v", i, g, w)
		}
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}

func TestJSONSinkCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.JSONFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := NewJSONSink(path).Write(context.Background(), testResults(1)[0])
	var swe *SinkWriteError
	if !errors.As(err, &swe) || swe.Sink != "json" {
		t.Fatalf("Write() error = %v, want *SinkWriteError from json", err)
	}
}

func TestOldFormatFilesRejected(t *testing.T) {
	oldCSV := "timestamp,download_mbps,upload_mbps,ping_ms,server_id,server_host,server_name,server_country\n" +
		"2024-03-09T08:30:00Z,93.4,10.5,12.7,21541,speed.example.net:8080,Frankfurt,Germany\n"
	tests := []struct {
		name  string
		file  string
		data  string
		write func(path string) error
		read  func(path string) error
	}{
		{
			name:  "csv with eight columns",
			file:  config.CSVFileName,
			data:  oldCSV,
			write: func(path string) error { return NewCSVSink(path).Write(context.Background(), testResults(1)[0]) },
			read:  func(path string) error { _, err := ReadCSV(path); return err },
		},
		{
			name:  "json speed_tests object",
			file:  config.JSONFileName,
			data:  `{"speed_tests": [{"download": 93.4}]}`,
			write: func(path string) error { return NewJSONSink(path).Write(context.Background(), testResults(1)[0]) },
			read:  func(path string) error { _, err := ReadJSON(path); return err },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.data), 0o644); err != nil {
				t.Fatal(err)
			}

			if err := tt.write(path); !errors.Is(err, ErrIncompatibleFile) {
				t.Errorf("Write() error = %v, want ErrIncompatibleFile", err)
			}
			if err := tt.read(path); !errors.Is(err, ErrIncompatibleFile) {
				t.Errorf("read error = %v, want ErrIncompatibleFile", err)
			}

			data, err := os.ReadFile(path)
			if err != nil || string(data) != tt.data {
				t.Errorf("file was modified: %q, %v", data, err)
			}
		})
	}
}

func TestUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A regular file where a directory is expected makes every write fail.
	tests := []Sink{
		NewCSVSink(filepath.Join(blocker, config.CSVFileName)),
		NewJSONSink(filepath.Join(blocker, config.JSONFileName)),
	}
	for _, s := range tests {
		t.Run(s.Name(), func(t *testing.T) {
			err := s.Write(context.Background(), testResults(1)[0])
			var swe *SinkWriteError
			if !errors.As(err, &swe) {
				t.Errorf("Write() error = %v, want *SinkWriteError", err)
			}
		})
	}
}

type recordingSink struct {
	name    string
	err     error
	written []models.MeasurementResult
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Write(ctx context.Context, res models.MeasurementResult) error {
	if r.err != nil {
		return r.err
	}
	r.written = append(r.written, res)
	return nil
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("disk full")}
	good := &recordingSink{name: "good"}
	m := NewMulti(bad, good)

	err := m.Write(context.Background(), testResults(1)[0])
	if err == nil {
		t.Fatalf("Write() error = nil, want failure from bad sink")
	}
	var swe *SinkWriteError
	if !errors.As(err, &swe) || swe.Sink != "bad" {
		t.Errorf("Write() error = %v, want *SinkWriteError for bad", err)
	}
	if len(good.written) != 1 {
		t.Errorf("good sink got %d writes, want 1", len(good.written))
	}
}

type fakeStore struct {
	servers      []models.Server
	measurements []*models.Measurement
	err          error
}

func (f *fakeStore) UpsertServer(ctx context.Context, s *models.Server) error {
	if f.err != nil {
		return f.err
	}
	f.servers = append(f.servers, *s)
	return nil
}

func (f *fakeStore) InsertMeasurement(ctx context.Context, m *models.Measurement) error {
	f.measurements = append(f.measurements, m)
	return nil
}

func TestPostgresSink(t *testing.T) {
	store := &fakeStore{}
	r := testResults(1)[0]
	if err := NewPostgresSink(store, "session-1").Write(context.Background(), r); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(store.servers) != 1 || store.servers[0].ID != "21541" {
		t.Errorf("upserted servers = %+v", store.servers)
	}
	if len(store.measurements) != 1 {
		t.Fatalf("inserted %d measurements, want 1", len(store.measurements))
	}
	m := store.measurements[0]
	if m.SessionID != "session-1" || m.ServerHost != r.Server.Host || m.DownloadMbps != r.DownloadMbps || !m.Time.Equal(r.Timestamp) {
		t.Errorf("measurement = %+v", m)
	}

	store.err = errors.New("connection refused")
	if err := NewPostgresSink(store, "s").Write(context.Background(), r); err == nil {
		t.Errorf("Write() error = nil with failing store")
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name      string
		cfg       config.SinkConfig
		store     MeasurementStore
		wantNames []string
		wantErr   bool
	}{
		{name: "None", cfg: config.SinkConfig{OutputDirectory: dir}, wantNames: []string{}},
		{name: "CSV and JSON", cfg: config.SinkConfig{CSVEnabled: true, JSONEnabled: true, OutputDirectory: dir}, wantNames: []string{"csv", "json"}},
		{name: "Postgres", cfg: config.SinkConfig{PostgresEnabled: true, OutputDirectory: dir}, store: &fakeStore{}, wantNames: []string{"postgres"}},
		{name: "Postgres without store", cfg: config.SinkConfig{PostgresEnabled: true, OutputDirectory: dir}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := FromConfig(tt.cfg, tt.store, "s")
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !reflect.DeepEqual(m.Names(), tt.wantNames) {
				t.Errorf("FromConfig() sinks = %v, want %v", m.Names(), tt.wantNames)
			}
		})
	}
}
