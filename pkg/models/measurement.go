package models

import (
	"time"

	"github.com/uptrace/bun"
)

// MeasurementResult is one completed speed test. Server is a copy taken at
// measurement time, so later catalog reloads never alter it.
type MeasurementResult struct {
	Timestamp    time.Time `json:"timestamp"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMs       float64   `json:"ping_ms"`
	Server       Server    `json:"server"`
}

// Measurement is the row persisted by the postgres sink. Server columns are
// denormalized on purpose.
type Measurement struct {
	bun.BaseModel `bun:"table:measurements,alias:m"`

	ID             int64     `bun:",pk,autoincrement"`
	SessionID      string    `bun:",notnull"`
	Time           time.Time `bun:",notnull"`
	DownloadMbps   float64   `bun:",notnull"`
	UploadMbps     float64   `bun:",notnull"`
	PingMs         float64   `bun:",notnull"`
	ServerID       string    `bun:",notnull"`
	ServerHost     string    `bun:",notnull"`
	ServerName     string
	ServerSponsor  string
	ServerCountry  string
	ServerDistance float64
}

// NewMeasurement flattens a result into a storable row.
func NewMeasurement(sessionID string, r MeasurementResult) *Measurement {
	return &Measurement{
		SessionID:      sessionID,
		Time:           r.Timestamp,
		DownloadMbps:   r.DownloadMbps,
		UploadMbps:     r.UploadMbps,
		PingMs:         r.PingMs,
		ServerID:       r.Server.ID,
		ServerHost:     r.Server.Host,
		ServerName:     r.Server.Name,
		ServerSponsor:  r.Server.Sponsor,
		ServerCountry:  r.Server.Country,
		ServerDistance: r.Server.Distance,
	}
}

// Result rebuilds the measurement. The server carries only the columns a
// row keeps, so URL and country code are empty.
func (m Measurement) Result() MeasurementResult {
	return MeasurementResult{
		Timestamp:    m.Time,
		DownloadMbps: m.DownloadMbps,
		UploadMbps:   m.UploadMbps,
		PingMs:       m.PingMs,
		Server: Server{
			ID:       m.ServerID,
			Host:     m.ServerHost,
			Name:     m.ServerName,
			Sponsor:  m.ServerSponsor,
			Country:  m.ServerCountry,
			Distance: m.ServerDistance,
		},
	}
}
