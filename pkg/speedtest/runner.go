// Package speedtest runs single speed measurements and normalizes them into
// MeasurementResult records.
package speedtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"speedtest-monitor/pkg/catalog"
	"speedtest-monitor/pkg/config"
	"speedtest-monitor/pkg/models"
)

// ErrMeasurementFailed matches every error returned by Runner.Run.
var ErrMeasurementFailed = errors.New("measurement failed")

// MeasurementError carries the cause of a failed run.
type MeasurementError struct {
	Target string
	Cause  error
}

func (e *MeasurementError) Error() string {
	return fmt.Sprintf("measurement failed (server %s): %v", e.Target, e.Cause)
}

func (e *MeasurementError) Unwrap() []error {
	return []error{ErrMeasurementFailed, e.Cause}
}

type Runner struct {
	catalog  *catalog.Catalog
	measurer Measurer
	logger   *slog.Logger
	bestOf   int
	now      func() time.Time
}

// NewRunner returns a runner that resolves targets against cat and measures
// with m. bestOf bounds how many of the closest servers are pinged when no
// server is selected.
func NewRunner(cat *catalog.Catalog, m Measurer, logger *slog.Logger, bestOf int) *Runner {
	if bestOf < 1 {
		bestOf = 1
	}
	return &Runner{
		catalog:  cat,
		measurer: m,
		logger:   logger,
		bestOf:   bestOf,
		now:      time.Now,
	}
}

// Run performs one complete measurement. It either returns a full result or
// a *MeasurementError; partial results are never returned.
func (r *Runner) Run(ctx context.Context, target models.Target) (models.MeasurementResult, error) {
	server, err := r.resolve(ctx, target)
	if err != nil {
		return models.MeasurementResult{}, &MeasurementError{Target: target.String(), Cause: err}
	}

	r.logger.Info("Using server",
		"id", server.ID,
		"host", server.Host,
		"name", server.Name,
		"country", server.Country,
		"sponsor", server.Sponsor)

	fail := func(err error) (models.MeasurementResult, error) {
		return models.MeasurementResult{}, &MeasurementError{Target: server.ID, Cause: err}
	}

	ping, err := r.measurer.Ping(ctx, server)
	if err != nil {
		return fail(fmt.Errorf("ping: %w", err))
	}
	download, err := r.measurer.Download(ctx, server)
	if err != nil {
		return fail(fmt.Errorf("download: %w", err))
	}
	upload, err := r.measurer.Upload(ctx, server)
	if err != nil {
		return fail(fmt.Errorf("upload: %w", err))
	}

	return models.MeasurementResult{
		Timestamp:    r.now().UTC(),
		DownloadMbps: download,
		UploadMbps:   upload,
		PingMs:       ping,
		Server:       server,
	}, nil
}

func (r *Runner) resolve(ctx context.Context, target models.Target) (models.Server, error) {
	switch {
	case target.Server != nil:
		return *target.Server, nil

	case target.ManualID != "":
		if !config.IsNumericID(target.ManualID) {
			return models.Server{}, fmt.Errorf("invalid server id %q", target.ManualID)
		}
		if err := r.ensureCatalog(ctx); err != nil {
			return models.Server{}, err
		}
		server, ok := r.catalog.ByID(target.ManualID)
		if !ok {
			return models.Server{}, fmt.Errorf("server with ID %s not found", target.ManualID)
		}
		return server, nil

	default:
		if err := r.ensureCatalog(ctx); err != nil {
			return models.Server{}, err
		}
		return r.BestServer(ctx)
	}
}

func (r *Runner) ensureCatalog(ctx context.Context) error {
	if r.catalog.Loaded() {
		return nil
	}
	_, err := r.catalog.Load(ctx)
	return err
}

// BestServer pings the closest servers of the catalog concurrently and
// returns the one with the lowest latency.
func (r *Runner) BestServer(ctx context.Context) (models.Server, error) {
	candidates := r.catalog.Servers()
	if len(candidates) == 0 {
		return models.Server{}, fmt.Errorf("server catalog is empty")
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})
	if len(candidates) > r.bestOf {
		candidates = candidates[:r.bestOf]
	}

	var (
		mu       sync.Mutex
		best     models.Server
		bestPing = math.Inf(1)
	)
	// Individual ping failures only disqualify the candidate.
	_ = runPool(ctx, len(candidates), len(candidates), func(ctx context.Context, i int) error {
		ping, err := r.measurer.Ping(ctx, candidates[i])
		if err != nil {
			r.logger.Debug("Candidate server unreachable", "id", candidates[i].ID, "error", err)
			return nil
		}
		mu.Lock()
		if ping < bestPing {
			best, bestPing = candidates[i], ping
		}
		mu.Unlock()
		return nil
	})

	if err := ctx.Err(); err != nil {
		return models.Server{}, err
	}
	if math.IsInf(bestPing, 1) {
		return models.Server{}, fmt.Errorf("none of the %d closest servers answered", len(candidates))
	}
	r.logger.Debug("Selected best server", "id", best.ID, "ping", bestPing)
	return best, nil
}
