// Package catalog loads the list of speedtest servers and answers queries on it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"speedtest-monitor/pkg/fetch"
	"speedtest-monitor/pkg/models"
)

// ErrCatalogUnavailable is returned by Load when the upstream source cannot be
// reached or returns something that is not a server list.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

const (
	defaultLoadAttempts = 3
	defaultRetryDelay   = 5 * time.Second
)

// Source produces the raw server list.
type Source interface {
	FetchServers(ctx context.Context) ([]models.Server, error)
}

// HTTPSource reads the speedtest.net JSON servers API.
type HTTPSource struct {
	URL        string
	Transport  string
	TimeoutSec int
}

type apiServer struct {
	URL      string  `json:"url"`
	Name     string  `json:"name"`
	Country  string  `json:"country"`
	CC       string  `json:"cc"`
	Sponsor  string  `json:"sponsor"`
	ID       string  `json:"id"`
	Host     string  `json:"host"`
	Distance float64 `json:"distance"`
}

func (s HTTPSource) FetchServers(ctx context.Context) ([]models.Server, error) {
	res, err := fetch.FetchOK(ctx, s.URL, fetch.Options{
		Transport:  s.Transport,
		TimeoutSec: s.TimeoutSec,
	})
	if err != nil {
		return nil, err
	}

	var raw []apiServer
	if err := json.Unmarshal(res.Body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode server list: %w", err)
	}

	servers := make([]models.Server, 0, len(raw))
	for _, r := range raw {
		if r.ID == "" || r.URL == "" {
			continue
		}
		servers = append(servers, models.Server{
			ID:          r.ID,
			Host:        r.Host,
			Sponsor:     r.Sponsor,
			Name:        r.Name,
			Country:     r.Country,
			CountryCode: r.CC,
			URL:         r.URL,
			Distance:    r.Distance,
		})
	}
	return servers, nil
}

// ServerStore is the part of the database that keeps servers saved by
// "servers --store".
type ServerStore interface {
	GetAllServers(ctx context.Context) ([]models.Server, error)
}

// StoredSource serves the servers saved in a ServerStore.
type StoredSource struct {
	Store ServerStore
}

func (s StoredSource) FetchServers(ctx context.Context) ([]models.Server, error) {
	servers, err := s.Store.GetAllServers(ctx)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, errors.New("no stored servers")
	}
	return servers, nil
}

// Catalog holds the loaded server list. It is safe for concurrent use.
type Catalog struct {
	source   Source
	fallback Source
	logger   *slog.Logger

	attempts   int
	retryDelay time.Duration

	mu      sync.RWMutex
	servers []models.Server
	byID    map[string]int
}

func New(source Source, logger *slog.Logger) *Catalog {
	return &Catalog{
		source:     source,
		logger:     logger,
		attempts:   defaultLoadAttempts,
		retryDelay: defaultRetryDelay,
	}
}

// NewFromServers builds an already loaded catalog with no upstream source.
func NewFromServers(servers []models.Server) *Catalog {
	c := &Catalog{logger: slog.Default()}
	c.set(servers)
	return c
}

// WithFallback sets a source that is tried once after every attempt on the
// primary source has failed.
func (c *Catalog) WithFallback(s Source) *Catalog {
	c.fallback = s
	return c
}

// Load fetches the server list, replacing whatever was loaded before.
func (c *Catalog) Load(ctx context.Context) ([]models.Server, error) {
	if c.source == nil {
		return nil, fmt.Errorf("%w: no source configured", ErrCatalogUnavailable)
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		servers, err := c.source.FetchServers(ctx)
		if err == nil {
			c.set(servers)
			c.logger.Info("Server catalog loaded", "servers", len(servers))
			return c.Servers(), nil
		}
		lastErr = err

		if attempt == c.attempts {
			break
		}
		c.logger.Warn("Failed to load servers, retrying",
			"attempt", attempt,
			"maxAttempts", c.attempts,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}

	if c.fallback != nil {
		servers, err := c.fallback.FetchServers(ctx)
		if err == nil {
			c.set(servers)
			c.logger.Warn("Server list unavailable, using fallback",
				"servers", len(servers),
				"error", lastErr)
			return c.Servers(), nil
		}
		c.logger.Debug("Fallback server list unavailable", "error", err)
	}

	c.logger.Error("Failed to load servers", "attempts", c.attempts, "error", lastErr)
	return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, lastErr)
}

func (c *Catalog) set(servers []models.Server) {
	byID := make(map[string]int, len(servers))
	for i, s := range servers {
		byID[s.ID] = i
	}

	c.mu.Lock()
	c.servers = append([]models.Server(nil), servers...)
	c.byID = byID
	c.mu.Unlock()
}

// Loaded reports whether a server list is available.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID != nil
}

// Servers returns a copy of the loaded list in source order.
func (c *Catalog) Servers() []models.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Server(nil), c.servers...)
}

func (c *Catalog) ByID(id string) (models.Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return models.Server{}, false
	}
	return c.servers[i], true
}

func (c *Catalog) Filter(query, country string) []models.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Filter(c.servers, query, country)
}

// Filter keeps servers whose name or sponsor contains query, ignoring case,
// and whose country or country code equals country. Empty arguments do not
// filter. The result is a new slice in input order.
func Filter(servers []models.Server, query, country string) []models.Server {
	q := strings.ToLower(query)

	out := make([]models.Server, 0, len(servers))
	for _, s := range servers {
		if q != "" &&
			!strings.Contains(strings.ToLower(s.Name), q) &&
			!strings.Contains(strings.ToLower(s.Sponsor), q) {
			continue
		}
		if country != "" && s.Country != country && s.CountryCode != country {
			continue
		}
		out = append(out, s)
	}
	return out
}
