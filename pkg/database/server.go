package database

import (
	"context"
	"fmt"
	"log/slog"

	"speedtest-monitor/pkg/models"
)

func (db *DB) UpsertServer(ctx context.Context, server *models.Server) error {
	_, err := db.NewInsert().
		Model(server).
		On("CONFLICT (id) DO UPDATE").
		Set("host = EXCLUDED.host").
		Set("sponsor = EXCLUDED.sponsor").
		Set("name = EXCLUDED.name").
		Set("country = EXCLUDED.country").
		Set("country_code = EXCLUDED.country_code").
		Set("url = EXCLUDED.url").
		Set("distance = EXCLUDED.distance").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error upserting server: %v", err)
	}

	return nil
}

// UpsertServers stores a catalog snapshot in one statement.
func (db *DB) UpsertServers(ctx context.Context, servers []models.Server) error {
	if len(servers) == 0 {
		return nil
	}

	_, err := db.NewInsert().
		Model(&servers).
		On("CONFLICT (id) DO UPDATE").
		Set("host = EXCLUDED.host").
		Set("sponsor = EXCLUDED.sponsor").
		Set("name = EXCLUDED.name").
		Set("country = EXCLUDED.country").
		Set("country_code = EXCLUDED.country_code").
		Set("url = EXCLUDED.url").
		Set("distance = EXCLUDED.distance").
		Set("updated_at = CURRENT_TIMESTAMP").
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error upserting servers: %v", err)
	}

	slog.Debug("Servers stored", "servers", len(servers))
	return nil
}

func (db *DB) GetAllServers(ctx context.Context) ([]models.Server, error) {
	var servers []models.Server
	err := db.NewSelect().
		Model(&servers).
		Order("distance ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error getting all servers: %v", err)
	}

	return servers, nil
}
