package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

const directoryComponent = "directory"

const (
	clientUpsertSQL = `
INSERT INTO clients (id, name)
VALUES (@id, @name)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name;
`

	assetUpsertSQL = `
INSERT INTO assets (id, name, ticker)
VALUES (@id, @name, @ticker)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    ticker = EXCLUDED.ticker;
`
)

// Directory serves client and asset lookups from PostgreSQL.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory constructs a Directory backed by the provided pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) ensurePool() (*pgxpool.Pool, error) {
	if d.pool == nil {
		return nil, fmt.Errorf("directory: nil pool")
	}
	return d.pool, nil
}

// FindClient returns the client with the given id.
func (d *Directory) FindClient(ctx context.Context, id string) (schema.Client, error) {
	pool, err := d.ensurePool()
	if err != nil {
		return schema.Client{}, err
	}
	id = strings.TrimSpace(id)
	var client schema.Client
	err = pool.QueryRow(ctx, `SELECT id, name FROM clients WHERE id = $1`, id).Scan(&client.ID, &client.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Client{}, errs.NotFound(directoryComponent, "client", id)
		}
		return schema.Client{}, fmt.Errorf("directory: find client: %w", err)
	}
	return client, nil
}

// FindAsset returns the asset with the given id.
func (d *Directory) FindAsset(ctx context.Context, id string) (schema.Asset, error) {
	pool, err := d.ensurePool()
	if err != nil {
		return schema.Asset{}, err
	}
	id = strings.TrimSpace(id)
	var asset schema.Asset
	err = pool.QueryRow(ctx, `SELECT id, name, ticker FROM assets WHERE id = $1`, id).Scan(&asset.ID, &asset.Name, &asset.Ticker)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Asset{}, errs.NotFound(directoryComponent, "asset", id)
		}
		return schema.Asset{}, fmt.Errorf("directory: find asset: %w", err)
	}
	return asset, nil
}

// Seed upserts the supplied clients and assets in one batch.
func (d *Directory) Seed(ctx context.Context, clients []schema.Client, assets []schema.Asset) error {
	pool, err := d.ensurePool()
	if err != nil {
		return err
	}
	if len(clients) == 0 && len(assets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, client := range clients {
		batch.Queue(clientUpsertSQL, pgx.NamedArgs{
			"id":   strings.TrimSpace(client.ID),
			"name": strings.TrimSpace(client.Name),
		})
	}
	for _, asset := range assets {
		batch.Queue(assetUpsertSQL, pgx.NamedArgs{
			"id":     strings.TrimSpace(asset.ID),
			"name":   strings.TrimSpace(asset.Name),
			"ticker": strings.TrimSpace(asset.Ticker),
		})
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("directory: seed entry %d: %w", i, err)
		}
	}
	return nil
}
