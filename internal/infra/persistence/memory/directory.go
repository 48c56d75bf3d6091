package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

// Directory serves client and asset lookups from memory.
type Directory struct {
	mu      sync.RWMutex
	clients map[string]schema.Client
	assets  map[string]schema.Asset
}

// NewDirectory constructs a Directory seeded with the given records.
func NewDirectory(clients []schema.Client, assets []schema.Asset) *Directory {
	d := &Directory{
		clients: make(map[string]schema.Client, len(clients)),
		assets:  make(map[string]schema.Asset, len(assets)),
	}
	for _, c := range clients {
		d.PutClient(c)
	}
	for _, a := range assets {
		d.PutAsset(a)
	}
	return d
}

// PutClient inserts or replaces a client record.
func (d *Directory) PutClient(client schema.Client) {
	id := strings.TrimSpace(client.ID)
	if id == "" {
		return
	}
	client.ID = id
	d.mu.Lock()
	d.clients[id] = client
	d.mu.Unlock()
}

// PutAsset inserts or replaces an asset record.
func (d *Directory) PutAsset(asset schema.Asset) {
	id := strings.TrimSpace(asset.ID)
	if id == "" {
		return
	}
	asset.ID = id
	d.mu.Lock()
	d.assets[id] = asset
	d.mu.Unlock()
}

// FindClient returns the client with the given id.
func (d *Directory) FindClient(_ context.Context, id string) (schema.Client, error) {
	d.mu.RLock()
	client, ok := d.clients[strings.TrimSpace(id)]
	d.mu.RUnlock()
	if !ok {
		return schema.Client{}, errs.NotFound("directory", "client", id)
	}
	return client, nil
}

// FindAsset returns the asset with the given id.
func (d *Directory) FindAsset(_ context.Context, id string) (schema.Asset, error) {
	d.mu.RLock()
	asset, ok := d.assets[strings.TrimSpace(id)]
	d.mu.RUnlock()
	if !ok {
		return schema.Asset{}, errs.NotFound("directory", "asset", id)
	}
	return asset, nil
}
