package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/ledgerstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

const ledgerComponent = "ledgerstore"

const (
	ledgerUpsertSQL = `
INSERT INTO notification_ledger (
    audience,
    order_id,
    status,
    execution,
    observations,
    last_update,
    updated_at
)
VALUES (
    @audience,
    @order_id,
    @status,
    @execution,
    @observations::jsonb,
    @last_update,
    @updated_at
)
ON CONFLICT (audience, order_id) DO UPDATE SET
    status = EXCLUDED.status,
    execution = EXCLUDED.execution,
    observations = EXCLUDED.observations,
    last_update = EXCLUDED.last_update,
    updated_at = EXCLUDED.updated_at;
`

	ledgerSelectBase = `
SELECT
    order_id,
    status,
    execution,
    observations,
    last_update,
    updated_at
FROM notification_ledger
WHERE audience = $1
`
)

// LedgerStore keeps one audience's unread notifications in PostgreSQL.
type LedgerStore struct {
	pool     *pgxpool.Pool
	audience string
}

// NewLedgerStore constructs a LedgerStore scoped to audience.
func NewLedgerStore(pool *pgxpool.Pool, audience string) *LedgerStore {
	return &LedgerStore{pool: pool, audience: strings.TrimSpace(audience)}
}

var _ ledgerstore.Store = (*LedgerStore)(nil)

func (s *LedgerStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("ledger store: nil pool")
	}
	return s.pool, nil
}

// Load returns the entry for orderID, or ok=false when nothing is pending.
func (s *LedgerStore) Load(ctx context.Context, orderID string) (ledgerstore.Entry, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return ledgerstore.Entry{}, false, err
	}
	entry, err := scanEntry(pool.QueryRow(ctx, ledgerSelectBase+" AND order_id = $2", s.audience, strings.TrimSpace(orderID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledgerstore.Entry{}, false, nil
		}
		return ledgerstore.Entry{}, false, err
	}
	return entry, true, nil
}

// Save upserts entry.
func (s *LedgerStore) Save(ctx context.Context, entry ledgerstore.Entry) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	orderID := strings.TrimSpace(entry.OrderID)
	if orderID == "" {
		return errs.Validation(ledgerComponent, "order_id", "ledger entry requires an order id")
	}
	observations := entry.Observations
	if observations == nil {
		observations = []string{}
	}
	encoded, err := json.Marshal(observations)
	if err != nil {
		return fmt.Errorf("ledger store: encode observations: %w", err)
	}
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"audience":     s.audience,
		"order_id":     orderID,
		"status":       entry.Status,
		"execution":    entry.Execution,
		"observations": encoded,
		"last_update":  string(entry.LastUpdate),
		"updated_at":   updatedAt,
	}
	if _, err := pool.Exec(ctx, ledgerUpsertSQL, args); err != nil {
		return fmt.Errorf("ledger store: upsert entry: %w", err)
	}
	return nil
}

// Delete removes the entry for orderID; deleting a missing entry is not an error.
func (s *LedgerStore) Delete(ctx context.Context, orderID string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `DELETE FROM notification_ledger WHERE audience = $1 AND order_id = $2`, s.audience, strings.TrimSpace(orderID)); err != nil {
		return fmt.Errorf("ledger store: delete entry: %w", err)
	}
	return nil
}

// List returns every pending entry, most recently updated first.
func (s *LedgerStore) List(ctx context.Context) ([]ledgerstore.Entry, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, ledgerSelectBase+" ORDER BY updated_at DESC, order_id ASC", s.audience)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list entries: %w", err)
	}
	defer rows.Close()

	var entries []ledgerstore.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (ledgerstore.Entry, error) {
	var (
		entry        ledgerstore.Entry
		observations []byte
		lastUpdate   string
	)
	if err := row.Scan(
		&entry.OrderID,
		&entry.Status,
		&entry.Execution,
		&observations,
		&lastUpdate,
		&entry.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledgerstore.Entry{}, err
		}
		return ledgerstore.Entry{}, fmt.Errorf("ledger store: scan entry: %w", err)
	}
	if len(observations) > 0 {
		if err := json.Unmarshal(observations, &entry.Observations); err != nil {
			return ledgerstore.Entry{}, fmt.Errorf("ledger store: decode observations: %w", err)
		}
	}
	if len(entry.Observations) == 0 {
		entry.Observations = nil
	}
	entry.LastUpdate = schema.Facet(lastUpdate)
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return entry, nil
}
