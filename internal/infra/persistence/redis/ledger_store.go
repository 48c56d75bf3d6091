// Package redis keeps session-scoped notification ledgers in Redis so unread
// state survives restarts and expires with the session.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/ledgerstore"
)

const (
	component       = "ledgerstore"
	defaultPrefix   = "orderdesk:ledger"
	indexKeySuffix  = "index"
	entryKeyPrefix  = "entry"
	defaultCallWait = 2 * time.Second
)

// Config addresses a Redis instance.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Dial opens a client and pings the server.
func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Option configures a LedgerStore.
type Option func(*LedgerStore)

// WithTTL expires idle entries after ttl. Zero keeps entries until cleared.
func WithTTL(ttl time.Duration) Option {
	return func(s *LedgerStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *LedgerStore) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

// LedgerStore stores one audience's entries as JSON values plus a sorted-set
// index ordered by update time.
type LedgerStore struct {
	client   *goredis.Client
	audience string
	prefix   string
	ttl      time.Duration
}

var _ ledgerstore.Store = (*LedgerStore)(nil)

// NewLedgerStore constructs a LedgerStore scoped to audience.
func NewLedgerStore(client *goredis.Client, audience string, opts ...Option) *LedgerStore {
	s := &LedgerStore{
		client:   client,
		audience: strings.TrimSpace(audience),
		prefix:   defaultPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *LedgerStore) indexKey() string {
	return s.prefix + ":" + s.audience + ":" + indexKeySuffix
}

func (s *LedgerStore) entryKey(orderID string) string {
	return s.prefix + ":" + s.audience + ":" + entryKeyPrefix + ":" + strings.TrimSpace(orderID)
}

func (s *LedgerStore) ensureClient() (*goredis.Client, error) {
	if s.client == nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("redis client not configured"))
	}
	return s.client, nil
}

// Load returns the entry for orderID, or ok=false when nothing is pending.
func (s *LedgerStore) Load(ctx context.Context, orderID string) (ledgerstore.Entry, bool, error) {
	client, err := s.ensureClient()
	if err != nil {
		return ledgerstore.Entry{}, false, err
	}
	raw, err := client.Get(ctx, s.entryKey(orderID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return ledgerstore.Entry{}, false, nil
		}
		return ledgerstore.Entry{}, false, unavailable("load entry", err)
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		return ledgerstore.Entry{}, false, err
	}
	return entry, true, nil
}

// Save writes entry and refreshes its position in the index.
func (s *LedgerStore) Save(ctx context.Context, entry ledgerstore.Entry) error {
	client, err := s.ensureClient()
	if err != nil {
		return err
	}
	entry.OrderID = strings.TrimSpace(entry.OrderID)
	if entry.OrderID == "" {
		return errs.Validation(component, "order_id", "ledger entry requires an order id")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.OrderID), raw, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), &goredis.Z{
			Score:  float64(entry.UpdatedAt.UnixMilli()),
			Member: entry.OrderID,
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, s.indexKey(), s.ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable("save entry", err)
	}
	return nil
}

// Delete removes the entry for orderID; deleting a missing entry is not an error.
func (s *LedgerStore) Delete(ctx context.Context, orderID string) error {
	client, err := s.ensureClient()
	if err != nil {
		return err
	}
	id := strings.TrimSpace(orderID)
	_, err = client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return unavailable("delete entry", err)
	}
	return nil
}

// List returns every pending entry, most recently updated first. Index members
// whose entries have expired are pruned.
func (s *LedgerStore) List(ctx context.Context) ([]ledgerstore.Entry, error) {
	client, err := s.ensureClient()
	if err != nil {
		return nil, err
	}
	ids, err := client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list index", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list entries", err)
	}

	entries := make([]ledgerstore.Entry, 0, len(values))
	var stale []any
	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		entry, err := decodeEntry([]byte(text))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if len(stale) > 0 {
		// Best effort; a failed prune only leaves index noise behind.
		pruneCtx, cancel := context.WithTimeout(ctx, defaultCallWait)
		_ = client.ZRem(pruneCtx, s.indexKey(), stale...).Err()
		cancel()
	}
	return entries, nil
}

func encodeEntry(entry ledgerstore.Entry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, errs.New(component, errs.CodeInternal, errs.WithMessage("encode ledger entry"), errs.WithCause(err))
	}
	return raw, nil
}

func decodeEntry(raw []byte) (ledgerstore.Entry, error) {
	var entry ledgerstore.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ledgerstore.Entry{}, errs.New(component, errs.CodeInternal, errs.WithMessage("decode ledger entry"), errs.WithCause(err))
	}
	if len(entry.Observations) == 0 {
		entry.Observations = nil
	}
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return entry, nil
}

func unavailable(op string, err error) error {
	return errs.New(component, errs.CodeUnavailable,
		errs.WithMessage("redis "+op),
		errs.WithCause(err))
}
