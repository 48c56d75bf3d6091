package postgres

import (
	"context"
	"testing"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Orders() == nil || store.Directory() == nil || store.Ledger("desk") == nil {
		t.Fatalf("expected repositories even without a pool")
	}
}

func TestNilStorePool(t *testing.T) {
	var store *Store
	if store.Pool() != nil {
		t.Fatalf("expected nil pool from nil store")
	}
}

func TestConnectRejectsBadDSN(t *testing.T) {
	if _, err := Connect(context.Background(), PoolConfig{DSN: "postgres://%zz"}); err == nil {
		t.Fatalf("expected dsn parse error")
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0, 50, 500); got != 50 {
		t.Fatalf("expected fallback, got %d", got)
	}
	if got := clampLimit(900, 50, 500); got != 500 {
		t.Fatalf("expected maximum, got %d", got)
	}
	if got := clampLimit(20, 50, 500); got != 20 {
		t.Fatalf("expected value, got %d", got)
	}
}
