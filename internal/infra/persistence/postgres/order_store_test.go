package postgres

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/ledgerstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
)

func TestOrderStoreNilPool(t *testing.T) {
	store := NewOrderStore(nil)
	ctx := context.Background()
	order := schema.Order{ID: "abc", ClientID: "c1", AssetID: "a1", Operation: schema.OperationBuy, Quantity: decimal.NewFromInt(1), Status: schema.StatusPending}
	if _, err := store.CreateOrder(ctx, order); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.FindOrder(ctx, "abc"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	status := schema.StatusTaken
	if _, err := store.SaveOrder(ctx, "abc", orderstore.Patch{Status: &status}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.AppendObservation(ctx, "abc", schema.Observation{Text: "hi"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		return nil
	}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := store.ListOrders(ctx, orderstore.Query{ClientID: "c1"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestOrderStoreValidatesBeforeConnecting(t *testing.T) {
	store := NewOrderStore(nil)
	_, err := store.CreateOrder(context.Background(), schema.Order{Status: schema.StatusPending})
	if !errs.HasCode(err, errs.CodeValidation) {
		t.Fatalf("expected validation error for missing id, got %v", err)
	}
	_, err = store.CreateOrder(context.Background(), schema.Order{ID: "x", Status: "bogus"})
	if !errs.HasCode(err, errs.CodeValidation) {
		t.Fatalf("expected validation error for bad status, got %v", err)
	}
}

func TestWithTransactionRequiresCallback(t *testing.T) {
	if err := NewOrderStore(nil).WithTransaction(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
}

func TestDirectoryNilPool(t *testing.T) {
	dir := NewDirectory(nil)
	ctx := context.Background()
	if _, err := dir.FindClient(ctx, "c1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := dir.FindAsset(ctx, "a1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := dir.Seed(ctx, []schema.Client{{ID: "c1", Name: "Acme"}}, nil); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestLedgerStoreNilPool(t *testing.T) {
	ledger := NewLedgerStore(nil, "desk")
	ctx := context.Background()
	if _, _, err := ledger.Load(ctx, "o1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := ledger.Save(ctx, ledgerstore.Entry{OrderID: "o1", Status: true}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := ledger.Delete(ctx, "o1"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := ledger.List(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestUnreadCodecDropsOrderID(t *testing.T) {
	raw, err := encodeUnread(schema.UnreadSummary{OrderID: "o1", Count: 2, Status: true, Observations: []string{"x"}, LastUpdate: schema.FacetObservation})
	if err != nil {
		t.Fatalf("encode unread: %v", err)
	}
	summary, err := decodeUnread(raw)
	if err != nil {
		t.Fatalf("decode unread: %v", err)
	}
	if summary.OrderID != "" || summary.Count != 2 || !summary.Status || summary.LastUpdate != schema.FacetObservation {
		t.Fatalf("unexpected summary %+v", summary)
	}
	empty, err := decodeUnread(nil)
	if err != nil || !empty.Empty() {
		t.Fatalf("expected empty summary, got %+v (%v)", empty, err)
	}
}

func TestNumericHelpers(t *testing.T) {
	value := decimal.RequireFromString("123.4500")
	numeric, err := numericFromDecimal(value)
	if err != nil || !numeric.Valid {
		t.Fatalf("expected valid numeric, got %+v (%v)", numeric, err)
	}
	null, err := numericFromOptional(nil)
	if err != nil || null.Valid {
		t.Fatalf("expected NULL numeric for nil, got %+v (%v)", null, err)
	}
	parsed, err := decimalFromText(" 10.5 ")
	if err != nil || !parsed.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("unexpected parsed decimal %s (%v)", parsed, err)
	}
	if _, err := decimalFromText("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
}
