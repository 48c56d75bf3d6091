//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/errs"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/ledgerstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/orderstore"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/domain/schema"
	"github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/persistence/migrations"
	pgstore "github.com/juarecagustin798/v0-gestor-de-ordenes-sub000/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "orderdesk"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 0
	if setupErr := initialiseDatabase(ctx); setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/orderdesk?sslmode=disable", host, port.Port())

	// Postgres accepts connections briefly before it is ready for queries.
	deadline := time.Now().Add(30 * time.Second)
	for {
		err = migrations.Apply(ctx, dsn, "", nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{DSN: dsn, MaxConns: 4})
	if err != nil {
		return err
	}
	testPool = pool

	return pgstore.NewDirectory(pool).Seed(ctx,
		[]schema.Client{{ID: "c1", Name: "Acme"}},
		[]schema.Asset{{ID: "a1", Name: "Grupo Galicia", Ticker: "GGAL"}, {ID: "a2", Name: "YPF", Ticker: "YPFD"}},
	)
}

func newOrder(assetID string) schema.Order {
	price := decimal.RequireFromString("1250.50")
	return schema.Order{
		ID:          uuid.NewString(),
		ClientID:    "c1",
		ClientName:  "Acme",
		AssetID:     assetID,
		AssetName:   "Grupo Galicia",
		AssetTicker: "GGAL",
		Operation:   schema.OperationBuy,
		Quantity:    decimal.NewFromInt(100),
		Price:       &price,
		Market:      "BYMA",
		Term:        "T+1",
		Status:      schema.StatusPending,
		CreatedBy:   "u-commercial",
	}
}

func TestOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)

	created, err := store.CreateOrder(ctx, newOrder("a1"))
	require.NoError(t, err)

	_, err = store.CreateOrder(ctx, created)
	require.True(t, errs.HasCode(err, errs.CodeConflict))

	loaded, err := store.FindOrder(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, loaded.ID)
	require.True(t, loaded.Quantity.Equal(decimal.NewFromInt(100)))
	require.True(t, loaded.Price.Equal(decimal.RequireFromString("1250.50")))
	require.Nil(t, loaded.ExecutedPrice)
	require.Empty(t, loaded.Observations)

	_, err = store.FindOrder(ctx, uuid.NewString())
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestTransactionAppliesPatchAndObservation(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)
	created, err := store.CreateOrder(ctx, newOrder("a1"))
	require.NoError(t, err)

	status := schema.StatusExecuted
	qty := decimal.NewFromInt(100)
	px := decimal.RequireFromString("1249")
	unread := schema.UnreadSummary{Count: 2, LastUpdate: schema.FacetExecution, Execution: true, Observations: []string{"obs-1"}}
	err = store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if _, err := tx.AppendObservation(ctx, created.ID, schema.Observation{ID: "obs-1", Text: "filled", AuthorID: "u-desk", AuthorRole: schema.RoleDesk}); err != nil {
			return err
		}
		_, err := tx.SaveOrder(ctx, created.ID, orderstore.Patch{Status: &status, ExecutedQuantity: &qty, ExecutedPrice: &px, Unread: &unread})
		return err
	})
	require.NoError(t, err)

	loaded, err := store.FindOrder(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusExecuted, loaded.Status)
	require.True(t, loaded.ExecutedPrice.Equal(px))
	require.Len(t, loaded.Observations, 1)
	require.Equal(t, "filled", loaded.Observations[0].Text)
	require.Equal(t, 2, loaded.Unread.Count)
}

func TestSaveOrderRechecksLockedStatus(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)
	created, err := store.CreateOrder(ctx, newOrder("g1"))
	require.NoError(t, err)

	pending := schema.StatusPending
	taken := schema.StatusTaken
	cancelled := schema.StatusCancelled
	_, err = store.SaveOrder(ctx, created.ID, orderstore.Patch{Status: &cancelled})
	require.NoError(t, err)

	err = store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		_, err := tx.SaveOrder(ctx, created.ID, orderstore.Patch{Status: &taken, ExpectStatus: &pending})
		return err
	})
	require.True(t, errs.HasCode(err, errs.CodeInvalidTransition))

	loaded, err := store.FindOrder(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCancelled, loaded.Status)
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)
	created, err := store.CreateOrder(ctx, newOrder("a1"))
	require.NoError(t, err)

	status := schema.StatusTaken
	err = store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if _, err := tx.SaveOrder(ctx, created.ID, orderstore.Patch{Status: &status}); err != nil {
			return err
		}
		return errs.New("test", errs.CodeInternal)
	})
	require.Error(t, err)

	loaded, err := store.FindOrder(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, loaded.Status)
}

func TestAppendObservationUnknownOrder(t *testing.T) {
	_, err := pgstore.NewOrderStore(testPool).AppendObservation(context.Background(), uuid.NewString(), schema.Observation{Text: "x"})
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}

func TestListOrdersFilters(t *testing.T) {
	ctx := context.Background()
	store := pgstore.NewOrderStore(testPool)
	group := uuid.NewString()
	a := newOrder("a1")
	a.IsSwap, a.SwapGroupID, a.SwapRole = true, group, schema.SwapRoleSell
	b := newOrder("a2")
	b.IsSwap, b.SwapGroupID, b.SwapRole = true, group, schema.SwapRoleBuy
	b.RelatedOrderID = a.ID
	_, err := store.CreateOrder(ctx, a)
	require.NoError(t, err)
	_, err = store.CreateOrder(ctx, b)
	require.NoError(t, err)

	related := b.ID
	_, err = store.SaveOrder(ctx, a.ID, orderstore.Patch{RelatedOrderID: &related})
	require.NoError(t, err)

	pair, err := store.ListOrders(ctx, orderstore.Query{SwapGroupID: group})
	require.NoError(t, err)
	require.Len(t, pair, 2)
	require.True(t, schema.ValidateSwapPair(pair[0], pair[1]))

	_, err = store.ListOrders(ctx, orderstore.Query{Statuses: []schema.Status{schema.StatusPending}, UnreadOnly: true, Limit: 5})
	require.NoError(t, err)
}

func TestLedgerStoreAudienceIsolation(t *testing.T) {
	ctx := context.Background()
	desk := pgstore.NewLedgerStore(testPool, "desk")
	other := pgstore.NewLedgerStore(testPool, "commercial")

	entry := ledgerstore.Entry{OrderID: "o-ledger", Status: true, Observations: []string{"x", "y"}, LastUpdate: schema.FacetObservation, UpdatedAt: time.Now().UTC()}
	require.NoError(t, desk.Save(ctx, entry))

	loaded, ok, err := desk.Load(ctx, "o-ledger")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, loaded.Count())
	require.Equal(t, []string{"x", "y"}, loaded.Observations)

	_, ok, err = other.Load(ctx, "o-ledger")
	require.NoError(t, err)
	require.False(t, ok)

	entries, err := desk.List(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	require.NoError(t, desk.Delete(ctx, "o-ledger"))
	_, ok, err = desk.Load(ctx, "o-ledger")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDirectoryLookups(t *testing.T) {
	dir := pgstore.NewDirectory(testPool)
	client, err := dir.FindClient(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "Acme", client.Name)
	asset, err := dir.FindAsset(context.Background(), "a2")
	require.NoError(t, err)
	require.Equal(t, "YPFD", asset.Ticker)
	_, err = dir.FindClient(context.Background(), "missing")
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
}
