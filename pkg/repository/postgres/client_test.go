package postgres_test

import (
	"context"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/repository/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient starts a disposable Postgres container, runs proptrack's
// embedded migrations against it, and returns a connected Client. Mirrors
// the teacher's shared-testcontainer pattern, scoped down to one container
// per test since this repository's migration set is small.
func newTestClient(t *testing.T) *postgres.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("proptrack_test"),
		tcpostgres.WithUsername("proptrack"),
		tcpostgres.WithPassword("proptrack"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := postgres.Open(ctx, postgres.Config{
		Host:     host,
		Port:     port.Int(),
		User:     "proptrack",
		Password: "proptrack",
		Database: "proptrack_test",
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func sampleProperty(id, zip string) propmodel.Property {
	now := time.Now().UTC()
	return propmodel.Property{
		PropertyID:  id,
		Address:     propmodel.PropertyAddress{Street: "1 Main St", City: "Phoenix", State: "AZ", Zipcode: zip, County: "Maricopa"},
		PropertyType: propmodel.PropertyTypeSingleFamily,
		FirstSeen:   now,
		LastUpdated: now,
		IsActive:    true,
	}
}

func TestClientCreateThenGetByID(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	id, err := client.Create(ctx, sampleProperty("prop_pg_1", "85001"))
	require.NoError(t, err)
	assert.Equal(t, "prop_pg_1", id)

	got, err := client.GetByID(ctx, "prop_pg_1")
	require.NoError(t, err)
	assert.Equal(t, "85001", got.Address.Zipcode)
	assert.Equal(t, propmodel.PropertyTypeSingleFamily, got.PropertyType)
}

func TestClientUpsertIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	p := sampleProperty("prop_pg_2", "85002")
	_, err := client.Upsert(ctx, p)
	require.NoError(t, err)

	p.Address.Street = "2 Main St"
	_, err = client.Upsert(ctx, p)
	require.NoError(t, err)

	got, err := client.GetByID(ctx, "prop_pg_2")
	require.NoError(t, err)
	assert.Equal(t, "2 Main St", got.Address.Street)
}

func TestClientPingSucceedsAfterOpen(t *testing.T) {
	client := newTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestClientUpsertDailyReportIsIdempotentByDate(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	day := time.Now().UTC().Truncate(24 * time.Hour)
	report := propmodel.DailyReport{Date: day, TotalProcessed: 5}

	id1, err := client.UpsertDailyReport(ctx, report)
	require.NoError(t, err)

	report.TotalProcessed = 9
	id2, err := client.UpsertDailyReport(ctx, report)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}
