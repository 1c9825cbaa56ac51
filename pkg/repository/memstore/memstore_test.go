package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProperty(id, zip string) propmodel.Property {
	return propmodel.Property{
		PropertyID:  id,
		Address:     propmodel.PropertyAddress{Street: "1 Main St", Zipcode: zip},
		FirstSeen:   time.Now().UTC(),
		LastUpdated: time.Now().UTC(),
		IsActive:    true,
	}
}

func TestCreateThenGetByID(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := sampleProperty("prop_1", "85001")

	id, err := s.Create(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "prop_1", id)

	got, err := s.GetByID(ctx, "prop_1")
	require.NoError(t, err)
	assert.Equal(t, "85001", got.Address.Zipcode)
}

func TestCreateFailsOnDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := sampleProperty("prop_1", "85001")
	_, err := s.Create(ctx, p)
	require.NoError(t, err)

	_, err = s.Create(ctx, p)
	assert.ErrorIs(t, err, repository.ErrAlreadyExists)
}

func TestGetByIDMissingReturnsNotFound(t *testing.T) {
	s := New()
	_, err := s.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := sampleProperty("prop_1", "85001")

	_, err := s.Upsert(ctx, p)
	require.NoError(t, err)
	p.IsActive = false
	_, err = s.Upsert(ctx, p)
	require.NoError(t, err)

	got, _ := s.GetByID(ctx, "prop_1")
	assert.False(t, got.IsActive)
}

func TestSearchByZipcodeFiltersInactive(t *testing.T) {
	s := New()
	ctx := context.Background()
	active := sampleProperty("prop_1", "85001")
	inactive := sampleProperty("prop_2", "85001")
	inactive.IsActive = false
	s.Create(ctx, active)
	s.Create(ctx, inactive)

	got, err := s.SearchByZipcode(ctx, "85001", 10, false)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.SearchByZipcode(ctx, "85001", 10, true)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAppendPriceRecomputesCurrentPrice(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, sampleProperty("prop_1", "85001"))

	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	ok, err := s.AppendPrice(ctx, "prop_1", propmodel.PriceObservation{Amount: 300000, Date: day1})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.AppendPrice(ctx, "prop_1", propmodel.PriceObservation{Amount: 310000, Date: day2})
	require.NoError(t, err)

	got, _ := s.GetByID(ctx, "prop_1")
	require.NotNil(t, got.CurrentPrice)
	assert.Equal(t, 310000.0, got.CurrentPrice.Amount)
	assert.Len(t, got.PriceHistory, 2)
}

func TestPriceStatsAggregatesCurrentPrices(t *testing.T) {
	s := New()
	ctx := context.Background()
	p1 := sampleProperty("prop_1", "85001")
	p1.CurrentPrice = &propmodel.PriceObservation{Amount: 200000}
	p2 := sampleProperty("prop_2", "85001")
	p2.CurrentPrice = &propmodel.PriceObservation{Amount: 400000}
	s.Create(ctx, p1)
	s.Create(ctx, p2)

	stats, err := s.PriceStats(ctx, "85001")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 200000.0, stats.Min)
	assert.Equal(t, 400000.0, stats.Max)
	assert.Equal(t, 300000.0, stats.Avg)
}

func TestUpsertDailyReportIdempotentByDate(t *testing.T) {
	s := New()
	ctx := context.Background()
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.UpsertDailyReport(ctx, propmodel.DailyReport{Date: day, TotalProcessed: 5})
	require.NoError(t, err)
	_, err = s.UpsertDailyReport(ctx, propmodel.DailyReport{Date: day, TotalProcessed: 10})
	require.NoError(t, err)

	reports := s.Reports()
	assert.Len(t, reports, 1)
	for _, r := range reports {
		assert.Equal(t, 10, r.TotalProcessed)
	}
}
