// Package repository defines the storage contract the processing pipeline
// and orchestrator depend on (spec §6.1). Two implementations exist:
// postgres (pgx-backed, for production) and memstore (in-memory, for
// tests).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/desertdata/proptrack/pkg/propmodel"
)

// ErrAlreadyExists is returned by Create when a property_id collision
// occurs.
var ErrAlreadyExists = errors.New("repository: property already exists")

// ErrNotFound is returned by GetByID when no property matches.
var ErrNotFound = errors.New("repository: property not found")

// PriceStats summarizes price observations for a zip code.
type PriceStats struct {
	Min, Max, Avg float64
	Count         int
}

// Repository is the storage contract consumed by the processing pipeline
// and orchestrator (spec §6.1). Implementations must treat Upsert as
// idempotent by PropertyID.
type Repository interface {
	Create(ctx context.Context, p propmodel.Property) (string, error)
	Upsert(ctx context.Context, p propmodel.Property) (string, error)
	GetByID(ctx context.Context, propertyID string) (*propmodel.Property, error)
	SearchByZipcode(ctx context.Context, zip string, limit int, includeInactive bool) ([]propmodel.Property, error)
	RecentUpdates(ctx context.Context, since time.Duration, limit int) ([]propmodel.Property, error)
	AppendPrice(ctx context.Context, propertyID string, obs propmodel.PriceObservation) (bool, error)
	PriceStats(ctx context.Context, zip string) (PriceStats, error)
	UpsertDailyReport(ctx context.Context, report propmodel.DailyReport) (string, error)
	Ping(ctx context.Context) error
}
