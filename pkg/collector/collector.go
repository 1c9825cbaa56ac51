// Package collector defines the capability set shared by the assessor API
// collector and the MLS scrape collector (spec §4.4, §4.5): validate,
// collect_region, collect_detail, adapt.
package collector

import (
	"context"

	"github.com/desertdata/proptrack/pkg/propmodel"
)

// Collector is the polymorphic capability set every data source
// implements.
type Collector interface {
	// Name identifies the collector for logging, metrics, and config.
	Name() string
	// ValidateConfig fails fast if required configuration is missing.
	ValidateConfig() error
	// CollectRegion fetches every record for one region code (a zip code
	// for both sources in this metro).
	CollectRegion(ctx context.Context, regionCode string) ([]propmodel.RawRecord, error)
	// CollectDetail fetches a single record by its source-specific key.
	CollectDetail(ctx context.Context, key string) (propmodel.RawRecord, error)
	// Adapt applies the collector's own deterministic field mapping to a
	// raw record, producing a best-effort Property before the processing
	// pipeline's extraction/validation stages run.
	Adapt(raw propmodel.RawRecord) (propmodel.Property, error)
}
