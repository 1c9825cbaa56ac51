package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/repository"
)

// Create inserts a new property, failing with repository.ErrAlreadyExists
// on a property_id collision (spec §6.1).
func (c *Client) Create(ctx context.Context, p propmodel.Property) (string, error) {
	row, err := marshalRow(p)
	if err != nil {
		return "", err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO properties (property_id, address, property_type, features, current_price,
			price_history, listing, tax_info, sale_history, provenance, raw_data, zipcode,
			first_seen, last_updated, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		row.propertyID, row.address, row.propertyType, row.features, row.currentPrice,
		row.priceHistory, row.listing, row.taxInfo, row.saleHistory, row.provenance, row.rawData,
		row.zipcode, row.firstSeen, row.lastUpdated, row.isActive)
	if err != nil {
		if isUniqueViolation(err) {
			return "", repository.ErrAlreadyExists
		}
		return "", fmt.Errorf("postgres: create: %w", err)
	}
	return p.PropertyID, nil
}

// Upsert idempotently inserts or updates a property by property_id (spec
// §6.1).
func (c *Client) Upsert(ctx context.Context, p propmodel.Property) (string, error) {
	row, err := marshalRow(p)
	if err != nil {
		return "", err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO properties (property_id, address, property_type, features, current_price,
			price_history, listing, tax_info, sale_history, provenance, raw_data, zipcode,
			first_seen, last_updated, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (property_id) DO UPDATE SET
			address = EXCLUDED.address,
			property_type = EXCLUDED.property_type,
			features = EXCLUDED.features,
			current_price = EXCLUDED.current_price,
			price_history = EXCLUDED.price_history,
			listing = EXCLUDED.listing,
			tax_info = EXCLUDED.tax_info,
			sale_history = EXCLUDED.sale_history,
			provenance = EXCLUDED.provenance,
			raw_data = EXCLUDED.raw_data,
			zipcode = EXCLUDED.zipcode,
			last_updated = EXCLUDED.last_updated,
			is_active = EXCLUDED.is_active`,
		row.propertyID, row.address, row.propertyType, row.features, row.currentPrice,
		row.priceHistory, row.listing, row.taxInfo, row.saleHistory, row.provenance, row.rawData,
		row.zipcode, row.firstSeen, row.lastUpdated, row.isActive)
	if err != nil {
		return "", fmt.Errorf("postgres: upsert: %w", err)
	}
	return p.PropertyID, nil
}

// GetByID fetches one property by id.
func (c *Client) GetByID(ctx context.Context, propertyID string) (*propmodel.Property, error) {
	row := c.db.QueryRowContext(ctx, selectColumns+` WHERE property_id = $1`, propertyID)
	p, err := scanProperty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get_by_id: %w", err)
	}
	return p, nil
}

// SearchByZipcode returns properties in a zip code, most recently updated
// first.
func (c *Client) SearchByZipcode(ctx context.Context, zip string, limit int, includeInactive bool) ([]propmodel.Property, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectColumns + ` WHERE zipcode = $1`
	if !includeInactive {
		query += ` AND is_active = true`
	}
	query += ` ORDER BY last_updated DESC LIMIT $2`

	rows, err := c.db.QueryContext(ctx, query, zip, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search_by_zipcode: %w", err)
	}
	defer rows.Close()
	return scanProperties(rows)
}

// RecentUpdates returns properties updated within the given window.
func (c *Client) RecentUpdates(ctx context.Context, since time.Duration, limit int) ([]propmodel.Property, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-since)
	rows, err := c.db.QueryContext(ctx, selectColumns+` WHERE last_updated >= $1 ORDER BY last_updated DESC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent_updates: %w", err)
	}
	defer rows.Close()
	return scanProperties(rows)
}

// AppendPrice appends a price observation and recomputes current_price,
// honoring the append-only invariant (spec §3).
func (c *Client) AppendPrice(ctx context.Context, propertyID string, obs propmodel.PriceObservation) (bool, error) {
	p, err := c.GetByID(ctx, propertyID)
	if err != nil {
		return false, err
	}
	p.PriceHistory = append(p.PriceHistory, obs)
	p.SortPriceHistory()
	p.RecomputeCurrentPrice()
	p.LastUpdated = time.Now().UTC()

	if _, err := c.Upsert(ctx, *p); err != nil {
		return false, err
	}
	return true, nil
}

// PriceStats aggregates min/max/avg/count of current_price over every
// property in a zip code that has one, active or not.
func (c *Client) PriceStats(ctx context.Context, zip string) (repository.PriceStats, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(MIN((current_price->>'amount')::numeric), 0),
			COALESCE(MAX((current_price->>'amount')::numeric), 0),
			COALESCE(AVG((current_price->>'amount')::numeric), 0),
			COUNT(*)
		FROM properties
		WHERE zipcode = $1 AND current_price IS NOT NULL`, zip)

	var stats repository.PriceStats
	if err := row.Scan(&stats.Min, &stats.Max, &stats.Avg, &stats.Count); err != nil {
		return repository.PriceStats{}, fmt.Errorf("postgres: price_stats: %w", err)
	}
	return stats, nil
}

// UpsertDailyReport writes one calendar day's report, idempotent by date
// (spec §3's "DailyReport ... one per calendar day, idempotent upsert").
func (c *Client) UpsertDailyReport(ctx context.Context, report propmodel.DailyReport) (string, error) {
	bySource, err := json.Marshal(report.BySource)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal by_source: %w", err)
	}
	byZip, err := json.Marshal(report.ByZipcode)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal by_zipcode: %w", err)
	}
	priceStats, err := json.Marshal(report.PriceStats)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal price_stats: %w", err)
	}
	rawMetrics, err := json.Marshal(report.RawMetrics)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal raw_metrics: %w", err)
	}

	var id string
	err = c.db.QueryRowContext(ctx, `
		INSERT INTO daily_reports (report_date, total_processed, new_properties, updated_properties,
			by_source, by_zipcode, price_stats, data_quality_score, error_count, warning_count,
			duration_seconds, api_requests, rate_limit_hits, raw_metrics)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (report_date) DO UPDATE SET
			total_processed = EXCLUDED.total_processed,
			new_properties = EXCLUDED.new_properties,
			updated_properties = EXCLUDED.updated_properties,
			by_source = EXCLUDED.by_source,
			by_zipcode = EXCLUDED.by_zipcode,
			price_stats = EXCLUDED.price_stats,
			data_quality_score = EXCLUDED.data_quality_score,
			error_count = EXCLUDED.error_count,
			warning_count = EXCLUDED.warning_count,
			duration_seconds = EXCLUDED.duration_seconds,
			api_requests = EXCLUDED.api_requests,
			rate_limit_hits = EXCLUDED.rate_limit_hits,
			raw_metrics = EXCLUDED.raw_metrics
		RETURNING id`,
		report.Date, report.TotalProcessed, report.NewProperties, report.UpdatedProperties,
		bySource, byZip, priceStats, report.DataQualityScore, report.ErrorCount, report.WarningCount,
		report.DurationSeconds, report.APIRequests, report.RateLimitHits, rawMetrics).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("postgres: upsert_daily_report: %w", err)
	}
	return id, nil
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
