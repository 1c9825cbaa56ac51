package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/desertdata/proptrack/pkg/propmodel"
)

const selectColumns = `
	SELECT property_id, address, property_type, features, current_price, price_history,
		listing, tax_info, sale_history, provenance, raw_data, zipcode, first_seen,
		last_updated, is_active
	FROM properties`

// dbRow is the marshaled form of a Property ready to bind as query
// parameters; every JSONB column is pre-serialized so callers never pass a
// Go struct directly to database/sql.
type dbRow struct {
	propertyID   string
	address      []byte
	propertyType string
	features     []byte
	currentPrice []byte
	priceHistory []byte
	listing      []byte
	taxInfo      []byte
	saleHistory  []byte
	provenance   []byte
	rawData      []byte
	zipcode      string
	firstSeen    time.Time
	lastUpdated  time.Time
	isActive     bool
}

func marshalRow(p propmodel.Property) (dbRow, error) {
	address, err := json.Marshal(p.Address)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal address: %w", err)
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal features: %w", err)
	}
	currentPrice, err := json.Marshal(p.CurrentPrice)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal current_price: %w", err)
	}
	priceHistory, err := json.Marshal(p.PriceHistory)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal price_history: %w", err)
	}
	listing, err := json.Marshal(p.Listing)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal listing: %w", err)
	}
	taxInfo, err := json.Marshal(p.TaxInfo)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal tax_info: %w", err)
	}
	saleHistory, err := json.Marshal(p.SaleHistory)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal sale_history: %w", err)
	}
	provenance, err := json.Marshal(p.Provenance)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal provenance: %w", err)
	}
	rawData, err := json.Marshal(p.RawData)
	if err != nil {
		return dbRow{}, fmt.Errorf("postgres: marshal raw_data: %w", err)
	}

	return dbRow{
		propertyID:   p.PropertyID,
		address:      address,
		propertyType: string(p.PropertyType),
		features:     features,
		currentPrice: currentPrice,
		priceHistory: priceHistory,
		listing:      listing,
		taxInfo:      taxInfo,
		saleHistory:  saleHistory,
		provenance:   provenance,
		rawData:      rawData,
		zipcode:      p.Address.Zipcode,
		firstSeen:    p.FirstSeen,
		lastUpdated:  p.LastUpdated,
		isActive:     p.IsActive,
	}, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProperty(s scanner) (*propmodel.Property, error) {
	var (
		row          dbRow
		propertyType string
		zipcode      string
	)
	if err := s.Scan(&row.propertyID, &row.address, &propertyType, &row.features, &row.currentPrice,
		&row.priceHistory, &row.listing, &row.taxInfo, &row.saleHistory, &row.provenance, &row.rawData,
		&zipcode, &row.firstSeen, &row.lastUpdated, &row.isActive); err != nil {
		return nil, err
	}

	p := &propmodel.Property{
		PropertyID:   row.propertyID,
		PropertyType: propmodel.PropertyType(propertyType),
		FirstSeen:    row.firstSeen,
		LastUpdated:  row.lastUpdated,
		IsActive:     row.isActive,
	}
	if err := unmarshalIfPresent(row.address, &p.Address); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(row.features, &p.Features); err != nil {
		return nil, err
	}
	if err := unmarshalOptional(row.currentPrice, &p.CurrentPrice); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(row.priceHistory, &p.PriceHistory); err != nil {
		return nil, err
	}
	if err := unmarshalOptional(row.listing, &p.Listing); err != nil {
		return nil, err
	}
	if err := unmarshalOptional(row.taxInfo, &p.TaxInfo); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(row.saleHistory, &p.SaleHistory); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(row.provenance, &p.Provenance); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(row.rawData, &p.RawData); err != nil {
		return nil, err
	}
	return p, nil
}

func scanProperties(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]propmodel.Property, error) {
	var out []propmodel.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func unmarshalIfPresent(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func unmarshalOptional(raw []byte, dest any) error {
	return unmarshalIfPresent(raw, dest)
}
