// Package propmodel defines the canonical data model shared by every
// collector, the processing pipeline, and the repository: RawRecord on the
// way in, Property and DailyReport on the way out.
package propmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Source identifies which external collector produced a RawRecord.
type Source string

const (
	SourceAssessorAPI Source = "ASSESSOR_API"
	SourceMLSScrape    Source = "MLS_SCRAPE"
)

// PayloadType selects which field of RawRecordPayload is populated.
type PayloadType string

const (
	PayloadHTML       PayloadType = "html"
	PayloadText       PayloadType = "text"
	PayloadStructured PayloadType = "structured"
)

// RawRecordPayload holds exactly one of the three payload shapes a
// collector can produce.
type RawRecordPayload struct {
	Type       PayloadType
	HTML       string
	Text       string
	Structured map[string]any
}

// RawRecord is the opaque, source-labeled capture of one property
// observation. It is created by a Collector, consumed once by the
// Processing Pipeline, and then discarded — only its payload hash survives,
// in CollectionProvenance.
type RawRecord struct {
	Source    Source
	SourceKey string // parcel id, MLS id, or URL — stable per source
	FetchedAt time.Time
	Payload   RawRecordPayload
	Context   map[string]string // region code, page number, listing url, ...
}

// PayloadHash returns a stable hash of the record's payload, used for
// idempotent-upsert detection (spec §8: "second identical upsert writes no
// new provenance entry if raw_payload_hash is unchanged").
func (r RawRecord) PayloadHash() string {
	h := sha256.New()
	switch r.Payload.Type {
	case PayloadHTML:
		h.Write([]byte(r.Payload.HTML))
	case PayloadText:
		h.Write([]byte(r.Payload.Text))
	case PayloadStructured:
		keys := make([]string, 0, len(r.Payload.Structured))
		for k := range r.Payload.Structured {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%v;", k, r.Payload.Structured[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PropertyType enumerates the land-use categories the assessor and MLS
// sources distinguish. Not named explicitly by the originating spec; the
// smallest enumeration covering Maricopa County's land-use codes (recorded
// as an Open Question decision in DESIGN.md).
type PropertyType string

const (
	PropertyTypeSingleFamily PropertyType = "single_family"
	PropertyTypeCondo        PropertyType = "condo"
	PropertyTypeTownhouse    PropertyType = "townhouse"
	PropertyTypeMultiFamily  PropertyType = "multi_family"
	PropertyTypeLand         PropertyType = "land"
	PropertyTypeMobileHome   PropertyType = "mobile_home"
	PropertyTypeUnknown      PropertyType = "unknown"
)

// PropertyAddress is a normalized street address within the target metro.
type PropertyAddress struct {
	Street  string
	City    string
	State   string
	Zipcode string
	County  string
}

var zipRe = regexp.MustCompile(`^\d{5}$`)

// ZipValid reports whether the zipcode is exactly 5 digits.
func (a PropertyAddress) ZipValid() bool {
	return zipRe.MatchString(a.Zipcode)
}

// FullAddress renders the computed full_address field from spec §3.
func (a PropertyAddress) FullAddress() string {
	return fmt.Sprintf("%s, %s, %s %s", a.Street, a.City, a.State, a.Zipcode)
}

// WithDefaults fills in the metro-wide defaults from spec §3
// (city=Phoenix, state=AZ, county=Maricopa) for any field left blank.
func (a PropertyAddress) WithDefaults() PropertyAddress {
	if a.City == "" {
		a.City = "Phoenix"
	}
	if a.State == "" {
		a.State = "AZ"
	}
	if a.County == "" {
		a.County = "Maricopa"
	}
	return a
}

// PropertyID deterministically derives the aggregate identity from a
// normalized street + zipcode, per spec §3's invariant: two collectors
// observing the same property must produce the same id.
func PropertyID(addr PropertyAddress) string {
	norm := normalizeForID(addr.Street) + "|" + strings.TrimSpace(addr.Zipcode)
	sum := sha256.Sum256([]byte(norm))
	return "prop_" + hex.EncodeToString(sum[:])[:24]
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeForID(street string) string {
	s := strings.ToLower(strings.TrimSpace(street))
	s = nonAlnum.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// PropertyFeatures holds the optional structural attributes from spec §3.
// All fields are pointers so "unknown" is distinguishable from "zero".
type PropertyFeatures struct {
	Bedrooms      *int
	Bathrooms     *float64
	HalfBathrooms *int
	SquareFeet    *int
	LotSizeSqft   *int
	YearBuilt     *int
	Floors        *int
	GarageSpaces  *int
	Pool          *bool
	Fireplace     *bool
	ACType        string
	HeatingType   string
}

// PriceType enumerates the kind of price observation.
type PriceType string

const (
	PriceTypeListing  PriceType = "listing"
	PriceTypeSale     PriceType = "sale"
	PriceTypeEstimate PriceType = "estimate"
)

// PriceObservation is a single point in a property's price history.
type PriceObservation struct {
	Amount     float64
	Date       time.Time
	PriceType  PriceType
	Source     Source
	Confidence float64
}

// ListingStatus enumerates the observed (never mutated) listing lifecycle.
type ListingStatus string

const (
	ListingActive     ListingStatus = "active"
	ListingPending    ListingStatus = "pending"
	ListingSold       ListingStatus = "sold"
	ListingWithdrawn  ListingStatus = "withdrawn"
	ListingExpired    ListingStatus = "expired"
	ListingUnknown    ListingStatus = "unknown"
)

// ListingInfo captures MLS listing metadata.
type ListingInfo struct {
	MLSID          string
	ListingDate    *time.Time
	ExpirationDate *time.Time
	Status         ListingStatus
	Agent          string
	Brokerage      string
	URL            string
	Description    string
	Photos         []string
}

// TaxInfo captures assessor tax-roll data.
type TaxInfo struct {
	APN            string
	AssessedValue  float64
	AnnualTax      float64
	TaxYear        int
	HomesteadFlag  bool
}

// SaleRecord captures a single historical sale.
type SaleRecord struct {
	SaleDate       time.Time
	SalePrice      float64
	Buyer          string
	Seller         string
	FinancingType  string
	DeedType       string
	DocumentNumber string
}

// CollectionProvenance is one append-only entry in a Property's provenance
// log: which collector produced which version, with a quality score.
type CollectionProvenance struct {
	Source           Source
	CollectedAt      time.Time
	CollectorVersion string
	RawPayloadHash   string
	ProcessingNotes  []string
	QualityScore     float64
}

// Property is the canonical aggregate root. Identity is PropertyID(Address).
type Property struct {
	PropertyID   string
	Address      PropertyAddress
	PropertyType PropertyType
	Features     PropertyFeatures

	CurrentPrice *PriceObservation
	PriceHistory []PriceObservation

	Listing    *ListingInfo
	TaxInfo    *TaxInfo
	SaleHistory []SaleRecord

	Provenance []CollectionProvenance

	FirstSeen   time.Time
	LastUpdated time.Time
	IsActive    bool

	RawData map[string]any
}

// LatestPriceDate returns the computed latest_price_date field.
func (p *Property) LatestPriceDate() (time.Time, bool) {
	if len(p.PriceHistory) == 0 {
		return time.Time{}, false
	}
	latest := p.PriceHistory[0].Date
	for _, po := range p.PriceHistory[1:] {
		if po.Date.After(latest) {
			latest = po.Date
		}
	}
	return latest, true
}

// DaysOnMarket returns the computed days_on_market field, or false if the
// listing has no listing date.
func (p *Property) DaysOnMarket(asOf time.Time) (int, bool) {
	if p.Listing == nil || p.Listing.ListingDate == nil {
		return 0, false
	}
	d := asOf.Sub(*p.Listing.ListingDate)
	if d < 0 {
		return 0, false
	}
	return int(d.Hours() / 24), true
}

// SortPriceHistory sorts price_history by date ascending, per spec §5's
// ordering guarantee ("price_history is sorted by date on read").
func (p *Property) SortPriceHistory() {
	sort.Slice(p.PriceHistory, func(i, j int) bool {
		return p.PriceHistory[i].Date.Before(p.PriceHistory[j].Date)
	})
}

// RecomputeCurrentPrice sets CurrentPrice to the entry with the most recent
// Date, breaking ties by the entry that was appended later (higher index,
// since price_history is append-only in insertion order). Spec §3 invariant.
func (p *Property) RecomputeCurrentPrice() {
	if len(p.PriceHistory) == 0 {
		p.CurrentPrice = nil
		return
	}
	best := p.PriceHistory[0]
	for _, po := range p.PriceHistory[1:] {
		if po.Date.After(best.Date) || po.Date.Equal(best.Date) {
			best = po
		}
	}
	cp := best
	p.CurrentPrice = &cp
}

// AppendProvenance appends a provenance entry, preserving append-only order.
func (p *Property) AppendProvenance(entry CollectionProvenance) {
	p.Provenance = append(p.Provenance, entry)
}

// PriceStats summarizes price_stats(zip) per the Repository contract §6.1.
type PriceStats struct {
	Min, Max, Avg float64
	Count         int
}

// DailyReportSourceStats breaks per-source counters down for DailyReport.
type DailyReportSourceStats struct {
	Processed int
	New       int
	Updated   int
	Errors    int
}

// DailyReportPriceStats summarizes price distribution across the run.
type DailyReportPriceStats struct {
	Min, Max, Avg, Median float64
}

// DailyReport is the per-calendar-day aggregate from spec §3.
type DailyReport struct {
	Date              time.Time // truncated to calendar day, UTC
	TotalProcessed    int
	NewProperties     int
	UpdatedProperties int
	BySource          map[Source]DailyReportSourceStats
	ByZipcode         map[string]int
	PriceStats        DailyReportPriceStats
	DataQualityScore  float64
	ErrorCount        int
	WarningCount      int
	DurationSeconds   float64
	APIRequests       int
	RateLimitHits     int
	RawMetrics        map[string]any
}
