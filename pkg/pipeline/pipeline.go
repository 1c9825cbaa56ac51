// Package pipeline implements the Processing Pipeline: per-item extraction,
// validation, provenance enrichment, and upsert, plus a chunked-concurrency
// batch path (spec §4.10).
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/desertdata/proptrack/pkg/extract"
	"github.com/desertdata/proptrack/pkg/llm"
	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/repository"
	"github.com/desertdata/proptrack/pkg/validate"
)

// Config tunes batching (spec §6.7 processing.* keys).
type Config struct {
	BatchSize       int
	MaxConcurrent   int
	InterChunkDelay time.Duration
	EnableStorage   bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.InterChunkDelay <= 0 {
		c.InterChunkDelay = 500 * time.Millisecond
	}
	return c
}

// Adapter is the narrow slice of collector.Collector this package depends
// on: a structured payload's own deterministic field mapping (spec §4.4/
// §4.5 step 4). Declared locally to avoid importing pkg/collector.
type Adapter interface {
	Adapt(raw propmodel.RawRecord) (propmodel.Property, error)
}

// Pipeline wires the extractor, validator, and repository together.
type Pipeline struct {
	extractor *extract.Extractor
	validator *validate.Validator
	repo      repository.Repository
	cfg       Config
	log       *slog.Logger
}

// New builds a Pipeline.
func New(extractor *extract.Extractor, validator *validate.Validator, repo repository.Repository, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		extractor: extractor,
		validator: validator,
		repo:      repo,
		cfg:       cfg.withDefaults(),
		log:       log.With("component", "pipeline"),
	}
}

// ItemError is one item's failure, kept small so a batch's error list can
// be capped (spec §4.11's "cap error list at a small fixed size").
type ItemError struct {
	SourceKey string
	Message   string
}

// BatchResult summarizes a batch run (spec §4.10).
type BatchResult struct {
	Processed int
	Failed    int
	Duration  time.Duration
	Errors    []ItemError
}

const maxBatchErrors = 10

// Process runs the single-item path: select payload, extract, validate,
// enrich with provenance, and upsert. Returns nil if the item is dropped
// (failed validation or produced no extraction) — never an error the
// caller must handle, per spec §4.10 step 3's "on failure log and return
// null". adapt may be nil; when non-nil and raw carries a structured
// payload, its deterministic field mapping seeds the address and supplies
// tax_info/listing fields the generic extraction schema doesn't carry
// (spec §4.4/§4.5 step 4 — the assessor's own key names don't match the
// canonical extraction schema, so structured tax data has no other path
// into Property).
func (p *Pipeline) Process(ctx context.Context, raw propmodel.RawRecord, source propmodel.Source, adapt Adapter) *propmodel.Property {
	var adapted *propmodel.Property
	if raw.Payload.Type == propmodel.PayloadStructured && adapt != nil {
		if a, err := adapt.Adapt(raw); err != nil {
			p.log.Warn("structured adapt failed, falling back to generic extraction", "source_key", raw.SourceKey, "error", err)
		} else {
			adapted = &a
		}
	}

	content, contentType := selectPayload(raw)

	var result *extract.Result
	if content != "" {
		result = p.extractor.Extract(ctx, content, contentType)
	}

	fields := map[string]any{}
	method := "structured"
	if result != nil {
		fields = result.Fields
		method = string(result.Method)
	}
	if adapted != nil {
		seedAddressFields(fields, adapted.Address)
	}
	if len(fields) == 0 {
		p.log.Info("extraction produced nothing", "source_key", raw.SourceKey)
		return nil
	}

	validation := p.validator.Validate(fields)
	if !validation.IsValid {
		p.log.Info("item failed validation", "source_key", raw.SourceKey, "errors", validation.Errors)
		return nil
	}

	prop := buildProperty(fields)
	if adapted != nil {
		applyAdapted(&prop, *adapted)
	}
	prop.AppendProvenance(propmodel.CollectionProvenance{
		Source:         source,
		CollectedAt:    raw.FetchedAt,
		RawPayloadHash: raw.PayloadHash(),
		QualityScore:   validation.ConfidenceScore,
		ProcessingNotes: []string{
			"method=" + method,
		},
	})
	prop.LastUpdated = time.Now().UTC()
	prop.FirstSeen = prop.LastUpdated

	if p.cfg.EnableStorage {
		merged, err := p.mergeWithExisting(ctx, prop)
		if err != nil {
			p.log.Warn("failed to load existing property for merge", "property_id", prop.PropertyID, "error", err)
		} else {
			prop = merged
		}
		if _, err := p.repo.Upsert(ctx, prop); err != nil {
			// Storage failures never fail the item (spec §4.10 step 5):
			// the data survives in the run's in-memory report even if
			// persistence is degraded.
			p.log.Warn("repository upsert failed", "property_id", prop.PropertyID, "error", err)
		}
	}

	return &prop
}

// mergeWithExisting folds a freshly-built Property into whatever is
// already stored under the same property_id, preserving the append-only
// invariants spec §3 places on price_history and provenance: a prior
// run's history is never overwritten, and a provenance entry is only
// appended when raw_payload_hash differs from the latest recorded entry
// (spec §8's idempotent-upsert round trip).
func (p *Pipeline) mergeWithExisting(ctx context.Context, incoming propmodel.Property) (propmodel.Property, error) {
	existing, err := p.repo.GetByID(ctx, incoming.PropertyID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return incoming, nil
		}
		return incoming, err
	}

	merged := *existing
	merged.Address = incoming.Address
	merged.PropertyType = incoming.PropertyType
	merged.Features = incoming.Features
	merged.RawData = incoming.RawData
	merged.LastUpdated = incoming.LastUpdated
	if incoming.Listing != nil {
		merged.Listing = incoming.Listing
	}
	if incoming.TaxInfo != nil {
		merged.TaxInfo = incoming.TaxInfo
	}

	merged.PriceHistory = append(append([]propmodel.PriceObservation{}, existing.PriceHistory...), incoming.PriceHistory...)
	merged.SortPriceHistory()
	merged.RecomputeCurrentPrice()

	merged.Provenance = append([]propmodel.CollectionProvenance{}, existing.Provenance...)
	for _, entry := range incoming.Provenance {
		if n := len(merged.Provenance); n > 0 && merged.Provenance[n-1].RawPayloadHash == entry.RawPayloadHash {
			continue
		}
		merged.Provenance = append(merged.Provenance, entry)
	}

	return merged, nil
}

// ProcessBatch chunks items by batch_size, processes each chunk
// concurrently up to max_concurrent, and sleeps between chunks to pace the
// LLM (spec §4.10's batch path). adapt is passed through to Process for
// every item; see Process's doc comment.
func (p *Pipeline) ProcessBatch(ctx context.Context, items []propmodel.RawRecord, source propmodel.Source, adapt Adapter) BatchResult {
	start := time.Now()
	result := BatchResult{}

	for chunkStart := 0; chunkStart < len(items); chunkStart += p.cfg.BatchSize {
		chunkEnd := chunkStart + p.cfg.BatchSize
		if chunkEnd > len(items) {
			chunkEnd = len(items)
		}
		p.processChunk(ctx, items[chunkStart:chunkEnd], source, adapt, &result)

		if chunkEnd < len(items) {
			select {
			case <-ctx.Done():
				result.Duration = time.Since(start)
				return result
			case <-time.After(p.cfg.InterChunkDelay):
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (p *Pipeline) processChunk(ctx context.Context, chunk []propmodel.RawRecord, source propmodel.Source, adapt Adapter, result *BatchResult) {
	type outcome struct {
		prop      *propmodel.Property
		sourceKey string
		panicked  bool
		err       string
	}

	sem := make(chan struct{}, p.cfg.MaxConcurrent)
	outcomes := make(chan outcome, len(chunk))

	for _, item := range chunk {
		item := item
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					outcomes <- outcome{sourceKey: item.SourceKey, panicked: true, err: "panic during processing"}
				}
			}()
			prop := p.Process(ctx, item, source, adapt)
			outcomes <- outcome{prop: prop, sourceKey: item.SourceKey}
		}()
	}

	for i := 0; i < len(chunk); i++ {
		o := <-outcomes
		switch {
		case o.panicked:
			result.Failed++
			if len(result.Errors) < maxBatchErrors {
				result.Errors = append(result.Errors, ItemError{SourceKey: o.sourceKey, Message: o.err})
			}
		case o.prop == nil:
			result.Failed++
		default:
			result.Processed++
		}
	}
}

func selectPayload(raw propmodel.RawRecord) (string, llm.ContentType) {
	switch raw.Payload.Type {
	case propmodel.PayloadHTML:
		return raw.Payload.HTML, llm.ContentHTML
	case propmodel.PayloadText:
		return raw.Payload.Text, llm.ContentText
	case propmodel.PayloadStructured:
		return synthesizeText(raw.Payload.Structured), llm.ContentText
	default:
		return "", llm.ContentText
	}
}

// synthesizeText joins string fields of a structured payload into a
// pseudo-text blob the rule extractor and LLM can still work against
// (spec §4.10 step 1: "else synthesize text by joining string fields").
func synthesizeText(m map[string]any) string {
	var b []byte
	for _, v := range m {
		if s, ok := v.(string); ok {
			b = append(b, []byte(s)...)
			b = append(b, ' ')
		}
	}
	return string(b)
}

func buildProperty(fields map[string]any) propmodel.Property {
	addr := propmodel.PropertyAddress{
		Street:  fieldString(fields, "address"),
		City:    fieldString(fields, "city"),
		State:   fieldString(fields, "state"),
		Zipcode: fieldString(fields, "zipcode"),
	}.WithDefaults()

	p := propmodel.Property{
		PropertyID:   propmodel.PropertyID(addr),
		Address:      addr,
		PropertyType: propertyTypeFromFields(fields),
		Features: propmodel.PropertyFeatures{
			Bedrooms:      fieldIntPtr(fields, "bedrooms"),
			Bathrooms:     fieldFloatPtr(fields, "bathrooms"),
			HalfBathrooms: fieldIntPtr(fields, "half_bathrooms"),
			SquareFeet:    fieldIntPtr(fields, "square_feet"),
			LotSizeSqft:   fieldIntPtr(fields, "lot_size_sqft"),
			YearBuilt:     fieldIntPtr(fields, "year_built"),
			Floors:        fieldIntPtr(fields, "floors"),
			GarageSpaces:  fieldIntPtr(fields, "garage_spaces"),
			Pool:          fieldBoolPtr(fields, "pool"),
			Fireplace:     fieldBoolPtr(fields, "fireplace"),
			ACType:        fieldString(fields, "ac_type"),
			HeatingType:   fieldString(fields, "heating_type"),
		},
		RawData: fields,
	}

	if status := fieldString(fields, "listing_status"); status != "" {
		p.Listing = &propmodel.ListingInfo{Status: listingStatusFromString(status)}
	}

	if price, ok := fieldFloat(fields, "price"); ok {
		obs := propmodel.PriceObservation{Amount: price, Date: time.Now().UTC(), PriceType: propmodel.PriceTypeListing}
		p.PriceHistory = []propmodel.PriceObservation{obs}
		p.CurrentPrice = &obs
	}

	return p
}

func listingStatusFromString(raw string) propmodel.ListingStatus {
	switch propmodel.ListingStatus(raw) {
	case propmodel.ListingActive, propmodel.ListingPending, propmodel.ListingSold,
		propmodel.ListingWithdrawn, propmodel.ListingExpired:
		return propmodel.ListingStatus(raw)
	default:
		return propmodel.ListingUnknown
	}
}

// seedAddressFields fills in any of the extraction map's address keys that
// are absent, from a structured payload's own adapted address (spec §4.4/
// §4.5 step 4). It never overwrites a value the generic extractor already
// produced.
func seedAddressFields(fields map[string]any, addr propmodel.PropertyAddress) {
	setIfAbsent(fields, "address", addr.Street)
	setIfAbsent(fields, "city", addr.City)
	setIfAbsent(fields, "state", addr.State)
	setIfAbsent(fields, "zipcode", addr.Zipcode)
}

func setIfAbsent(fields map[string]any, key, value string) {
	if value == "" {
		return
	}
	if _, ok := fields[key]; ok {
		return
	}
	fields[key] = value
}

// applyAdapted overlays the fields a structured payload's adapter is
// authoritative for — tax_info, listing, and property_type when the
// generic extraction left them unset — onto a Property already built from
// the extraction fields.
func applyAdapted(p *propmodel.Property, adapted propmodel.Property) {
	if adapted.TaxInfo != nil {
		p.TaxInfo = adapted.TaxInfo
	}
	if p.Listing == nil && adapted.Listing != nil {
		p.Listing = adapted.Listing
	}
	if p.PropertyType == propmodel.PropertyTypeUnknown && adapted.PropertyType != propmodel.PropertyTypeUnknown {
		p.PropertyType = adapted.PropertyType
	}
}

func fieldIntPtr(m map[string]any, key string) *int {
	v, ok := fieldFloat(m, key)
	if !ok {
		return nil
	}
	n := int(v)
	return &n
}

func fieldFloatPtr(m map[string]any, key string) *float64 {
	v, ok := fieldFloat(m, key)
	if !ok {
		return nil
	}
	return &v
}

func fieldBoolPtr(m map[string]any, key string) *bool {
	v, ok := m[key].(bool)
	if !ok {
		return nil
	}
	return &v
}

func propertyTypeFromFields(fields map[string]any) propmodel.PropertyType {
	raw := fieldString(fields, "property_type")
	switch propmodel.PropertyType(raw) {
	case propmodel.PropertyTypeSingleFamily, propmodel.PropertyTypeCondo, propmodel.PropertyTypeTownhouse,
		propmodel.PropertyTypeMultiFamily, propmodel.PropertyTypeLand, propmodel.PropertyTypeMobileHome:
		return propmodel.PropertyType(raw)
	default:
		return propmodel.PropertyTypeUnknown
	}
}

func fieldString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func fieldFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
