// Package assessor implements the county assessor REST API collector
// (spec §4.4).
package assessor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/proptrackerr"
	"github.com/desertdata/proptrack/pkg/ratelimit"
	"github.com/desertdata/proptrack/pkg/retry"
)

const sourceName = "assessor"

// Config is the assessor collector's configuration (spec §6.7 assessor.*
// keys).
type Config struct {
	BaseURL     string
	APIKey      string
	Resource    string
	PageSize    int
	MaxRetries  int
	RetryBase   time.Duration
	RetryFactor float64
	RateLimit   int // requests per hour
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryFactor <= 1 {
		c.RetryFactor = 2
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 1000
	}
	return c
}

// Collector implements collector.Collector against the assessor's JSON
// REST API.
type Collector struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	log     *slog.Logger
}

// New builds a Collector and registers its effective rate-limit policy
// (900/hour from a 1000/hour public cap at the default 10% margin).
func New(cfg Config, limiter *ratelimit.Limiter, log *slog.Logger) *Collector {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	limiter.Configure(sourceName, ratelimit.Policy{Limit: cfg.RateLimit, Window: time.Hour, SafetyMargin: 0.10})
	return &Collector{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		log:     log.With("component", "assessor_collector"),
	}
}

func (c *Collector) Name() string { return sourceName }

// ValidateConfig fails fast if the API key or base URL are missing (spec
// §4.4 step 1).
func (c *Collector) ValidateConfig() error {
	if c.cfg.BaseURL == "" || c.cfg.APIKey == "" {
		return proptrackerr.Classify(proptrackerr.ErrConfig, sourceName, "", "", 0,
			fmt.Errorf("base_url and api_key are required"))
	}
	return nil
}

type assessorRecord map[string]any

type assessorPage struct {
	Results []assessorRecord `json:"results"`
	HasMore bool             `json:"has_more"`
}

// CollectRegion pages through the assessor's results for a zip code,
// waiting on the rate limiter before each request and retrying transient
// failures with exponential backoff (spec §4.4 step 2).
func (c *Collector) CollectRegion(ctx context.Context, regionCode string) ([]propmodel.RawRecord, error) {
	var out []propmodel.RawRecord
	page := 1
	for {
		records, hasMore, err := c.fetchPage(ctx, regionCode, page)
		if err != nil {
			return out, err
		}
		for _, rec := range records {
			out = append(out, propmodel.RawRecord{
				Source:    propmodel.SourceAssessorAPI,
				SourceKey: sourceKey(rec),
				FetchedAt: time.Now().UTC(),
				Payload:   propmodel.RawRecordPayload{Type: propmodel.PayloadStructured, Structured: rec},
				Context:   map[string]string{"region": regionCode, "page": strconv.Itoa(page)},
			})
		}
		if !hasMore {
			break
		}
		page++
	}
	return out, nil
}

func sourceKey(rec assessorRecord) string {
	if v, ok := rec["parcel_number"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *Collector) fetchPage(ctx context.Context, regionCode string, page int) ([]assessorRecord, bool, error) {
	endpoint := fmt.Sprintf("%s/%s?zip=%s&page=%d", c.cfg.BaseURL, c.cfg.Resource, url.QueryEscape(regionCode), page)

	var result assessorPage
	attempt := 0
	err := retry.Do(ctx, retry.Policy{Base: c.cfg.RetryBase, Factor: c.cfg.RetryFactor, MaxRetries: c.cfg.MaxRetries}, func(a int) error {
		attempt = a
		if _, err := c.limiter.Acquire(ctx, sourceName); err != nil {
			return retry.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("AUTHORIZATION", c.cfg.APIKey)
		req.Header.Set("user-agent", "null")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return retry.Permanent(proptrackerr.Classify(proptrackerr.ErrAuth, sourceName, regionCode, redactedEndpoint(c.cfg.Resource), attempt, fmt.Errorf("status %d", resp.StatusCode)))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("assessor: transient status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return retry.Permanent(proptrackerr.Classify(proptrackerr.ErrRepository, sourceName, regionCode, redactedEndpoint(c.cfg.Resource), attempt, fmt.Errorf("status %d", resp.StatusCode)))
		}

		if err := json.Unmarshal(body, &result); err != nil {
			return retry.Permanent(fmt.Errorf("assessor: decode response: %w", err))
		}
		return nil
	})

	if err != nil {
		return nil, false, proptrackerr.Classify(firstNonNilKind(err), sourceName, regionCode, redactedEndpoint(c.cfg.Resource), attempt, err)
	}
	return result.Results, result.HasMore, nil
}

// redactedEndpoint never includes the API key, per spec §4.4's "credentials
// are never included in error context or logs".
func redactedEndpoint(resource string) string {
	return resource
}

var errCollection = fmt.Errorf("assessor: collection failed")

// firstNonNilKind unwraps a ClassifiedError's sentinel kind if err is
// already one (e.g. an auth failure surfaced via retry.Permanent),
// otherwise falls back to the generic collection-error sentinel.
func firstNonNilKind(err error) error {
	if ce, ok := err.(*proptrackerr.ClassifiedError); ok {
		return ce.Kind
	}
	return errCollection
}

// CollectDetail fetches a single parcel by its key (spec §4.4 step 3).
func (c *Collector) CollectDetail(ctx context.Context, key string) (propmodel.RawRecord, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.cfg.BaseURL, c.cfg.Resource, url.PathEscape(key))

	var rec assessorRecord
	attempt := 0
	err := retry.Do(ctx, retry.Policy{Base: c.cfg.RetryBase, Factor: c.cfg.RetryFactor, MaxRetries: c.cfg.MaxRetries}, func(a int) error {
		attempt = a
		if _, err := c.limiter.Acquire(ctx, sourceName); err != nil {
			return retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("AUTHORIZATION", c.cfg.APIKey)
		req.Header.Set("user-agent", "null")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("assessor: transient status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(fmt.Errorf("assessor: status %d", resp.StatusCode))
		}
		return json.Unmarshal(body, &rec)
	})
	if err != nil {
		return propmodel.RawRecord{}, proptrackerr.Classify(proptrackerr.ErrRepository, sourceName, "", redactedEndpoint(c.cfg.Resource), attempt, err)
	}

	return propmodel.RawRecord{
		Source:    propmodel.SourceAssessorAPI,
		SourceKey: key,
		FetchedAt: time.Now().UTC(),
		Payload:   propmodel.RawRecordPayload{Type: propmodel.PayloadStructured, Structured: rec},
	}, nil
}

// Adapt applies the assessor's deterministic field mapping (spec §4.4
// step 4). The assessor's payload keys (situs_address, zip,
// total_assessed_value, tax_year, ...) don't match the canonical
// Property Extractor schema, so this mapping — not the generic LLM/rule
// path — is the only source of tax_info for assessor records.
func (c *Collector) Adapt(raw propmodel.RawRecord) (propmodel.Property, error) {
	if raw.Payload.Type != propmodel.PayloadStructured {
		return propmodel.Property{}, fmt.Errorf("assessor: adapt expects structured payload")
	}
	m := raw.Payload.Structured

	street := str(m, "situs_address")
	if street == "" {
		street = str(m, "street")
	}

	addr := propmodel.PropertyAddress{
		Street:  titleCase(street),
		City:    titleCase(str(m, "city")),
		State:   str(m, "state"),
		Zipcode: str(m, "zip"),
		County:  str(m, "county"),
	}.WithDefaults()

	p := propmodel.Property{
		PropertyID:   propmodel.PropertyID(addr),
		Address:      addr,
		PropertyType: propmodel.PropertyTypeUnknown,
		FirstSeen:    time.Now().UTC(),
		LastUpdated:  time.Now().UTC(),
		IsActive:     true,
		RawData:      m,
	}

	tax := propmodel.TaxInfo{}
	hasTax := false
	if apn, ok := m["parcel_number"].(string); ok {
		tax.APN = apn
		hasTax = true
	}
	if v, ok := num(m, "total_assessed_value"); ok {
		tax.AssessedValue = v
		hasTax = true
	} else if v, ok := num(m, "assessed_value"); ok {
		tax.AssessedValue = v
		hasTax = true
	}
	if v, ok := num(m, "annual_tax"); ok {
		tax.AnnualTax = v
		hasTax = true
	}
	if v, ok := num(m, "tax_year"); ok {
		tax.TaxYear = int(v)
		hasTax = true
	}
	if v, ok := m["homestead_flag"].(bool); ok {
		tax.HomesteadFlag = v
		hasTax = true
	}
	if hasTax {
		p.TaxInfo = &tax
	}

	return p, nil
}

func str(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func num(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// titleCase normalizes "123 MAIN ST" to "123 Main St", matching the
// cleaning the property extractor applies to address fields elsewhere
// (spec §4.8 step 3), since this adapter's output bypasses that path.
func titleCase(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		fields[i] = strings.Title(strings.ToLower(f)) //nolint:staticcheck
	}
	return strings.Join(fields, " ")
}
