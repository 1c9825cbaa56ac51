package extract

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/desertdata/proptrack/pkg/llm"
)

// HealthChecker and LLMExtractor are the slice of llm.Client this package
// depends on, so tests can substitute a fake without spinning up an HTTP
// server.
type HealthChecker interface {
	Health(ctx context.Context) bool
}

type LLMExtractor interface {
	Extract(ctx context.Context, content string, schema llm.Schema, contentType llm.ContentType) (map[string]any, error)
}

// PropertySchema is the canonical 21-field schema passed to the LLM client
// (spec §4.8).
var PropertySchema = llm.Schema{
	"address":        {Type: "string", Description: "street address"},
	"city":           {Type: "string", Description: "city name"},
	"state":          {Type: "string", Description: "two-letter state code"},
	"zipcode":        {Type: "string", Description: "5-digit zip code"},
	"price":          {Type: "number", Description: "listing or sale price in dollars"},
	"bedrooms":       {Type: "integer", Description: "number of bedrooms"},
	"bathrooms":      {Type: "number", Description: "number of bathrooms"},
	"half_bathrooms": {Type: "integer", Description: "number of half bathrooms"},
	"square_feet":    {Type: "integer", Description: "interior square footage"},
	"lot_size_sqft":  {Type: "integer", Description: "lot size in square feet"},
	"year_built":     {Type: "integer", Description: "year the structure was built"},
	"floors":         {Type: "integer", Description: "number of floors/stories"},
	"garage_spaces":  {Type: "integer", Description: "number of garage spaces"},
	"pool":           {Type: "boolean", Description: "whether the property has a pool"},
	"fireplace":      {Type: "boolean", Description: "whether the property has a fireplace"},
	"ac_type":        {Type: "string", Description: "air conditioning type, free text"},
	"heating_type":   {Type: "string", Description: "heating system type, free text"},
	"property_type":  {Type: "string", Description: "single_family, condo, townhouse, multi_family, land, or mobile_home"},
	"listing_status": {Type: "string", Description: "active, pending, sold, withdrawn, or expired"},
	"description":    {Type: "string", Description: "marketing description text"},
	"features":       {Type: "array", Description: "list of notable feature strings"},
}

// Validator is the slice of the validation package this extractor needs,
// kept narrow to avoid an import cycle with pkg/validate.
type Validator interface {
	IsValid(record map[string]any) bool
}

// Config tunes the extractor's batching and fallback behavior.
type Config struct {
	FallbackEnabled bool
	BatchSize       int
	InterBatchDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = 500 * time.Millisecond
	}
	return c
}

// Method records which strategy ultimately produced a result, for
// provenance (spec §4.10 step 4's method=llm|fallback).
type Method string

const (
	MethodLLM      Method = "llm"
	MethodFallback Method = "fallback"
)

// Result is a cleaned extraction plus the method that produced it.
type Result struct {
	Fields map[string]any
	Method Method
}

// Extractor orchestrates the LLM client and the rule fallback extractor,
// applying field cleaning to whichever one succeeds (spec §4.8).
type Extractor struct {
	llmClient HealthChecker
	extractor LLMExtractor
	validator Validator
	cfg       Config
	log       *slog.Logger
}

// New builds an Extractor. validator may be nil, in which case the LLM
// result is accepted without a second validation gate before cleaning
// (the caller's pipeline still runs full validation afterward).
func New(client *llm.Client, validator Validator, cfg Config, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	e := &Extractor{
		validator: validator,
		cfg:       cfg.withDefaults(),
		log:       log.With("component", "property_extractor"),
	}
	if client != nil {
		e.llmClient = client
		e.extractor = client
	}
	return e
}

// Extract runs the LLM-first, fallback-second strategy and returns the
// cleaned result, or nil if neither strategy produced anything usable.
func (e *Extractor) Extract(ctx context.Context, content string, contentType llm.ContentType) *Result {
	var raw map[string]any
	method := MethodLLM

	if e.llmClient != nil && e.llmClient.Health(ctx) {
		if got, err := e.extractor.Extract(ctx, content, PropertySchema, contentType); err == nil && got != nil {
			raw = got
		} else if err != nil {
			e.log.Warn("llm extraction failed, considering fallback", "error", err)
		}
	}

	needsFallback := raw == nil || (e.validator != nil && !e.validator.IsValid(raw))
	if needsFallback {
		if !e.cfg.FallbackEnabled {
			if raw == nil {
				return nil
			}
		} else {
			fallback := Rules(content, ContentType(contentType))
			if len(fallback) > 0 {
				raw = fallback
				method = MethodFallback
			} else if raw == nil {
				return nil
			}
		}
	}
	if raw == nil {
		return nil
	}

	return &Result{Fields: Clean(raw), Method: method}
}

// ExtractBatch processes items with batch_size chunking and a fixed delay
// between chunks to pace the LLM (spec §4.8's batch operation).
func (e *Extractor) ExtractBatch(ctx context.Context, items []string, contentType llm.ContentType) []*Result {
	results := make([]*Result, 0, len(items))
	for start := 0; start < len(items); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		for _, item := range items[start:end] {
			results = append(results, e.Extract(ctx, item, contentType))
		}
		if end < len(items) {
			select {
			case <-ctx.Done():
				return results
			case <-time.After(e.cfg.InterBatchDelay):
			}
		}
	}
	return results
}

var stateAliases = map[string]string{
	"ARIZONA": "AZ",
	"AZ":      "AZ",
}

// Clean applies the normalization rules from spec §4.8 step 3 to a raw
// extraction map, returning a new map with invalid numeric fields dropped
// rather than erroring.
func Clean(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	if addr, ok := stringField(out, "address"); ok {
		out["address"] = cleanAddress(addr)
	}
	if city, ok := stringField(out, "city"); ok {
		out["city"] = strings.Title(strings.ToLower(strings.TrimSpace(city))) //nolint:staticcheck
	}
	if state, ok := stringField(out, "state"); ok {
		upper := strings.ToUpper(strings.TrimSpace(state))
		if mapped, found := stateAliases[upper]; found {
			out["state"] = mapped
		} else {
			out["state"] = upper
		}
	}
	if zip, ok := stringField(out, "zipcode"); ok {
		cleaned := cleanZipcode(zip)
		if cleaned == "" {
			delete(out, "zipcode")
		} else {
			out["zipcode"] = cleaned
		}
	}

	cleanNumeric(out, "price")
	cleanNumeric(out, "bedrooms")
	cleanNumeric(out, "bathrooms")
	cleanNumeric(out, "half_bathrooms")
	cleanNumeric(out, "square_feet")
	cleanNumeric(out, "lot_size_sqft")
	cleanNumeric(out, "year_built")
	cleanNumeric(out, "floors")
	cleanNumeric(out, "garage_spaces")

	cleanBool(out, "pool")
	cleanBool(out, "fireplace")

	if raw, ok := out["features"]; ok {
		out["features"] = cleanFeatures(raw)
	}

	return out
}

// cleanBool coerces a field to a bool, accepting the JSON-native bool and
// the common string spellings an LLM might emit; drops the field on any
// other shape rather than guessing (spec §4.8 step 3's "drop rather than
// error" rule, extended to booleans).
func cleanBool(m map[string]any, key string) {
	v, ok := m[key]
	if !ok {
		return
	}
	switch t := v.(type) {
	case bool:
		return
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			m[key] = true
			return
		case "false", "no", "0":
			m[key] = false
			return
		}
	}
	delete(m, key)
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

var whitespaceRun = strings.NewReplacer("\t", " ", "\n", " ")

func cleanAddress(addr string) string {
	collapsed := whitespaceRun.Replace(addr)
	fields := strings.Fields(collapsed)
	for i, f := range fields {
		fields[i] = strings.Title(strings.ToLower(f)) //nolint:staticcheck
	}
	return strings.Join(fields, " ")
}

func cleanZipcode(zip string) string {
	trimmed := strings.TrimSpace(zip)
	if idx := strings.IndexByte(trimmed, '-'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if len(trimmed) != 5 {
		return ""
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return trimmed
}

// cleanNumeric coerces a field to float64/int-compatible form via a safe
// parse; comma-strips strings; drops the field on any parse failure rather
// than erroring (spec §4.8 step 3).
func cleanNumeric(m map[string]any, key string) {
	v, ok := m[key]
	if !ok {
		return
	}
	switch t := v.(type) {
	case float64, int:
		return
	case string:
		cleaned := strings.ReplaceAll(t, ",", "")
		if n, err := strconv.ParseFloat(cleaned, 64); err == nil {
			m[key] = n
			return
		}
	}
	delete(m, key)
}

func cleanFeatures(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			return trimNonEmpty(strs)
		}
		return nil
	}
	strs := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			strs = append(strs, s)
		}
	}
	return trimNonEmpty(strs)
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		trimmed := strings.TrimSpace(s)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
