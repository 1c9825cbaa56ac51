// Package mlsselectors loads the external, swappable-at-runtime CSS
// selector configuration the MLS scrape collector uses to extract fields
// from listing and detail pages (spec §4.5, §6.4).
package mlsselectors

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Field is one field's selector family: a primary selector tried first,
// then an ordered list of fallbacks. The first selector that yields
// non-empty content wins; falling through to a fallback is logged as a
// warning by the caller.
type Field struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`
}

// Candidates returns the selectors to try, in priority order.
func (f Field) Candidates() []string {
	out := make([]string, 0, 1+len(f.Fallbacks))
	if f.Primary != "" {
		out = append(out, f.Primary)
	}
	return append(out, f.Fallbacks...)
}

// PageConfig is the selector set for one page type (list or detail).
type PageConfig struct {
	Fields map[string]Field `yaml:"fields"`
}

// Config is the full external selector file, one PageConfig per page type.
type Config struct {
	ListPage   PageConfig `yaml:"list_page"`
	DetailPage PageConfig `yaml:"detail_page"`

	// CaptchaSelector, when matched on a page, signals a CAPTCHA challenge
	// (spec §4.5's CaptchaRequired signal).
	CaptchaSelector string `yaml:"captcha_selector"`
	// ResultSelector must be present for a list page to count as a
	// successful fetch for proxy health reporting (spec §4.5).
	ResultSelector string `yaml:"result_selector"`
}

// Load reads and parses a selector configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("mlsselectors: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("mlsselectors: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a reasonable built-in selector set, used when no
// external file is configured — still swappable by pointing Config at a
// real file (spec §6.4's "must be swappable at runtime without code
// changes").
func Default() Config {
	return Config{
		ResultSelector:  ".listing-card",
		CaptchaSelector: "#captcha-challenge",
		ListPage: PageConfig{
			Fields: map[string]Field{
				"address": {Primary: ".listing-card .address", Fallbacks: []string{"[itemprop=streetAddress]"}},
				"price":   {Primary: ".listing-card .price", Fallbacks: []string{".listing-card .list-price"}},
				"url":     {Primary: ".listing-card a.details-link", Fallbacks: []string{".listing-card a"}},
			},
		},
		DetailPage: PageConfig{
			Fields: map[string]Field{
				"address":     {Primary: ".property-address", Fallbacks: []string{"h1.address", "[itemprop=streetAddress]"}},
				"price":       {Primary: ".property-price", Fallbacks: []string{".price-value"}},
				"bedrooms":    {Primary: "[data-field=bedrooms]", Fallbacks: []string{".beds"}},
				"bathrooms":   {Primary: "[data-field=bathrooms]", Fallbacks: []string{".baths"}},
				"square_feet": {Primary: "[data-field=sqft]", Fallbacks: []string{".sqft"}},
				"description": {Primary: ".property-description", Fallbacks: []string{"#description"}},
			},
		},
	}
}
