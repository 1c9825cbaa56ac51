// Package extract implements the deterministic rule-based fallback
// extractor and the higher-level property extractor that orchestrates it
// alongside the LLM client (spec §4.7, §4.8).
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ContentType mirrors llm.ContentType without importing the llm package,
// keeping this package usable standalone against raw HTML/text.
type ContentType string

const (
	ContentHTML ContentType = "html"
	ContentText ContentType = "text"
)

var (
	priceRe       = regexp.MustCompile(`(?i)\$\s?([\d,]+(?:\.\d{2})?)`)
	bedroomsRe    = regexp.MustCompile(`(?i)(\d+)\s*(?:bed(?:room)?s?|br)\b`)
	bathroomsRe   = regexp.MustCompile(`(?i)(\d+(?:\.\d)?)\s*(?:bath(?:room)?s?|ba)\b`)
	sqftRe        = regexp.MustCompile(`(?i)([\d,]+)\s*(?:sq\.?\s?ft\.?|sf)\b`)
	cityStateZipRe = regexp.MustCompile(`,\s*([A-Za-z][A-Za-z .]*?),\s*([A-Za-z]{2})\s+(\d{5})(?:-\d{4})?\b`)
)

// minPlausiblePrice filters out currency-looking numbers too small to be a
// real property price (e.g. "$5 off", HOA fees).
const minPlausiblePrice = 1000.0

// addressSelectors are CSS selectors observed on MLS listing pages where an
// address reliably lives, tried in order.
var addressSelectors = []string{
	".listing-address",
	".property-address",
	"[itemprop=streetAddress]",
	"h1.address",
}

// Rules extracts whatever fields it can find using regular expressions and
// a small set of known CSS selectors. It never fabricates a field it
// cannot find with reasonable confidence (spec §4.7).
func Rules(content string, contentType ContentType) map[string]any {
	out := map[string]any{}

	text := content
	if contentType == ContentHTML {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(content)); err == nil {
			if addr, ok := extractAddress(doc); ok {
				out["address"] = addr
			}
			text = doc.Text()
		}
	}

	if m := priceRe.FindStringSubmatch(text); m != nil {
		if amount, ok := parsePlausiblePrice(m[1]); ok {
			out["price"] = amount
		}
	}
	if m := bedroomsRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			out["bedrooms"] = n
		}
	}
	if m := bathroomsRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.ParseFloat(m[1], 64); err == nil {
			out["bathrooms"] = n
		}
	}
	if m := sqftRe.FindStringSubmatch(text); m != nil {
		cleaned := strings.ReplaceAll(m[1], ",", "")
		if n, err := strconv.Atoi(cleaned); err == nil {
			out["square_feet"] = n
		}
	}

	// The address field, when present, often carries "..., City, ST ZIP"
	// as a trailing clause (both the MLS card markup and the assessor's
	// free-text address do this); split it out so the location dimension
	// of the validator has something to check.
	if addr, ok := out["address"].(string); ok {
		if m := cityStateZipRe.FindStringSubmatch(addr); m != nil {
			out["city"] = strings.TrimSpace(m[1])
			out["state"] = strings.ToUpper(m[2])
			out["zipcode"] = m[3]
		}
	}

	return out
}

func extractAddress(doc *goquery.Document) (string, bool) {
	for _, sel := range addressSelectors {
		if s := strings.TrimSpace(doc.Find(sel).First().Text()); s != "" {
			return s, true
		}
	}
	return "", false
}

func parsePlausiblePrice(raw string) (float64, bool) {
	cleaned := strings.ReplaceAll(raw, ",", "")
	amount, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || amount < minPlausiblePrice {
		return 0, false
	}
	return amount, true
}
