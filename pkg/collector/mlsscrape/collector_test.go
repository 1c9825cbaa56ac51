package mlsscrape

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/desertdata/proptrack/pkg/mlsselectors"
	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/proptrackerr"
	"github.com/desertdata/proptrack/pkg/proxypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	return New(Config{SearchBaseURL: "https://example.invalid/search"}, proxypool.New(nil, proxypool.Config{}), mlsselectors.Default(), nil)
}

func TestValidateConfigFailsOnMissingBaseURL(t *testing.T) {
	c := New(Config{}, proxypool.New(nil, proxypool.Config{}), mlsselectors.Default(), nil)
	err := c.ValidateConfig()
	assert.ErrorIs(t, err, proptrackerr.ErrConfig)
}

func TestPowComputesIntegerExponent(t *testing.T) {
	assert.Equal(t, 1.0, pow(2, 0))
	assert.Equal(t, 8.0, pow(2, 3))
}

func TestFirstMatchFallsThroughToSecondSelector(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<div class="b">found</div>`))
	require.NoError(t, err)
	c := newTestCollector()
	got := firstMatch(doc.Selection, []string{".a", ".b"}, c.log, "address")
	assert.Equal(t, "found", got)
}

func TestFirstMatchReturnsEmptyWhenNoneMatch(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(`<div class="c">nope</div>`))
	require.NoError(t, err)
	c := newTestCollector()
	got := firstMatch(doc.Selection, []string{".a", ".b"}, c.log, "address")
	assert.Equal(t, "", got)
}

func TestAdaptParsesAddressFromDetailSelector(t *testing.T) {
	c := newTestCollector()
	raw := propmodel.RawRecord{
		Payload: propmodel.RawRecordPayload{
			Type: propmodel.PayloadHTML,
			HTML: `<html><body><div class="property-address">456 Elm St</div></body></html>`,
		},
		Context: map[string]string{"listing_url": "https://example.invalid/listing/1"},
	}
	p, err := c.Adapt(raw)
	require.NoError(t, err)
	assert.Equal(t, "456 Elm St", p.Address.Street)
	assert.NotEmpty(t, p.PropertyID)
	require.NotNil(t, p.Listing)
	assert.Equal(t, "https://example.invalid/listing/1", p.Listing.URL)
}
