package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRulesExtractsFromText(t *testing.T) {
	text := "Charming home $450,000 with 3 bed, 2.5 bath, 1,850 sq ft."
	out := Rules(text, ContentText)
	assert.Equal(t, 450000.0, out["price"])
	assert.Equal(t, 3, out["bedrooms"])
	assert.Equal(t, 2.5, out["bathrooms"])
	assert.Equal(t, 1850, out["square_feet"])
}

func TestRulesIgnoresImplausiblePrice(t *testing.T) {
	out := Rules("Application fee $50 due at signing", ContentText)
	_, ok := out["price"]
	assert.False(t, ok)
}

func TestRulesNeverFabricatesMissingFields(t *testing.T) {
	out := Rules("A plain description with no numbers at all.", ContentText)
	assert.Empty(t, out)
}

func TestRulesExtractsAddressFromKnownSelector(t *testing.T) {
	html := `<html><body><div class="listing-address">123 Main St, Phoenix AZ</div>
	<p>$300,000, 4 bed 2 bath 2000 sqft</p></body></html>`
	out := Rules(html, ContentHTML)
	assert.Equal(t, "123 Main St, Phoenix AZ", out["address"])
	assert.Equal(t, 300000.0, out["price"])
}

func TestRulesSplitsCityStateZipFromAddress(t *testing.T) {
	html := `<div class="listing-address">123 Main St, Phoenix, AZ 85001</div>`
	out := Rules(html, ContentHTML)
	assert.Equal(t, "Phoenix", out["city"])
	assert.Equal(t, "AZ", out["state"])
	assert.Equal(t, "85001", out["zipcode"])
}
