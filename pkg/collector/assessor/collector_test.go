package assessor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/proptrackerr"
	"github.com/desertdata/proptrack/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T, baseURL string) *Collector {
	t.Helper()
	limiter := ratelimit.New(nil)
	return New(Config{
		BaseURL:    baseURL,
		APIKey:     "secret-key",
		Resource:   "parcels",
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		RateLimit:  1000,
	}, limiter, nil)
}

func TestValidateConfigFailsOnMissingKey(t *testing.T) {
	c := newTestCollector(t, "http://example.invalid")
	c.cfg.APIKey = ""
	err := c.ValidateConfig()
	assert.ErrorIs(t, err, proptrackerr.ErrConfig)
}

func TestCollectRegionHappyPath(t *testing.T) {
	// Scenario S1: assessor happy path.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("AUTHORIZATION"))
		assert.Equal(t, "null", r.Header.Get("user-agent"))
		page := r.URL.Query().Get("page")
		if page == "1" {
			json.NewEncoder(w).Encode(assessorPage{
				Results: []assessorRecord{{"parcel_number": "P1", "street": "100 Oak Ave", "zip": "85001"}},
				HasMore: true,
			})
			return
		}
		json.NewEncoder(w).Encode(assessorPage{
			Results: []assessorRecord{{"parcel_number": "P2", "street": "200 Pine Ave", "zip": "85001"}},
			HasMore: false,
		})
	}))
	defer srv.Close()

	c := newTestCollector(t, srv.URL)
	records, err := c.CollectRegion(context.Background(), "85001")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, propmodel.SourceAssessorAPI, records[0].Source)
	assert.Equal(t, "P1", records[0].SourceKey)
}

func TestCollectRegionRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(assessorPage{Results: []assessorRecord{{"parcel_number": "P1"}}, HasMore: false})
	}))
	defer srv.Close()

	c := newTestCollector(t, srv.URL)
	records, err := c.CollectRegion(context.Background(), "85001")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestCollectRegionFailsFastOnAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestCollector(t, srv.URL)
	_, err := c.CollectRegion(context.Background(), "85001")
	require.Error(t, err)
	assert.ErrorIs(t, err, proptrackerr.ErrAuth)
}

func TestAdaptMapsKnownFields(t *testing.T) {
	c := newTestCollector(t, "http://example.invalid")
	raw := propmodel.RawRecord{
		Source:    propmodel.SourceAssessorAPI,
		SourceKey: "P1",
		Payload: propmodel.RawRecordPayload{
			Type:       propmodel.PayloadStructured,
			Structured: map[string]any{"parcel_number": "P1", "street": "100 Oak Ave", "zip": "85001"},
		},
	}
	p, err := c.Adapt(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, p.PropertyID)
	assert.Equal(t, "100 Oak Ave", p.Address.Street)
	require.NotNil(t, p.TaxInfo)
	assert.Equal(t, "P1", p.TaxInfo.APN)
}

func TestAdaptMapsAssessorHappyPathFields(t *testing.T) {
	// Scenario S1: assessor happy path — situs_address/zip/
	// total_assessed_value/tax_year are the assessor's own key names, not
	// the canonical extraction schema's.
	c := newTestCollector(t, "http://example.invalid")
	raw := propmodel.RawRecord{
		Source:    propmodel.SourceAssessorAPI,
		SourceKey: "123-45-678",
		Payload: propmodel.RawRecordPayload{
			Type: propmodel.PayloadStructured,
			Structured: map[string]any{
				"parcel_number":         "123-45-678",
				"situs_address":         "123 MAIN ST",
				"total_assessed_value":  250000.0,
				"tax_year":              2024.0,
				"zip":                   "85031",
			},
		},
	}

	p, err := c.Adapt(raw)
	require.NoError(t, err)
	assert.Equal(t, "123 Main St", p.Address.Street)
	assert.Equal(t, "85031", p.Address.Zipcode)
	require.NotNil(t, p.TaxInfo)
	assert.Equal(t, "123-45-678", p.TaxInfo.APN)
	assert.Equal(t, 250000.0, p.TaxInfo.AssessedValue)
	assert.Equal(t, 2024, p.TaxInfo.TaxYear)
}
