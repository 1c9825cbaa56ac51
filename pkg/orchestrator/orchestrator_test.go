package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/desertdata/proptrack/pkg/extract"
	"github.com/desertdata/proptrack/pkg/pipeline"
	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/repository/memstore"
	"github.com/desertdata/proptrack/pkg/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCollector struct {
	name    string
	records map[string][]propmodel.RawRecord
	err     error
	delay   time.Duration
}

func (f *fakeCollector) Name() string         { return f.name }
func (f *fakeCollector) ValidateConfig() error { return nil }

func (f *fakeCollector) CollectRegion(ctx context.Context, region string) ([]propmodel.RawRecord, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records[region], nil
}

func (f *fakeCollector) CollectDetail(ctx context.Context, key string) (propmodel.RawRecord, error) {
	return propmodel.RawRecord{}, nil
}

func (f *fakeCollector) Adapt(raw propmodel.RawRecord) (propmodel.Property, error) {
	return propmodel.Property{}, nil
}

type alwaysHealthy struct{}

func (alwaysHealthy) Health(ctx context.Context) bool { return true }

const listingHTML = `<div class="listing-card">
	<span class="listing-address">123 Main St, Phoenix, AZ 85001</span>
	<span class="price">$350,000</span>
	<span class="beds">3 bedrooms</span>
	<span class="baths">2 bathrooms</span>
	<span class="sqft">1800 sqft</span>
</div>`

func htmlRecord(key string) propmodel.RawRecord {
	return propmodel.RawRecord{
		Source:    propmodel.SourceMLSScrape,
		SourceKey: key,
		FetchedAt: time.Now().UTC(),
		Payload:   propmodel.RawRecordPayload{Type: propmodel.PayloadHTML, HTML: listingHTML},
	}
}

func newTestOrchestrator(t *testing.T, bindings []Binding, cfg Config) (*Orchestrator, *memstore.Store) {
	t.Helper()
	extractor := extract.New(nil, validate.New(validate.Config{}), extract.Config{FallbackEnabled: true}, discardLogger())
	validator := validate.New(validate.Config{})
	store := memstore.New()
	pl := pipeline.New(extractor, validator, store, pipeline.Config{EnableStorage: true}, discardLogger())
	cfg.ReportsDir = filepath.Join(t.TempDir(), "reports")
	o := New(bindings, []string{"85001"}, pl, store, alwaysHealthy{}, cfg, discardLogger())
	return o, store
}

func TestRunHappyPathProcessesAndWritesReport(t *testing.T) {
	fc := &fakeCollector{name: "mls_scrape", records: map[string][]propmodel.RawRecord{
		"85001": {htmlRecord("l1"), htmlRecord("l2")},
	}}
	o, _ := newTestOrchestrator(t, []Binding{{Source: propmodel.SourceMLSScrape, Collector: fc}}, Config{})

	result, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 2, result.Report.TotalProcessed)
	assert.Greater(t, result.Report.PriceStats.Avg, 0.0)

	_, statErr := os.Stat(result.ReportPath)
	assert.NoError(t, statErr)

	data, err := os.ReadFile(result.ReportPath)
	require.NoError(t, err)
	var written ExecutionReport
	require.NoError(t, json.Unmarshal(data, &written))
	assert.NotEmpty(t, written.RunID)
	assert.False(t, written.FinishedAt.Before(written.StartedAt))
}

func TestRunSurvivesACollectorFailure(t *testing.T) {
	good := &fakeCollector{name: "mls_scrape", records: map[string][]propmodel.RawRecord{
		"85001": {htmlRecord("l1")},
	}}
	bad := &fakeCollector{name: "assessor", err: assertErr("boom")}
	o, _ := newTestOrchestrator(t, []Binding{
		{Source: propmodel.SourceMLSScrape, Collector: good},
		{Source: propmodel.SourceAssessorAPI, Collector: bad},
	}, Config{})

	result, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.Report.TotalProcessed)
	assert.Equal(t, 1, result.Report.WarningCount)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunZeroItemsStillExitsCleanlyButNonZero(t *testing.T) {
	empty := &fakeCollector{name: "mls_scrape", records: map[string][]propmodel.RawRecord{}}
	o, _ := newTestOrchestrator(t, []Binding{{Source: propmodel.SourceMLSScrape, Collector: empty}}, Config{})

	result, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, result.Report.TotalProcessed)
	assert.Equal(t, 1, result.ExitCode)
}

func TestRunRespectsPerCollectorTimeout(t *testing.T) {
	slow := &fakeCollector{name: "mls_scrape", delay: 200 * time.Millisecond, records: map[string][]propmodel.RawRecord{
		"85001": {htmlRecord("l1")},
	}}
	o, _ := newTestOrchestrator(t, []Binding{{Source: propmodel.SourceMLSScrape, Collector: slow}}, Config{})
	o.perCollectorTimeout = 20 * time.Millisecond

	result, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, result.Report.TotalProcessed)
	assert.Equal(t, 1, result.Report.WarningCount)
}

func TestPriceStatsComputesMedianForEvenAndOddSamples(t *testing.T) {
	odd := priceStats([]float64{300000, 100000, 200000})
	assert.Equal(t, 200000.0, odd.Median)

	even := priceStats([]float64{100000, 200000, 300000, 400000})
	assert.Equal(t, 250000.0, even.Median)
}

func TestPriceStatsEmptyReturnsZeroValue(t *testing.T) {
	stats := priceStats(nil)
	assert.Equal(t, 0.0, stats.Min)
	assert.Equal(t, 0.0, stats.Median)
}

type assertErrT string

func (e assertErrT) Error() string { return string(e) }

func assertErr(msg string) error { return assertErrT(msg) }
