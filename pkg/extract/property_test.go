package extract

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/desertdata/proptrack/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHealth struct{ up bool }

func (f fakeHealth) Health(context.Context) bool { return f.up }

type fakeLLMExtractor struct {
	result map[string]any
	err    error
}

func (f fakeLLMExtractor) Extract(context.Context, string, llm.Schema, llm.ContentType) (map[string]any, error) {
	return f.result, f.err
}

type alwaysValid struct{}

func (alwaysValid) IsValid(map[string]any) bool { return true }

type alwaysInvalid struct{}

func (alwaysInvalid) IsValid(map[string]any) bool { return false }

func newExtractorWithFakes(t *testing.T, llmClient HealthChecker, extractor LLMExtractor, validator Validator, cfg Config) *Extractor {
	t.Helper()
	e := &Extractor{
		llmClient: llmClient,
		extractor: extractor,
		validator: validator,
		cfg:       cfg.withDefaults(),
	}
	e.log = discardLogger()
	return e
}

func TestExtractUsesLLMWhenHealthyAndValid(t *testing.T) {
	e := newExtractorWithFakes(t,
		fakeHealth{up: true},
		fakeLLMExtractor{result: map[string]any{"address": "5 elm st"}},
		alwaysValid{},
		Config{FallbackEnabled: true},
	)
	res := e.Extract(context.Background(), "<html></html>", llm.ContentHTML)
	require.NotNil(t, res)
	assert.Equal(t, MethodLLM, res.Method)
	assert.Equal(t, "5 Elm St", res.Fields["address"])
}

func TestExtractFallsBackWhenLLMDown(t *testing.T) {
	e := newExtractorWithFakes(t,
		fakeHealth{up: false},
		fakeLLMExtractor{},
		nil,
		Config{FallbackEnabled: true},
	)
	res := e.Extract(context.Background(), "Great deal $200,000 3 bed 2 bath", llm.ContentText)
	require.NotNil(t, res)
	assert.Equal(t, MethodFallback, res.Method)
	assert.Equal(t, 200000.0, res.Fields["price"])
}

func TestExtractFallsBackWhenValidationFails(t *testing.T) {
	e := newExtractorWithFakes(t,
		fakeHealth{up: true},
		fakeLLMExtractor{result: map[string]any{"address": "junk"}},
		alwaysInvalid{},
		Config{FallbackEnabled: true},
	)
	res := e.Extract(context.Background(), "Great deal $200,000 3 bed 2 bath", llm.ContentText)
	require.NotNil(t, res)
	assert.Equal(t, MethodFallback, res.Method)
}

func TestExtractReturnsNilWhenBothFail(t *testing.T) {
	e := newExtractorWithFakes(t,
		fakeHealth{up: false},
		fakeLLMExtractor{},
		nil,
		Config{FallbackEnabled: true},
	)
	res := e.Extract(context.Background(), "nothing extractable here", llm.ContentText)
	assert.Nil(t, res)
}

func TestExtractReturnsNilWhenFallbackDisabledAndLLMDown(t *testing.T) {
	e := newExtractorWithFakes(t,
		fakeHealth{up: false},
		fakeLLMExtractor{},
		nil,
		Config{FallbackEnabled: false},
	)
	res := e.Extract(context.Background(), "Great deal $200,000 3 bed 2 bath", llm.ContentText)
	assert.Nil(t, res)
}

func TestCleanNormalizesAddressCityStateZip(t *testing.T) {
	out := Clean(map[string]any{
		"address": "  123   main   st  ",
		"city":    "PHOENIX",
		"state":   "Arizona",
		"zipcode": "85001-1234",
	})
	assert.Equal(t, "123 Main St", out["address"])
	assert.Equal(t, "Phoenix", out["city"])
	assert.Equal(t, "AZ", out["state"])
	assert.Equal(t, "85001", out["zipcode"])
}

func TestCleanDropsInvalidZip(t *testing.T) {
	out := Clean(map[string]any{"zipcode": "not-a-zip"})
	_, ok := out["zipcode"]
	assert.False(t, ok)
}

func TestCleanDropsUnparsableNumericField(t *testing.T) {
	out := Clean(map[string]any{"price": "call for price"})
	_, ok := out["price"]
	assert.False(t, ok)
}

func TestCleanParsesCommaSeparatedNumeric(t *testing.T) {
	out := Clean(map[string]any{"price": "1,250,000"})
	assert.Equal(t, 1250000.0, out["price"])
}

func TestCleanFeaturesTrimsAndDropsEmpty(t *testing.T) {
	out := Clean(map[string]any{"features": []any{" pool ", "", "fireplace"}})
	assert.Equal(t, []string{"pool", "fireplace"}, out["features"])
}

func TestCleanCoercesBoolFromStringSpellings(t *testing.T) {
	out := Clean(map[string]any{"pool": "yes", "fireplace": "No"})
	assert.Equal(t, true, out["pool"])
	assert.Equal(t, false, out["fireplace"])
}

func TestCleanDropsUnparsableBool(t *testing.T) {
	out := Clean(map[string]any{"pool": "maybe"})
	_, ok := out["pool"]
	assert.False(t, ok)
}

func TestCleanKeepsNumericFeatureFields(t *testing.T) {
	out := Clean(map[string]any{
		"half_bathrooms": "1",
		"floors":         2.0,
		"garage_spaces":  "2",
	})
	assert.Equal(t, 1.0, out["half_bathrooms"])
	assert.Equal(t, 2.0, out["floors"])
	assert.Equal(t, 2.0, out["garage_spaces"])
}
