package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(Config{BaseURL: srv.URL, Model: "llama3", MaxRetries: 1, RetryBase: time.Millisecond}, nil)
	return c, srv
}

func TestHealthTrueWhenModelPresent(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(modelsResponse{Models: []struct {
			Name string `json:"name"`
		}{{Name: "llama3"}}})
	})
	defer srv.Close()

	assert.True(t, c.Health(context.Background()))
}

func TestHealthFalseWhenModelMissing(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(modelsResponse{Models: []struct {
			Name string `json:"name"`
		}{{Name: "mistral"}}})
	})
	defer srv.Close()

	assert.False(t, c.Health(context.Background()))
}

func TestCompleteReturnsResponseText(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "hello world", Done: true})
	})
	defer srv.Close()

	out, err := c.Complete(context.Background(), "hi", "", 100)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestCompleteRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "ok", Done: true})
	})
	defer srv.Close()

	out, err := c.Complete(context.Background(), "hi", "", 100)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, attempts)
}

func TestCompleteFailsOnEmptyCompletionAfterRetries(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "", Done: true})
	})
	defer srv.Close()

	_, err := c.Complete(context.Background(), "hi", "", 100)
	assert.ErrorIs(t, err, ErrProcessing)
}

func TestExtractParsesOutputTags(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{
			Response: `<output>{"address": "123 Main St", "bedrooms": 3}</output>`,
			Done:     true,
		})
	})
	defer srv.Close()

	schema := Schema{"address": {Type: "string", Description: "street address"}}
	out, err := c.Extract(context.Background(), "<html>...</html>", schema, ContentHTML)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "123 Main St", out["address"])
}

func TestExtractFallsBackToBalancedBraces(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{
			Response: `sure, here you go: {"address": "5 Elm St"} thanks`,
			Done:     true,
		})
	})
	defer srv.Close()

	out, err := c.Extract(context.Background(), "some text", Schema{}, ContentText)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "5 Elm St", out["address"])
}

func TestExtractReturnsNilOnUnparsableReply(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "no json here at all", Done: true})
	})
	defer srv.Close()

	out, err := c.Extract(context.Background(), "text", Schema{}, ContentText)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestParseReplyBalancedNested(t *testing.T) {
	got := parseReply(`prefix {"a": {"b": 1}} suffix`)
	require.NotNil(t, got)
	inner, ok := got["a"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), inner["b"])
}
