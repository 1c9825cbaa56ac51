// Package llm is an HTTP client for a local, Ollama-style LLM server used
// by the property extractor as its first-choice extraction strategy
// (spec §4.6).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/desertdata/proptrack/pkg/retry"
)

// ErrProcessing is returned when the LLM server responds with a non-2xx
// status or an empty completion after all retries are exhausted.
var ErrProcessing = errors.New("llm: processing error")

// ContentType selects how extraction content should be interpreted when
// composing the extraction prompt.
type ContentType string

const (
	ContentHTML ContentType = "html"
	ContentText ContentType = "text"
)

// FieldSpec describes one field of an extraction schema: its type and a
// short natural-language description used to build the system prompt.
type FieldSpec struct {
	Type        string
	Description string
}

// Schema maps a field name to its FieldSpec.
type Schema map[string]FieldSpec

// Config configures a Client.
type Config struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	RetryBase   time.Duration
	RetryFactor float64
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryFactor <= 1 {
		c.RetryFactor = 2
	}
	return c
}

// Client talks to a local LLM HTTP server.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a Client. log may be nil, in which case the default logger
// is used.
func New(cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With("component", "llm_client"),
	}
}

type modelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Health checks server liveness and confirms the configured model is
// present in the server's model list (spec §4.6).
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("llm health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	for _, m := range body.Models {
		if m.Name == c.cfg.Model {
			return true
		}
	}
	return false
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	System  string  `json:"system,omitempty"`
	Stream  bool    `json:"stream"`
	Options options `json:"options"`
}

type options struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete issues a single-shot, non-streaming generation request with low
// temperature and the standard stop tokens, retrying transient failures
// (spec §4.6).
func (c *Client) Complete(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
	body := generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		System: system,
		Stream: false,
		Options: options{
			Temperature: 0.1,
			NumPredict:  maxTokens,
			Stop:        []string{"</output>", "\n\n---"},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	var out string
	policy := retry.Policy{Base: c.cfg.RetryBase, Factor: c.cfg.RetryFactor, MaxRetries: c.cfg.MaxRetries}
	err = retry.Do(ctx, policy, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Warn("llm request failed", "attempt", attempt, "error", err)
			return err
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return fmt.Errorf("%w: status %d", ErrProcessing, resp.StatusCode)
			}
			return retry.Permanent(fmt.Errorf("%w: status %d", ErrProcessing, resp.StatusCode))
		}

		var decoded generateResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return retry.Permanent(fmt.Errorf("llm: decode response: %w", err))
		}
		if strings.TrimSpace(decoded.Response) == "" {
			return fmt.Errorf("%w: empty completion", ErrProcessing)
		}
		out = decoded.Response
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

var balancedObject = regexp.MustCompile(`\{`)

// Extract composes a system prompt from schema and content_type, truncates
// content, issues a completion, and parses the reply into a field map
// (spec §4.6). Returns nil, nil on parse failure rather than an error —
// callers fall back to the rule extractor in that case.
func (c *Client) Extract(ctx context.Context, content string, schema Schema, contentType ContentType) (map[string]any, error) {
	const maxContentChars = 4000
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}

	system := buildExtractionSystemPrompt(schema, contentType)
	reply, err := c.Complete(ctx, content, system, 1024)
	if err != nil {
		return nil, err
	}

	parsed := parseReply(reply)
	if parsed == nil {
		c.log.Warn("llm reply did not parse as json", "reply_len", len(reply))
		return nil, nil
	}
	return parsed, nil
}

func buildExtractionSystemPrompt(schema Schema, contentType ContentType) string {
	var b strings.Builder
	b.WriteString("You are a structured data extraction engine. ")
	fmt.Fprintf(&b, "The content is %s. Extract the following fields and respond with a single JSON object wrapped in <output></output> tags:\n", contentType)
	for name, spec := range schema {
		fmt.Fprintf(&b, "- %s (%s): %s\n", name, spec.Type, spec.Description)
	}
	b.WriteString("Omit fields you cannot find. Do not fabricate values.")
	return b.String()
}

var outputTagRe = regexp.MustCompile(`(?s)<output>(.*?)</output>`)

// parseReply extracts text between <output></output> markers if present,
// otherwise the first balanced {...} substring, then parses it as JSON.
func parseReply(reply string) map[string]any {
	candidate := reply
	if m := outputTagRe.FindStringSubmatch(reply); m != nil {
		candidate = m[1]
	} else if loc := balancedObject.FindStringIndex(reply); loc != nil {
		candidate = extractBalanced(reply[loc[0]:])
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return nil
	}
	return out
}

// extractBalanced returns the shortest prefix of s (which must start with
// '{') that forms a balanced brace group, or s itself if never balanced.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return s
}
