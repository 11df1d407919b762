// Package provider implements an OpenAI-style chat-completion client used
// by the provider-execution stage and the llm capability driver.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/ucplabs/ucp/pkg/models"
)

// maxRetries matches the compiled fallback plan's retry allowance.
const maxRetries = 2

// ChatMessage is one entry of a chat-completion conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-facing request payload.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// Usage is the provider-reported token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult carries the raw decoded response body plus extracted fields.
type ChatResult struct {
	// Raw is the full response document, suitable for sanitizing and
	// recording verbatim.
	Raw map[string]any
	// Content is choices[0].message.content, or "" when absent.
	Content   string
	Usage     *Usage
	LatencyMs int64
}

// Client talks to one configured provider endpoint.
type Client struct {
	cfg  models.ProviderConfig
	http *http.Client
}

// NewClient builds a client for cfg. A zero timeout defaults to 60s.
func NewClient(cfg models.ProviderConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

// Endpoint returns the chat-completions URL, appending the v1 path segment
// when the configured base URL lacks one.
func (c *Client) Endpoint() string {
	base := c.cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if !strings.Contains(base, "/v1/") {
		base += "v1/"
	}
	return base + "chat/completions"
}

// NewChatRequest assembles the provider payload for a compiled packet's
// prompt: the packet-derived system prompt, the normalized user prompt, and
// the packet's token budget.
func NewChatRequest(packet *models.CommandPacket, normalizedPrompt string, cfg models.ProviderConfig) ChatRequest {
	maxTokens := cfg.MaxTokens
	if packet.TokenBudget.MaxTokens > 0 {
		maxTokens = packet.TokenBudget.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = 1024
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: BuildSystemPrompt(packet)},
			{Role: "user", Content: normalizedPrompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.7,
		Stream:      false,
	}
}

// BuildSystemPrompt renders the packet's intent, constraints, and safety
// posture into provider instructions.
func BuildSystemPrompt(packet *models.CommandPacket) string {
	parts := []string{"You are a helpful AI assistant.", ""}
	if packet.Intent.Type != "" {
		parts = append(parts, fmt.Sprintf("Task Type: %s", packet.Intent.Type))
	}
	if len(packet.Constraints) > 0 {
		parts = append(parts, "", "Constraints:")
		for _, con := range packet.Constraints {
			switch con.Type {
			case "format":
				parts = append(parts, fmt.Sprintf("- Output format: %v", con.Value))
			case "length":
				parts = append(parts, fmt.Sprintf("- Length: approximately %v %s", con.Value, con.Unit))
			case "tone":
				parts = append(parts, fmt.Sprintf("- Tone: %v", con.Value))
			case "language":
				parts = append(parts, fmt.Sprintf("- Language: %v", con.Value))
			}
		}
	}
	if len(packet.SafetyFlags) > 0 {
		parts = append(parts, "", "Note: Handle any sensitive information carefully.")
	}
	return strings.Join(parts, "\n")
}

// Chat sends the request, retrying transient failures (network errors,
// 429, 5xx) with exponential backoff up to the fallback plan's limit.
// Client errors are terminal.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	start := time.Now()
	var raw map[string]any

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return models.NewError(models.KindRateLimited, "provider API error: %d - %s", resp.StatusCode, truncate(body))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("provider API error: %d - %s", resp.StatusCode, truncate(body))
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("provider API error: %d - %s", resp.StatusCode, truncate(body)))
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return backoff.Permanent(fmt.Errorf("decode provider response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		log.Warn().Err(err).Str("endpoint", c.Endpoint()).Msg("Provider call failed")
		return nil, err
	}

	result := &ChatResult{
		Raw:       raw,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if usage, ok := raw["usage"].(map[string]any); ok {
		u := &Usage{}
		if v, ok := usage["prompt_tokens"].(float64); ok {
			u.PromptTokens = int(v)
		}
		if v, ok := usage["completion_tokens"].(float64); ok {
			u.CompletionTokens = int(v)
		}
		if v, ok := usage["total_tokens"].(float64); ok {
			u.TotalTokens = int(v)
		}
		if u.PromptTokens > 0 {
			result.Usage = u
		}
	}
	result.Content = extractContent(raw)
	return result, nil
}

func extractContent(raw map[string]any) string {
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, _ := message["content"].(string)
	return content
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > 300 {
		return s[:300] + "…"
	}
	return s
}

// Sanitize deep-copies a provider response, redacting every field whose
// name contains api_key, apikey, token, secret, or password.
func Sanitize(response map[string]any) map[string]any {
	out, _ := sanitizeValue(response).(map[string]any)
	return out
}

var sensitiveFieldParts = []string{"api_key", "apikey", "token", "secret", "password"}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			if isSensitiveField(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = sanitizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range sensitiveFieldParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
