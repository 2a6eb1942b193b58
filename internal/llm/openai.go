package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"hydrochat/internal/logging"
	"hydrochat/internal/metrics"
)

// Cost per 1M tokens in micro-dollars, keyed by model prefix. Unknown
// models fall back to the last entry.
var pricingMicros = []struct {
	prefix        string
	input, output int64
}{
	{"gpt-4o-mini", 150_000, 600_000},
	{"gpt-4o", 2_500_000, 10_000_000},
	{"gpt-4", 30_000_000, 60_000_000},
	{"", 1_000_000, 2_000_000},
}

// OpenAIAdapter talks to an OpenAI-compatible chat-completions endpoint.
type OpenAIAdapter struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *logging.Logger
	metrics *metrics.Metrics
}

var _ Adapter = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter constructs the adapter. The API key is never logged.
func NewOpenAIAdapter(baseURL, apiKey, model string, logger *logging.Logger, m *metrics.Metrics) *OpenAIAdapter {
	return &OpenAIAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "llm"),
		metrics: m,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ClassifyIntent prompts the model with the exact label set and expects a
// JSON object {intent, confidence, reason}. Malformed JSON is repaired
// before parsing; an intent outside the label set yields an error.
func (a *OpenAIAdapter) ClassifyIntent(ctx context.Context, message string, labels []string) (Classification, error) {
	system := "You classify clinician requests for a patient-records assistant. " +
		"Reply with a single JSON object {\"intent\": \"<label>\", \"confidence\": <0..1>, \"reason\": \"<short>\"}. " +
		"Valid labels: " + strings.Join(labels, ", ") + ". Use Unknown when unsure."

	content, err := a.complete(ctx, system, message, 200)
	if err != nil {
		return Classification{}, err
	}

	var verdict Classification
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return Classification{}, fmt.Errorf("classification not parseable: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &verdict); err != nil {
			return Classification{}, fmt.Errorf("repaired classification not parseable: %w", err)
		}
	}

	for _, label := range labels {
		if verdict.Intent == label {
			return verdict, nil
		}
	}
	return Classification{}, fmt.Errorf("model returned unlisted intent %q", verdict.Intent)
}

// Summarize compresses transcript lines into at most a few sentences.
func (a *OpenAIAdapter) Summarize(ctx context.Context, lines []string) (string, error) {
	system := "Summarize this clinical assistant conversation in at most three sentences. " +
		"Keep patient names; never reproduce identifier codes."
	content, err := a.complete(ctx, system, strings.Join(lines, "\n"), 150)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// CountTokens uses the shared tiktoken encoding.
func (a *OpenAIAdapter) CountTokens(text string) int {
	return CountTokens(text)
}

func (a *OpenAIAdapter) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		a.metrics.RecordLLM(false, 0, 0, 0)
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		a.metrics.RecordLLM(false, 0, 0, 0)
		return "", fmt.Errorf("llm response read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		a.metrics.RecordLLM(false, 0, 0, 0)
		return "", fmt.Errorf("llm returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		a.metrics.RecordLLM(false, 0, 0, 0)
		return "", fmt.Errorf("llm response decode: %w", err)
	}
	if len(parsed.Choices) == 0 {
		a.metrics.RecordLLM(false, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, 0)
		return "", fmt.Errorf("llm returned no choices")
	}

	cost := costMicros(a.model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens)
	a.metrics.RecordLLM(true, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, cost)
	return parsed.Choices[0].Message.Content, nil
}

func costMicros(model string, promptTokens, completionTokens int) int64 {
	for _, p := range pricingMicros {
		if p.prefix == "" || strings.HasPrefix(model, p.prefix) {
			in := int64(promptTokens) * p.input / 1_000_000
			out := int64(completionTokens) * p.output / 1_000_000
			return in + out
		}
	}
	return 0
}
