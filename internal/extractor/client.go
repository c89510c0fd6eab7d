package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// extractionTemperature keeps the extractor near-deterministic.
const extractionTemperature = 0.1

// perCallTimeout bounds a single cloud extraction call.
const perCallTimeout = 30 * time.Second

// ollamaPerCallTimeout is higher to absorb local model cold-start: a small
// model on CPU can take tens of seconds to produce its first token.
const ollamaPerCallTimeout = 90 * time.Second

// OllamaClient runs extraction against a local Ollama chat model with
// format=json, so the model is constrained to emit a JSON object.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates a JSON-mode extraction client for Ollama.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			// HTTP timeout must exceed the context deadline so the transport
			// doesn't close the connection before the deadline fires.
			Timeout: ollamaPerCallTimeout + 5*time.Second,
		},
	}
}

type ollamaChatRequest struct {
	Model     string             `json:"model"`
	Messages  []chatMessage      `json:"messages"`
	Stream    bool               `json:"stream"`
	Format    string             `json:"format,omitempty"`
	KeepAlive string             `json:"keep_alive,omitempty"`
	Options   *ollamaChatOptions `json:"options,omitempty"`
}

type ollamaChatOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// CompleteJSON implements Client against Ollama's /api/chat.
func (c *OllamaClient) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, ollamaPerCallTimeout)
	defer cancel()

	body, err := json.Marshal(ollamaChatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:    false,
		Format:    "json",
		KeepAlive: "72h",
		Options:   &ollamaChatOptions{Temperature: extractionTemperature},
	})
	if err != nil {
		return "", fmt.Errorf("extractor: marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("extractor: create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extractor: ollama request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("extractor: ollama status %d: %s", resp.StatusCode, string(respBody))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("extractor: decode ollama response: %w", err)
	}
	return result.Message.Content, nil
}

// OpenAIClient runs extraction against the OpenAI chat completions API with
// response_format=json_object.
type OpenAIClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a JSON-mode extraction client for the OpenAI API.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com/v1",
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// CompleteJSON implements Client against the OpenAI chat completions API.
func (c *OpenAIClient) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(openAIChatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    extractionTemperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("extractor: marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("extractor: create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("extractor: openai request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("extractor: openai status %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("extractor: decode openai response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("extractor: no choices in openai response")
	}
	return result.Choices[0].Message.Content, nil
}

// NoopClient always reports nothing to write. Used when no extraction
// model is configured: the assistant still responds, it just stops
// learning from deep extraction (the instant extractor keeps working).
type NoopClient struct{}

// CompleteJSON implements Client.
func (NoopClient) CompleteJSON(_ context.Context, _, _ string) (string, error) {
	return `{"should_write": false, "summary": ""}`, nil
}
