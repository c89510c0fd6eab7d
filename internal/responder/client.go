package responder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// streamTimeout bounds an entire response stream. Generous: a long answer
// on a slow local model can legitimately take minutes.
const streamTimeout = 5 * time.Minute

// OpenAIGenerator streams chat completions from the OpenAI API.
type OpenAIGenerator struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIGenerator creates a streaming generator for the OpenAI chat
// completions API.
func NewOpenAIGenerator(apiKey, model string) *OpenAIGenerator {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://api.openai.com/v1",
		httpClient: &http.Client{
			Timeout: streamTimeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream implements Generator against the OpenAI streaming API (SSE lines
// of the form `data: {...}` terminated by `data: [DONE]`).
func (g *OpenAIGenerator) Stream(ctx context.Context, system, user string, onChunk func(string) error) (string, error) {
	body, err := json.Marshal(openAIStreamRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: true,
	})
	if err != nil {
		return "", fmt.Errorf("responder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("responder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("responder: status %d: %s", resp.StatusCode, string(respBody))
	}

	var full strings.Builder
	forwarding := true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // skip malformed keep-alive frames
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if forwarding {
				if err := onChunk(choice.Delta.Content); err != nil {
					// Caller went away; keep draining so the full reply is
					// available for the extraction phase.
					forwarding = false
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("responder: read stream: %w", err)
	}
	return full.String(), nil
}

// OllamaGenerator streams chat completions from a local Ollama server.
type OllamaGenerator struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaGenerator creates a streaming generator for Ollama's /api/chat.
func NewOllamaGenerator(baseURL, model string) *OllamaGenerator {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaGenerator{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: streamTimeout,
		},
	}
}

type ollamaStreamRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

type ollamaStreamChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Stream implements Generator against Ollama's newline-delimited JSON
// streaming format.
func (g *OllamaGenerator) Stream(ctx context.Context, system, user string, onChunk func(string) error) (string, error) {
	body, err := json.Marshal(ollamaStreamRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:    true,
		KeepAlive: "72h",
	})
	if err != nil {
		return "", fmt.Errorf("responder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("responder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("responder: status %d: %s", resp.StatusCode, string(respBody))
	}

	var full strings.Builder
	forwarding := true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if forwarding {
				if err := onChunk(chunk.Message.Content); err != nil {
					forwarding = false
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("responder: read stream: %w", err)
	}
	return full.String(), nil
}

// NoopGenerator emits a fixed acknowledgement. Used when no response model
// is configured, so the memory pipeline can still be exercised end to end.
type NoopGenerator struct{}

// Stream implements Generator.
func (NoopGenerator) Stream(_ context.Context, _, _ string, onChunk func(string) error) (string, error) {
	const reply = "I don't have a response model configured, but I've noted what you said."
	_ = onChunk(reply)
	return reply, nil
}
