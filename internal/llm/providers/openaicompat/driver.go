// Package openaicompat implements a chat.completions driver for any
// OpenAI-compatible endpoint. OpenAI, Groq, and the local HuggingFace
// inference server all speak this protocol; only base URL, path, and key
// differ.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fabrica-dev/fabrica/internal/llm"
)

type Config struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Path         string
	ExtraHeaders map[string]string
}

type Driver struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Driver {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	return &Driver{cfg: cfg, client: &http.Client{Timeout: 0}}
}

func (d *Driver) Name() string { return d.cfg.Provider }

// Probe is a key-presence check; cloud status probes never spend tokens.
func (d *Driver) Probe(ctx context.Context) error {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return &llm.ConfigurationError{Message: d.cfg.Provider + ": api key not configured"}
	}
	return nil
}

func (d *Driver) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}
	messages := []map[string]any{}
	if strings.TrimSpace(req.SystemMessage) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemMessage})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})

	bodyMap := map[string]any{
		"model":       req.Model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		bodyMap["max_tokens"] = req.MaxTokens
	}
	body, err := json.Marshal(bodyMap)
	if err != nil {
		return llm.Response{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.BaseURL+d.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, llm.WrapTransportError(d.cfg.Provider, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range d.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.WrapTransportError(d.cfg.Provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return llm.Response{}, llm.WrapTransportError(d.cfg.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return llm.Response{}, llm.ErrorFromHTTPStatus(d.cfg.Provider, resp.StatusCode, errorMessage(raw), ra)
	}

	var payload chatCompletionsResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return llm.Response{}, fmt.Errorf("decode %s response: %w", d.cfg.Provider, err)
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%s response missing choices", d.cfg.Provider)
	}
	return llm.Response{
		Content:         payload.Choices[0].Message.Content,
		TokensGenerated: payload.Usage.CompletionTokens,
		Duration:        time.Since(start),
	}, nil
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func errorMessage(raw []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && strings.TrimSpace(payload.Error.Message) != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
