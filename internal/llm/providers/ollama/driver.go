// Package ollama implements the local Ollama driver over its HTTP API.
package ollama

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

const defaultEndpoint = "http://localhost:11434"

type Driver struct {
	endpoint string
	client   *http.Client
}

func New(endpoint string) *Driver {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	// Per-call deadlines come from the caller's context; generation on CPU can
	// legitimately run for minutes.
	return &Driver{endpoint: endpoint, client: &http.Client{Timeout: 0}}
}

func (d *Driver) Name() string { return "ollama" }

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
	// KeepAlive 0 evicts the model after the call; used by Unload.
	KeepAlive *int `json:"keep_alive,omitempty"`
}

type generateResponse struct {
	Response  string `json:"response"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error"`
}

func (d *Driver) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}
	opts := map[string]any{"temperature": req.Temperature}
	if req.ContextWindow > 0 {
		opts["num_ctx"] = req.ContextWindow
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	body, err := json.Marshal(generateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		System:  req.SystemMessage,
		Stream:  false,
		Options: opts,
	})
	if err != nil {
		return llm.Response{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, llm.WrapTransportError(d.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return llm.Response{}, llm.WrapTransportError(d.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return llm.Response{}, llm.WrapTransportError(d.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		var payload generateResponse
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return llm.Response{}, llm.ErrorFromHTTPStatus(d.Name(), resp.StatusCode, msg, nil)
	}

	var payload generateResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return llm.Response{}, fmt.Errorf("decode ollama response: %w", err)
	}
	if payload.Error != "" {
		return llm.Response{}, llm.ErrorFromHTTPStatus(d.Name(), 500, payload.Error, nil)
	}
	return llm.Response{
		Content:         payload.Response,
		TokensGenerated: payload.EvalCount,
		Duration:        time.Since(start),
	}, nil
}

// Probe checks server liveness via /api/tags.
func (d *Driver) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/api/tags", nil)
	if err != nil {
		return llm.WrapTransportError(d.Name(), err)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return llm.WrapTransportError(d.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return llm.ErrorFromHTTPStatus(d.Name(), resp.StatusCode, "tags probe failed", nil)
	}
	return nil
}

// ListModels returns the locally installed model tags.
func (d *Driver) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, llm.WrapTransportError(d.Name(), err)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, llm.WrapTransportError(d.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, llm.ErrorFromHTTPStatus(d.Name(), resp.StatusCode, "tags listing failed", nil)
	}
	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ollama tags: %w", err)
	}
	out := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		if name := strings.TrimSpace(m.Name); name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}

// Unload evicts a model from VRAM by issuing an empty generate with
// keep_alive=0.
func (d *Driver) Unload(ctx context.Context, model string) error {
	zero := 0
	body, err := json.Marshal(generateRequest{Model: model, Stream: false, KeepAlive: &zero})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return llm.WrapTransportError(d.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return llm.WrapTransportError(d.Name(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.ErrorFromHTTPStatus(d.Name(), resp.StatusCode, "unload failed", nil)
	}
	return nil
}
