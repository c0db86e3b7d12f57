// Package gemini wraps the Google GenAI SDK behind the driver contract.
package gemini

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/fabrica-dev/fabrica/internal/llm"
)

type Driver struct {
	apiKey string
}

func New(apiKey string) *Driver {
	return &Driver{apiKey: apiKey}
}

func (d *Driver) Name() string { return "gemini" }

func (d *Driver) Probe(ctx context.Context) error {
	if strings.TrimSpace(d.apiKey) == "" {
		return &llm.ConfigurationError{Message: "gemini: api key not configured"}
	}
	return nil
}

func (d *Driver) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return llm.Response{}, llm.WrapTransportError(d.Name(), err)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if strings.TrimSpace(req.SystemMessage) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemMessage, genai.RoleUser)
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return llm.Response{}, translateError(err)
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return llm.Response{
		Content:         resp.Text(),
		TokensGenerated: tokens,
		Duration:        time.Since(start),
	}, nil
}

func translateError(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return llm.ErrorFromHTTPStatus("gemini", apierr.Code, apierr.Message, nil)
	}
	return llm.WrapTransportError("gemini", err)
}
