// Package anthropic wraps the official Anthropic SDK behind the driver
// contract.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fabrica-dev/fabrica/internal/llm"
)

const defaultMaxTokens = 4096

type Driver struct {
	client sdk.Client
	apiKey string
}

func New(apiKey string) *Driver {
	return &Driver{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		apiKey: apiKey,
	}
}

func (d *Driver) Name() string { return "anthropic" }

func (d *Driver) Probe(ctx context.Context) error {
	if strings.TrimSpace(d.apiKey) == "" {
		return &llm.ConfigurationError{Message: "anthropic: api key not configured"}
	}
	return nil
}

func (d *Driver) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
		Temperature: sdk.Float(req.Temperature),
	}
	if strings.TrimSpace(req.SystemMessage) != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemMessage}}
	}

	start := time.Now()
	msg, err := d.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, translateError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return llm.Response{
		Content:         sb.String(),
		TokensGenerated: int(msg.Usage.OutputTokens),
		Duration:        time.Since(start),
	}, nil
}

func translateError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		var retryAfter *time.Duration
		if apierr.Response != nil {
			retryAfter = llm.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"), time.Now())
		}
		return llm.ErrorFromHTTPStatus("anthropic", apierr.StatusCode, apierr.Error(), retryAfter)
	}
	return llm.WrapTransportError("anthropic", err)
}
