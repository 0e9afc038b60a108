package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig configures the fallback provider client.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float64

	// MaxTokensByRole maps extract/boost to output budgets.
	MaxTokensByRole map[string]int

	Timeout    time.Duration
	BaseURL    string       // Optional (tests / compatible gateways)
	HTTPClient *http.Client // Optional (tests)
}

// OpenAIClient is the fallback vision provider, reached through the
// OpenAI-compatible chat completions API. It has no file surface; acte jobs
// that exhaust the primary provider fail rather than fall back.
type OpenAIClient struct {
	model       string
	temperature float64
	maxTokens   map[string]int
	client      openai.Client
}

// NewOpenAIClient creates the fallback provider client. SDK-level retries
// are disabled; the processor owns retry and fallback decisions.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("fallback provider: API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("fallback provider: model is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokensByRole,
		client:      openai.NewClient(opts...),
	}, nil
}

// Name returns the provider identifier used by the rate budget.
func (c *OpenAIClient) Name() string {
	return FallbackName
}

// MaxOutputTokens returns the configured output budget for a role.
func (c *OpenAIClient) MaxOutputTokens(role string) int {
	return c.maxTokens[role]
}

// ExtractImage runs vision OCR on one page image.
func (c *OpenAIClient) ExtractImage(ctx context.Context, image []byte, mime, prompt string) (*Result, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image))

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens[RoleExtract])),
	}
	return c.complete(ctx, params)
}

// Boost applies the domain-correction pass over extracted text.
func (c *OpenAIClient) Boost(ctx context.Context, text, prompt string) (*Result, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt + "\n\n" + text),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens[RoleBoost])),
	}
	return c.complete(ctx, params)
}

func (c *OpenAIClient) complete(ctx context.Context, params openai.ChatCompletionNewParams) (*Result, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindTransient, Provider: FallbackName, Message: "empty choices in response"}
	}
	return &Result{
		Text:     resp.Choices[0].Message.Content,
		Provider: FallbackName,
		Model:    resp.Model,
	}, nil
}

// mapOpenAIError converts SDK errors into the typed taxonomy.
func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		e := &Error{
			Kind:       classifyStatus(apiErr.StatusCode),
			Provider:   FallbackName,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
		}
		if e.Kind == KindRateLimited && apiErr.Response != nil {
			e.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{Kind: KindTransient, Provider: FallbackName, Message: err.Error()}
}
