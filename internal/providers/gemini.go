package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiConfig configures the primary provider client.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float64

	// MaxTokensByRole maps extract/boost to output budgets. Budgets are
	// validated against the model token table at startup.
	MaxTokensByRole map[string]int

	Timeout    time.Duration
	BaseURL    string       // Optional (tests)
	HTTPClient *http.Client // Optional (tests)
}

// GeminiClient is a thin typed wrapper over the primary provider's vision
// and file APIs. It performs exactly one attempt per call and surfaces
// typed errors; retry, backoff and provider fallback belong to the
// processor, not the client.
type GeminiClient struct {
	apiKey      string
	model       string
	temperature float64
	maxTokens   map[string]int
	baseURL     string
	client      *http.Client
}

// NewGeminiClient creates the primary provider client.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("primary provider: API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("primary provider: model is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiDefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &GeminiClient{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokensByRole,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		client:      httpClient,
	}, nil
}

// Name returns the provider identifier used by the rate budget.
func (c *GeminiClient) Name() string {
	return PrimaryName
}

// MaxOutputTokens returns the configured output budget for a role.
func (c *GeminiClient) MaxOutputTokens(role string) int {
	return c.maxTokens[role]
}

// Request/response shapes for the generateContent endpoint.

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlob     `json:"inline_data,omitempty"`
	FileData   *geminiFileData `json:"file_data,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mime_type"`
	FileURI  string `json:"file_uri"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type geminiFile struct {
	Name  string `json:"name"`
	URI   string `json:"uri"`
	State string `json:"state"`
}

type geminiFileEnvelope struct {
	File geminiFile `json:"file"`
}

// ExtractImage runs vision OCR on one page image.
func (c *GeminiClient) ExtractImage(ctx context.Context, image []byte, mime, prompt string) (*Result, error) {
	req := &geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{InlineData: &geminiBlob{MimeType: mime, Data: base64.StdEncoding.EncodeToString(image)}},
			{Text: prompt},
		}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     c.temperature,
			MaxOutputTokens: c.maxTokens[RoleExtract],
		},
	}
	return c.generate(ctx, req)
}

// ExtractFile runs extraction against an uploaded file reference.
func (c *GeminiClient) ExtractFile(ctx context.Context, ref *FileRef, prompt string) (*Result, error) {
	req := &geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{FileData: &geminiFileData{MimeType: "application/pdf", FileURI: ref.URI}},
			{Text: prompt},
		}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     c.temperature,
			MaxOutputTokens: c.maxTokens[RoleExtract],
		},
	}
	return c.generate(ctx, req)
}

// Boost applies the domain-correction pass over extracted text.
func (c *GeminiClient) Boost(ctx context.Context, text, prompt string) (*Result, error) {
	req := &geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{
			{Text: prompt + "\n\n" + text},
		}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     c.temperature,
			MaxOutputTokens: c.maxTokens[RoleBoost],
		},
	}
	return c.generate(ctx, req)
}

func (c *GeminiClient) generate(ctx context.Context, body *geminiRequest) (*Result, error) {
	path := fmt.Sprintf("/v1beta/models/%s:generateContent", url.PathEscape(c.model))

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: PrimaryName, Message: fmt.Sprintf("unmarshal response: %v", err)}
	}
	if gr.Error != nil {
		return nil, &Error{
			Kind:       classifyStatus(gr.Error.Code),
			Provider:   PrimaryName,
			StatusCode: gr.Error.Code,
			Message:    gr.Error.Message,
		}
	}
	if len(gr.Candidates) == 0 {
		return nil, &Error{Kind: KindTransient, Provider: PrimaryName, Message: "empty candidates in response"}
	}

	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return &Result{Text: sb.String(), Provider: PrimaryName, Model: c.model}, nil
}

// Upload pushes PDF bytes to the provider's file store.
func (c *GeminiClient) Upload(ctx context.Context, pdf []byte, displayName string) (*FileRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/upload/v1beta/files?key="+url.QueryEscape(c.apiKey), bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	req.Header.Set("X-Goog-File-Name", displayName)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Provider: PrimaryName, Message: fmt.Sprintf("upload failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Provider: PrimaryName, Message: fmt.Sprintf("read upload response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(PrimaryName, resp.StatusCode, resp.Header, string(respBody))
	}

	var env geminiFileEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: PrimaryName, Message: fmt.Sprintf("unmarshal upload response: %v", err)}
	}
	return &FileRef{Name: env.File.Name, URI: env.File.URI, State: FileState(env.File.State)}, nil
}

// AwaitReady polls the file state until ACTIVE, FAILED or the deadline.
// A timeout degrades to a retryable (transient) error.
func (c *GeminiClient) AwaitReady(ctx context.Context, ref *FileRef, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if ref.State == FileStateActive {
			return nil
		}
		if ref.State == FileStateFailed {
			return &Error{Kind: KindBadRequest, Provider: PrimaryName, Message: fmt.Sprintf("file %s failed provider-side processing", ref.Name)}
		}
		if time.Now().After(deadline) {
			return &Error{Kind: KindTransient, Provider: PrimaryName, Message: fmt.Sprintf("file %s not ready after %s", ref.Name, timeout)}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}

		state, err := c.fileState(ctx, ref.Name)
		if err != nil {
			return err
		}
		ref.State = state
	}
}

func (c *GeminiClient) fileState(ctx context.Context, name string) (FileState, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1beta/"+name, "", nil)
	if err != nil {
		return "", err
	}
	var f geminiFile
	if err := json.Unmarshal(respBody, &f); err != nil {
		return "", &Error{Kind: KindTransient, Provider: PrimaryName, Message: fmt.Sprintf("unmarshal file state: %v", err)}
	}
	return FileState(f.State), nil
}

// DeleteFile removes an uploaded file. Callers treat this as best-effort.
func (c *GeminiClient) DeleteFile(ctx context.Context, ref *FileRef) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1beta/"+ref.Name, "", nil)
	return err
}

func (c *GeminiClient) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+sep+"key="+url.QueryEscape(c.apiKey), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindTransient, Provider: PrimaryName, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Provider: PrimaryName, Message: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(PrimaryName, resp.StatusCode, resp.Header, string(respBody))
	}
	return respBody, nil
}
