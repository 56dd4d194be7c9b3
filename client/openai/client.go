package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nevindra/switchboard"
)

// DefaultBaseURL is the OpenAI API base. Point WithBaseURL at any
// OpenAI-compatible server (Azure, vLLM, Ollama) to use it instead.
const DefaultBaseURL = "https://api.openai.com/v1"

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API base URL. The /chat/completions and
// /embeddings paths are appended automatically.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used when a credential carries
// none of its own.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLogger sets the structured logger. If not set, logging is disabled.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to the OpenAI API. The credential is supplied per call,
// so one Client serves every configured API key; a credential's own
// HTTPClient, when set, overrides the Client default.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChatCompletion sends a non-streaming chat request and returns the
// complete response. Zero params fall back to the package defaults.
func (c *Client) ChatCompletion(ctx context.Context, cred switchboard.Credential, model string, msgs []switchboard.ChatMessage, params switchboard.ChatParams) (switchboard.ChatResponse, error) {
	body := buildBody(model, msgs, params)

	resp, err := c.sendHTTP(ctx, cred, "/chat/completions", body)
	if err != nil {
		return switchboard.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return switchboard.ChatResponse{}, httpErr(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return switchboard.ChatResponse{}, fmt.Errorf("openai: decode response: %w", err)
	}

	var out switchboard.ChatResponse
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message != nil {
		out.Content = parsed.Choices[0].Message.Content
	}
	if parsed.Usage != nil {
		out.Usage = switchboard.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Embedding returns the embedding vector for text.
func (c *Client) Embedding(ctx context.Context, cred switchboard.Credential, model string, text string) ([]float32, error) {
	resp, err := c.sendHTTP(ctx, cred, "/embeddings", embeddingRequest{Model: model, Input: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai: decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("openai: embedding response has no data")
	}
	return parsed.Data[0].Embedding, nil
}

// buildBody assembles the request body, applying parameter defaults.
func buildBody(model string, msgs []switchboard.ChatMessage, params switchboard.ChatParams) chatRequest {
	if params.Temperature == 0 {
		params.Temperature = switchboard.DefaultTemperature
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = switchboard.DefaultMaxTokens
	}
	wire := make([]message, len(msgs))
	for i, m := range msgs {
		wire[i] = message{Role: m.Role, Content: m.Content}
	}
	return chatRequest{
		Model:       model,
		Messages:    wire,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
}

// sendHTTP marshals body and posts it to the endpoint with the
// credential's bearer token.
func (c *Client) sendHTTP(ctx context.Context, cred switchboard.Credential, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cred.APIKey)
	}

	hc := c.client
	if cred.HTTPClient != nil {
		hc = cred.HTTPClient
	}
	return hc.Do(req)
}

// httpErr reads the response body into an ErrAPI.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &ErrAPI{Status: resp.StatusCode, Body: string(body)}
}

// Compile-time interface check.
var _ switchboard.LLMClient = (*Client)(nil)
