package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the QuizForge platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "qk_..."
}

// QuizForgeClient is a pure HTTP client for the QuizForge platform API.
type QuizForgeClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewQuizForgeClient creates a new client for the QuizForge platform.
func NewQuizForgeClient(cfg Config) *QuizForgeClient {
	return &QuizForgeClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // generation can be slow
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *QuizForgeClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GenerateParams is the request body for a generation operation.
type GenerateParams struct {
	Topic      string `json:"topic,omitempty"`
	SourceText string `json:"sourceText,omitempty"`
	Count      int    `json:"count,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Language   string `json:"language,omitempty"`
}

// Generate runs one AI operation (quiz-mcq, flashcards, summary, ...).
func (c *QuizForgeClient) Generate(ctx context.Context, operation string, params GenerateParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/generate/"+operation, nil, params)
}

// GetCredits returns the caller's credit balance and plan.
func (c *QuizForgeClient) GetCredits(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/credits", nil, nil)
}

// GetUsageStats returns the caller's usage aggregates.
func (c *QuizForgeClient) GetUsageStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/usage/stats", nil, nil)
}

// ListOperations returns the operation catalogue with credit costs.
func (c *QuizForgeClient) ListOperations(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/operations", nil, nil)
}
