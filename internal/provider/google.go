package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const googleGenerateURLFormat = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"

// GoogleClient calls the Google Generative Language API.
type GoogleClient struct {
	apiKey     string
	urlFormat  string
	httpClient *http.Client
}

// NewGoogleClient creates an authenticated Google client.
func NewGoogleClient(apiKey string) *GoogleClient {
	return &GoogleClient{
		apiKey:     apiKey,
		urlFormat:  googleGenerateURLFormat,
		httpClient: &http.Client{Timeout: DefaultCallTimeout},
	}
}

// WithURLFormat overrides the endpoint format (tests). The format must
// contain one %s for the model name.
func (c *GoogleClient) WithURLFormat(format string) *GoogleClient {
	c.urlFormat = format
	return c
}

func (c *GoogleClient) Type() Type { return TypeGoogle }

type googleRequest struct {
	SystemInstruction *googleContent  `json:"systemInstruction,omitempty"`
	Contents          []googleContent `json:"contents"`
	GenerationConfig  googleGenConfig `json:"generationConfig"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	// Structured output: when set, the model must emit JSON.
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *GoogleClient) GenerateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	payload := googleRequest{
		GenerationConfig: googleGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if len(req.Functions) > 0 {
		payload.GenerationConfig.ResponseMimeType = "application/json"
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			payload.SystemInstruction = &googleContent{Parts: []googlePart{{Text: msg.Content}}}
		case "assistant":
			payload.Contents = append(payload.Contents, googleContent{
				Role: "model", Parts: []googlePart{{Text: msg.Content}},
			})
		default:
			payload.Contents = append(payload.Contents, googleContent{
				Role: "user", Parts: []googlePart{{Text: msg.Content}},
			})
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf(c.urlFormat, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var parsed googleResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("%w: google %d: %s", ErrProviderUnavailable, resp.StatusCode, msg)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrBadResponse)
	}

	content := ""
	for _, part := range parsed.Candidates[0].Content.Parts {
		content += part.Text
	}

	out := &CompletionResponse{
		Content: content,
		Model:   req.Model,
		Usage: Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	// Structured requests come back as raw JSON text; surface it as a
	// function call so callers get one shape across providers.
	if len(req.Functions) > 0 {
		out.FunctionCall = &FunctionCall{Name: req.Functions[0].Name, Arguments: content}
		out.Content = ""
	}
	return out, nil
}
