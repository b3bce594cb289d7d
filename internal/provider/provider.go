// Package provider defines the uniform model-provider interface and the
// HTTP clients behind it.
//
// The pipeline treats providers as interchangeable: one Client interface,
// one implementation per provider type, selected through the token manager.
// Provider wire formats stay inside this package.
package provider

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("provider: request failed")
	ErrTimeout             = errors.New("provider: request timed out")
	ErrBadResponse         = errors.New("provider: malformed response")
)

// Type is the closed set of supported providers.
type Type string

const (
	TypeOpenAI    Type = "openai"
	TypeAnthropic Type = "anthropic"
	TypeGoogle    Type = "google"
	TypeMock      Type = "mock"
)

// Valid reports whether t is a known provider type.
func (t Type) Valid() bool {
	switch t {
	case TypeOpenAI, TypeAnthropic, TypeGoogle, TypeMock:
		return true
	}
	return false
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// FunctionDef describes a structured-output function the model may call.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// FunctionCall is the model's structured response, if it chose a function.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionRequest is the provider-agnostic completion payload.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Functions   []FunctionDef `json:"functions,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"maxTokens"`
}

// CompletionResponse is the provider-agnostic result.
type CompletionResponse struct {
	Content      string        `json:"content,omitempty"`
	FunctionCall *FunctionCall `json:"functionCall,omitempty"`
	Usage        Usage         `json:"usage"`
	Model        string        `json:"model"`
	LatencyMs    int64         `json:"latencyMs"`
}

// Client is the uniform provider interface. Implementations must honour the
// context deadline; a deadline exceeded maps to ErrTimeout.
type Client interface {
	Type() Type
	GenerateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// DefaultCallTimeout caps a single provider call even when the caller's
// context has a longer deadline.
const DefaultCallTimeout = 60 * time.Second
