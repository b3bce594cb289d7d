package provider

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"
)

// Mock is a deterministic in-process provider for demo mode and tests.
// It can be programmed to fail, delay, or return fixed payloads.
type Mock struct {
	// FailWith, if set, is returned from every call.
	FailWith error
	// Delay is slept (context-aware) before responding.
	Delay time.Duration
	// Response overrides the default canned payload.
	Response *CompletionResponse

	calls atomic.Int64
}

// NewMock creates a mock provider client.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Type() Type { return TypeMock }

// Calls returns how many completions were requested.
func (m *Mock) Calls() int64 { return m.calls.Load() }

func (m *Mock) GenerateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.calls.Add(1)

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(m.Delay):
		}
	}
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	if m.Response != nil {
		cp := *m.Response
		return &cp, nil
	}

	resp := &CompletionResponse{
		Model:     req.Model,
		Usage:     Usage{PromptTokens: 120, CompletionTokens: 240, TotalTokens: 360},
		LatencyMs: m.Delay.Milliseconds(),
	}
	if len(req.Functions) > 0 {
		args, _ := json.Marshal(map[string]any{"items": []any{}})
		resp.FunctionCall = &FunctionCall{Name: req.Functions[0].Name, Arguments: string(args)}
	} else {
		resp.Content = "mock completion"
	}
	return resp, nil
}
