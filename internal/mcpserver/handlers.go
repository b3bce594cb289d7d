package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *QuizForgeClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *QuizForgeClient) *Handlers {
	return &Handlers{client: client}
}

// quizOperations maps the quiz_type argument to platform operation names.
var quizOperations = map[string]string{
	"mcq":       "quiz-mcq",
	"truefalse": "quiz-truefalse",
	"code":      "quiz-code",
}

// HandleGenerateQuiz generates quiz questions.
func (h *Handlers) HandleGenerateQuiz(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	quizType := req.GetString("quiz_type", "mcq")
	operation, ok := quizOperations[quizType]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown quiz_type %q (use mcq, truefalse, or code)", quizType)), nil
	}

	params := GenerateParams{
		Topic:      req.GetString("topic", ""),
		SourceText: req.GetString("source_text", ""),
		Count:      req.GetInt("count", 0),
		Difficulty: req.GetString("difficulty", ""),
		Language:   req.GetString("language", ""),
	}
	if params.Topic == "" && params.SourceText == "" {
		return mcp.NewToolResultError("either topic or source_text is required"), nil
	}

	return h.generate(ctx, operation, params)
}

// HandleGenerateFlashcards generates study flashcards.
func (h *Handlers) HandleGenerateFlashcards(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := GenerateParams{
		Topic:      req.GetString("topic", ""),
		SourceText: req.GetString("source_text", ""),
		Count:      req.GetInt("count", 0),
	}
	if params.Topic == "" && params.SourceText == "" {
		return mcp.NewToolResultError("either topic or source_text is required"), nil
	}

	return h.generate(ctx, "flashcards", params)
}

// HandleGenerateSummary summarizes source material.
func (h *Handlers) HandleGenerateSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceText := req.GetString("source_text", "")
	if sourceText == "" {
		return mcp.NewToolResultError("source_text is required"), nil
	}

	return h.generate(ctx, "summary", GenerateParams{SourceText: sourceText})
}

// HandleGenerateCourseOutline generates a structured course outline.
func (h *Handlers) HandleGenerateCourseOutline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic := req.GetString("topic", "")
	if topic == "" {
		return mcp.NewToolResultError("topic is required"), nil
	}

	params := GenerateParams{
		Topic:      topic,
		Difficulty: req.GetString("difficulty", ""),
	}
	return h.generate(ctx, "course-outline", params)
}

// generate calls the platform and renders the result for the LLM.
func (h *Handlers) generate(ctx context.Context, operation string, params GenerateParams) (*mcp.CallToolResult, error) {
	raw, err := h.client.Generate(ctx, operation, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Generation failed: %v", err)), nil
	}

	return formatGenerationResult(operation, raw), nil
}

// generationResult mirrors the platform's generation response.
type generationResult struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Usage     *struct {
		CreditsUsed int64 `json:"creditsUsed"`
		TokensUsed  int   `json:"tokensUsed"`
	} `json:"usage,omitempty"`
}

func formatGenerationResult(operation string, raw json.RawMessage) *mcp.CallToolResult {
	var result generationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err))
	}

	if !result.Success {
		msg := result.Error
		if result.ErrorCode == "ACCESS_DENIED" {
			msg += "\n\nYour plan does not allow this operation or you are out of credits. " +
				"Use check_credits to see your balance."
		}
		return mcp.NewToolResultError(msg)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Operation: %s\n", operation)
	if result.Usage != nil {
		fmt.Fprintf(&sb, "Credits used: %d | Tokens: %d\n", result.Usage.CreditsUsed, result.Usage.TokensUsed)
	}
	fmt.Fprintf(&sb, "\n%s", formatJSON(result.Data))

	return mcp.NewToolResultText(sb.String())
}

// HandleCheckCredits returns the caller's credit balance.
func (h *Handlers) HandleCheckCredits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetCredits(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check credits: %v", err)), nil
	}

	text, err := formatCredits(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse credits: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetUsageStats returns the caller's usage aggregates.
func (h *Handlers) HandleGetUsageStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetUsageStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage stats: %v", err)), nil
	}

	text, err := formatUsageStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage stats: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListOperations lists the operation catalogue.
func (h *Handlers) HandleListOperations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListOperations(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list operations: %v", err)), nil
	}

	text, err := formatOperations(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse operations: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatCredits(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Account might be at top level or nested under "account"
	acct := resp
	if a, ok := resp["account"].(map[string]any); ok {
		acct = a
	}

	var sb strings.Builder
	sb.WriteString("QuizForge Credits:\n")
	if v := getString(acct, "plan"); v != "" {
		fmt.Fprintf(&sb, "  Plan: %s\n", v)
	}
	if limit, ok := getFloat(acct, "creditsLimit", "credits_limit"); ok {
		used, _ := getFloat(acct, "creditsUsed", "credits_used")
		fmt.Fprintf(&sb, "  Used: %.0f of %.0f\n", used, limit)
	}
	if v, ok := getFloat(acct, "available"); ok {
		fmt.Fprintf(&sb, "  Available: %.0f\n", v)
	}
	if active, ok := acct["isActive"].(bool); ok && !active {
		sb.WriteString("  Status: SUSPENDED (payment issue or cancelled plan)\n")
	}

	return sb.String(), nil
}

func formatUsageStats(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	stats := resp
	if s, ok := resp["stats"].(map[string]any); ok {
		stats = s
	}

	var sb strings.Builder
	sb.WriteString("Usage Statistics:\n")
	if v, ok := getFloat(stats, "totalRequests"); ok {
		fmt.Fprintf(&sb, "  Requests: %.0f\n", v)
	}
	if v, ok := getFloat(stats, "totalTokens"); ok {
		fmt.Fprintf(&sb, "  Tokens: %.0f\n", v)
	}
	if v, ok := getFloat(stats, "totalCredits"); ok {
		fmt.Fprintf(&sb, "  Credits spent: %.0f\n", v)
	}
	if v, ok := getFloat(stats, "successRate", "success_rate"); ok {
		fmt.Fprintf(&sb, "  Success rate: %.0f%%\n", v*100)
	}

	return sb.String(), nil
}

func formatOperations(raw json.RawMessage) (string, error) {
	var resp struct {
		Operations []map[string]any `json:"operations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Operations == nil {
		// Try as direct array
		if err := json.Unmarshal(raw, &resp.Operations); err != nil {
			return "", fmt.Errorf("unexpected operations response format")
		}
	}

	if len(resp.Operations) == 0 {
		return "No operations available to your plan.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Available operations (%d):\n\n", len(resp.Operations))
	for i, op := range resp.Operations {
		name := getString(op, "operation", "name")
		fmt.Fprintf(&sb, "%d. %s", i+1, name)
		if cost, ok := getFloat(op, "credits", "cost"); ok {
			fmt.Fprintf(&sb, " (%.0f credit(s))", cost)
		}
		sb.WriteString("\n")
		if model := getString(op, "model"); model != "" {
			fmt.Fprintf(&sb, "   Model: %s\n", model)
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
