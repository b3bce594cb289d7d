package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL: ts.URL,
		APIKey: "qk_test_key",
	}
	client := NewQuizForgeClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewQuizForgeClient(Config{APIURL: ts.URL, APIKey: "qk_secret123"})
	_, err := client.GetCredits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer qk_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "forbidden",
			"message": "Invalid API key",
		})
	}))
	defer ts.Close()

	client := NewQuizForgeClient(Config{APIURL: ts.URL, APIKey: "bad"})
	_, err := client.GetCredits(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewQuizForgeClient(Config{APIURL: ts.URL, APIKey: "qk_x"})
	_, err := client.GetCredits(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewQuizForgeClient(Config{APIURL: "http://127.0.0.1:1", APIKey: "qk_x"})
	_, err := client.GetCredits(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewQuizForgeClient(Config{APIURL: ts.URL, APIKey: "qk_x"})
	_, err := client.GetCredits(ctx)
	require.Error(t, err)
}

func TestClient_Generate_PathAndBody(t *testing.T) {
	var gotPath string
	var gotBody GenerateParams
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
	}))
	defer ts.Close()

	client := NewQuizForgeClient(Config{APIURL: ts.URL, APIKey: "qk_x"})
	_, err := client.Generate(context.Background(), "quiz-mcq", GenerateParams{
		Topic: "biology",
		Count: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/generate/quiz-mcq", gotPath)
	assert.Equal(t, "biology", gotBody.Topic)
	assert.Equal(t, 5, gotBody.Count)
}

// ============================================================
// generate_quiz
// ============================================================

func TestHandleGenerateQuiz_HappyPath(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate/quiz-mcq", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"questions": []map[string]any{
					{"question": "What is ATP?", "correctIndex": 2},
				},
			},
			"usage": map[string]any{"creditsUsed": 1, "tokensUsed": 420},
		})
	}))
	defer cleanup()

	result, err := h.HandleGenerateQuiz(context.Background(), makeRequest(map[string]any{
		"topic": "cellular respiration",
		"count": float64(1),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "quiz-mcq")
	assert.Contains(t, text, "Credits used: 1")
	assert.Contains(t, text, "What is ATP?")
}

func TestHandleGenerateQuiz_TypeSelectsOperation(t *testing.T) {
	var gotPath string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
	}))
	defer cleanup()

	_, err := h.HandleGenerateQuiz(context.Background(), makeRequest(map[string]any{
		"quiz_type": "code",
		"topic":     "goroutines",
		"language":  "go",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/v1/generate/quiz-code", gotPath)
}

func TestHandleGenerateQuiz_MissingTopicAndSource(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not reach the API")
	}))
	defer cleanup()

	result, err := h.HandleGenerateQuiz(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "topic or source_text")
}

func TestHandleGenerateQuiz_UnknownType(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not reach the API")
	}))
	defer cleanup()

	result, err := h.HandleGenerateQuiz(context.Background(), makeRequest(map[string]any{
		"quiz_type": "essay",
		"topic":     "anything",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "essay")
}

func TestHandleGenerateQuiz_AccessDenied(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":   false,
			"error":     "Access denied: insufficient_credits",
			"errorCode": "ACCESS_DENIED",
		})
	}))
	defer cleanup()

	result, err := h.HandleGenerateQuiz(context.Background(), makeRequest(map[string]any{
		"topic": "history",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "insufficient_credits")
	assert.Contains(t, text, "check_credits")
}

func TestHandleGenerateQuiz_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "rate_limited",
			"message": "Plan rate limit exceeded",
		})
	}))
	defer cleanup()

	result, err := h.HandleGenerateQuiz(context.Background(), makeRequest(map[string]any{
		"topic": "history",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Plan rate limit exceeded")
}

// ============================================================
// generate_flashcards / generate_summary / generate_course_outline
// ============================================================

func TestHandleGenerateFlashcards(t *testing.T) {
	var gotPath string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"cards": []map[string]any{{"front": "Mitochondria", "back": "Powerhouse of the cell"}}},
			"usage":   map[string]any{"creditsUsed": 1, "tokensUsed": 200},
		})
	}))
	defer cleanup()

	result, err := h.HandleGenerateFlashcards(context.Background(), makeRequest(map[string]any{
		"topic": "cell biology",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "/v1/generate/flashcards", gotPath)
	assert.Contains(t, resultText(t, result), "Mitochondria")
}

func TestHandleGenerateFlashcards_MissingInput(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not reach the API")
	}))
	defer cleanup()

	result, err := h.HandleGenerateFlashcards(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGenerateSummary(t *testing.T) {
	var gotBody GenerateParams
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte(`{"success":true,"data":{"summary":"Key points..."}}`))
	}))
	defer cleanup()

	result, err := h.HandleGenerateSummary(context.Background(), makeRequest(map[string]any{
		"source_text": "A long chapter about thermodynamics.",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "A long chapter about thermodynamics.", gotBody.SourceText)
}

func TestHandleGenerateSummary_MissingSource(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not reach the API")
	}))
	defer cleanup()

	result, err := h.HandleGenerateSummary(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "source_text is required")
}

func TestHandleGenerateCourseOutline(t *testing.T) {
	var gotPath string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"success":true,"data":{"modules":[]}}`))
	}))
	defer cleanup()

	result, err := h.HandleGenerateCourseOutline(context.Background(), makeRequest(map[string]any{
		"topic":      "linear algebra",
		"difficulty": "hard",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "/v1/generate/course-outline", gotPath)
}

func TestHandleGenerateCourseOutline_MissingTopic(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not reach the API")
	}))
	defer cleanup()

	result, err := h.HandleGenerateCourseOutline(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// check_credits
// ============================================================

func TestHandleCheckCredits(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/credits", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"account": map[string]any{
				"userId":       "user-1",
				"plan":         "premium",
				"creditsLimit": 500,
				"creditsUsed":  42,
				"available":    458,
				"isActive":     true,
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckCredits(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "premium")
	assert.Contains(t, text, "42 of 500")
	assert.Contains(t, text, "Available: 458")
	assert.NotContains(t, text, "SUSPENDED")
}

func TestHandleCheckCredits_Suspended(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"account": map[string]any{
				"plan":         "basic",
				"creditsLimit": 100,
				"creditsUsed":  100,
				"available":    0,
				"isActive":     false,
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckCredits(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "SUSPENDED")
}

func TestHandleCheckCredits_FlatResponse(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"plan":      "free",
			"available": 10,
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckCredits(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "free")
}

func TestHandleCheckCredits_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "unauthorized",
			"message": "API key revoked",
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckCredits(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "API key revoked")
}

// ============================================================
// get_usage_stats
// ============================================================

func TestHandleGetUsageStats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/usage/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"stats": map[string]any{
				"totalRequests": 120,
				"totalTokens":   84000,
				"totalCredits":  130,
				"successRate":   0.95,
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetUsageStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Requests: 120")
	assert.Contains(t, text, "Tokens: 84000")
	assert.Contains(t, text, "Success rate: 95%")
}

func TestHandleGetUsageStats_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer cleanup()

	result, err := h.HandleGetUsageStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// list_operations
// ============================================================

func TestHandleListOperations(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/operations", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"operations": []map[string]any{
				{"operation": "quiz-mcq", "credits": 1, "model": "gpt-4o-mini"},
				{"operation": "course-outline", "credits": 3, "model": "gemini-2.5-flash"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleListOperations(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "quiz-mcq")
	assert.Contains(t, text, "3 credit(s)")
	assert.Contains(t, text, "gemini-2.5-flash")
}

func TestHandleListOperations_DirectArray(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"operation": "flashcards", "credits": 1},
		})
	}))
	defer cleanup()

	result, err := h.HandleListOperations(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "flashcards")
}

func TestHandleListOperations_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"operations":[]}`))
	}))
	defer cleanup()

	result, err := h.HandleListOperations(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No operations")
}

// ============================================================
// Formatting helpers
// ============================================================

func TestFormatGenerationResult_WrapsPlainContent(t *testing.T) {
	raw := json.RawMessage(`{"success":true,"data":{"text":"Plain prose answer"}}`)
	result := formatGenerationResult("summary", raw)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Plain prose answer")
}

func TestFormatGenerationResult_Malformed(t *testing.T) {
	result := formatGenerationResult("summary", json.RawMessage(`not json`))
	assert.True(t, result.IsError)
}

func TestGetString_FallbackKeys(t *testing.T) {
	m := map[string]any{"credits_limit": 100.0}
	assert.Equal(t, "100", getString(m, "creditsLimit", "credits_limit"))
	assert.Equal(t, "", getString(m, "missing"))
}

func TestGetFloat(t *testing.T) {
	m := map[string]any{"successRate": 0.5, "name": "x"}
	v, ok := getFloat(m, "successRate")
	assert.True(t, ok)
	assert.Equal(t, 0.5, v)
	_, ok = getFloat(m, "name")
	assert.False(t, ok)
}
