package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all QuizForge tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("quizforge", "1.0.0")
	client := NewQuizForgeClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGenerateQuiz, h.HandleGenerateQuiz)
	s.AddTool(ToolGenerateFlashcards, h.HandleGenerateFlashcards)
	s.AddTool(ToolGenerateSummary, h.HandleGenerateSummary)
	s.AddTool(ToolGenerateCourseOutline, h.HandleGenerateCourseOutline)
	s.AddTool(ToolCheckCredits, h.HandleCheckCredits)
	s.AddTool(ToolGetUsageStats, h.HandleGetUsageStats)
	s.AddTool(ToolListOperations, h.HandleListOperations)

	return s
}
