package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the QuizForge MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGenerateQuiz = mcp.NewTool("generate_quiz",
	mcp.WithDescription(
		"Generate quiz questions on a topic or from provided source material. "+
			"Supports multiple-choice, true/false, and code-comprehension questions. "+
			"Costs credits from your QuizForge plan; check_credits shows your balance."),
	mcp.WithString("quiz_type",
		mcp.Description("Question format: 'mcq' (multiple choice, default), 'truefalse', or 'code'"),
		mcp.Enum("mcq", "truefalse", "code")),
	mcp.WithString("topic",
		mcp.Description("Subject to generate questions about (e.g. 'photosynthesis'). Required unless source_text is given.")),
	mcp.WithString("source_text",
		mcp.Description("Source material to base the questions on. Takes precedence over topic.")),
	mcp.WithNumber("count",
		mcp.Description("Number of questions to generate (default 5)")),
	mcp.WithString("difficulty",
		mcp.Description("Target difficulty: 'easy', 'medium', or 'hard'"),
		mcp.Enum("easy", "medium", "hard")),
	mcp.WithString("language",
		mcp.Description("For code questions: the programming language (e.g. 'python', 'go')")),
)

var ToolGenerateFlashcards = mcp.NewTool("generate_flashcards",
	mcp.WithDescription(
		"Generate study flashcards (front/back pairs) on a topic or from source material."),
	mcp.WithString("topic",
		mcp.Description("Subject to generate flashcards about. Required unless source_text is given.")),
	mcp.WithString("source_text",
		mcp.Description("Source material to base the flashcards on.")),
	mcp.WithNumber("count",
		mcp.Description("Number of flashcards to generate (default 10)")),
)

var ToolGenerateSummary = mcp.NewTool("generate_summary",
	mcp.WithDescription(
		"Summarize source material into key points suitable for study notes."),
	mcp.WithString("source_text",
		mcp.Required(),
		mcp.Description("The text to summarize")),
)

var ToolGenerateCourseOutline = mcp.NewTool("generate_course_outline",
	mcp.WithDescription(
		"Generate a structured course outline with modules and lessons for a topic. "+
			"This is the most expensive operation and requires a premium plan."),
	mcp.WithString("topic",
		mcp.Required(),
		mcp.Description("The subject the course should teach")),
	mcp.WithString("difficulty",
		mcp.Description("Target audience level: 'easy', 'medium', or 'hard'"),
		mcp.Enum("easy", "medium", "hard")),
)

var ToolCheckCredits = mcp.NewTool("check_credits",
	mcp.WithDescription(
		"Check your QuizForge credit balance. "+
			"Shows your plan, monthly credit limit, credits used, and what remains."),
)

var ToolGetUsageStats = mcp.NewTool("get_usage_stats",
	mcp.WithDescription(
		"Get your QuizForge usage statistics: total requests, tokens consumed, "+
			"credits spent, and success rate."),
)

var ToolListOperations = mcp.NewTool("list_operations",
	mcp.WithDescription(
		"List the AI operations available to your plan with their credit costs. "+
			"Use this to see what generate_quiz and the other tools will charge."),
)
