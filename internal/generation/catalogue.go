package generation

import (
	"fmt"
	"strings"

	"github.com/quizforge/quizforge/internal/provider"
	"github.com/quizforge/quizforge/internal/subscription"
)

// operationSpec binds an operation name to its prompt, output schema, and
// the model each tier runs it on. The credit cost and feature gating live
// in the subscription plan catalogue; this table only describes execution.
type operationSpec struct {
	systemPrompt string
	userPrompt   func(p Params) string
	schema       provider.FunctionDef
	basicModel   string
	premiumModel string
}

func (s operationSpec) modelFor(tier subscription.Tier) string {
	if tier == subscription.TierPremium {
		return s.premiumModel
	}
	return s.basicModel
}

func countOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func describeSource(p Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s", p.Topic)
	if p.Difficulty != "" {
		fmt.Fprintf(&b, "\nDifficulty: %s", p.Difficulty)
	}
	if p.Language != "" {
		fmt.Fprintf(&b, "\nLanguage: %s", p.Language)
	}
	if p.SourceText != "" {
		fmt.Fprintf(&b, "\nSource material:\n%s", p.SourceText)
	}
	return b.String()
}

var catalogue = map[string]operationSpec{
	subscription.FeatureQuizMCQ: {
		systemPrompt: "You are a quiz author. Produce multiple-choice questions with exactly one correct answer each. Return results only through the provided function.",
		userPrompt: func(p Params) string {
			return fmt.Sprintf("Write %d multiple-choice questions.\n%s",
				countOr(p.Count, 5), describeSource(p))
		},
		schema: provider.FunctionDef{
			Name:        "submit_mcq_questions",
			Description: "Submit the generated multiple-choice questions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"questions": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"question":    map[string]any{"type": "string"},
								"options":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"answerIndex": map[string]any{"type": "integer"},
								"explanation": map[string]any{"type": "string"},
							},
							"required": []string{"question", "options", "answerIndex"},
						},
					},
				},
				"required": []string{"questions"},
			},
		},
		basicModel:   "gpt-4o-mini",
		premiumModel: "gpt-4o",
	},

	subscription.FeatureQuizTrueFalse: {
		systemPrompt: "You are a quiz author. Produce true/false statements with unambiguous answers. Return results only through the provided function.",
		userPrompt: func(p Params) string {
			return fmt.Sprintf("Write %d true/false statements.\n%s",
				countOr(p.Count, 5), describeSource(p))
		},
		schema: provider.FunctionDef{
			Name:        "submit_truefalse_questions",
			Description: "Submit the generated true/false statements.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"questions": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"statement":   map[string]any{"type": "string"},
								"isTrue":      map[string]any{"type": "boolean"},
								"explanation": map[string]any{"type": "string"},
							},
							"required": []string{"statement", "isTrue"},
						},
					},
				},
				"required": []string{"questions"},
			},
		},
		basicModel:   "gpt-4o-mini",
		premiumModel: "gpt-4.1-mini",
	},

	subscription.FeatureQuizCode: {
		systemPrompt: "You are a programming instructor. Produce code-comprehension questions with a short code snippet each. Return results only through the provided function.",
		userPrompt: func(p Params) string {
			return fmt.Sprintf("Write %d code questions.\n%s",
				countOr(p.Count, 3), describeSource(p))
		},
		schema: provider.FunctionDef{
			Name:        "submit_code_questions",
			Description: "Submit the generated code questions.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"questions": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"prompt":      map[string]any{"type": "string"},
								"code":        map[string]any{"type": "string"},
								"language":    map[string]any{"type": "string"},
								"options":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"answerIndex": map[string]any{"type": "integer"},
							},
							"required": []string{"prompt", "code", "options", "answerIndex"},
						},
					},
				},
				"required": []string{"questions"},
			},
		},
		basicModel:   "claude-haiku-4-5",
		premiumModel: "claude-sonnet-4-5",
	},

	subscription.FeatureFlashcards: {
		systemPrompt: "You are a study-aid author. Produce concise front/back flashcards. Return results only through the provided function.",
		userPrompt: func(p Params) string {
			return fmt.Sprintf("Write %d flashcards.\n%s",
				countOr(p.Count, 10), describeSource(p))
		},
		schema: provider.FunctionDef{
			Name:        "submit_flashcards",
			Description: "Submit the generated flashcards.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cards": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"front": map[string]any{"type": "string"},
								"back":  map[string]any{"type": "string"},
							},
							"required": []string{"front", "back"},
						},
					},
				},
				"required": []string{"cards"},
			},
		},
		basicModel:   "gpt-4o-mini",
		premiumModel: "gpt-4.1",
	},

	subscription.FeatureSummary: {
		systemPrompt: "You are an editor. Summarize the given material faithfully and concisely. Return results only through the provided function.",
		userPrompt: func(p Params) string {
			return "Summarize the following.\n" + describeSource(p)
		},
		schema: provider.FunctionDef{
			Name:        "submit_summary",
			Description: "Submit the generated summary.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary":   map[string]any{"type": "string"},
					"keyPoints": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"summary"},
			},
		},
		basicModel:   "gemini-2.5-flash",
		premiumModel: "gemini-2.5-pro",
	},

	subscription.FeatureCourseOutline: {
		systemPrompt: "You are a curriculum designer. Produce a structured course outline with modules and lessons. Return results only through the provided function.",
		userPrompt: func(p Params) string {
			return "Design a course outline.\n" + describeSource(p)
		},
		schema: provider.FunctionDef{
			Name:        "submit_course_outline",
			Description: "Submit the generated course outline.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string"},
					"modules": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"title":   map[string]any{"type": "string"},
								"lessons": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							},
							"required": []string{"title", "lessons"},
						},
					},
				},
				"required": []string{"title", "modules"},
			},
		},
		basicModel:   "gemini-2.5-flash",
		premiumModel: "gemini-2.5-pro",
	},
}

// Operations returns the known operation names.
func Operations() []string {
	out := make([]string, 0, len(catalogue))
	for name := range catalogue {
		out = append(out, name)
	}
	return out
}

// ModelFor reports which model an operation runs on at the given tier.
func ModelFor(operation string, tier subscription.Tier) (string, bool) {
	spec, ok := catalogue[operation]
	if !ok {
		return "", false
	}
	return spec.modelFor(tier), true
}
