package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/abhisek/rehearse/internal/llm"
)

// GradeRequest is one answer to compare against the answer key.
type GradeRequest struct {
	Question        string
	CanonicalAnswer string
	Answer          string
}

// Grade is the outcome of one grading call.
type Grade struct {
	Score     int
	IsCorrect bool
	Feedback  string
}

// Grader scores an answer. Implementations may be slow and may fail.
type Grader interface {
	Grade(ctx context.Context, req GradeRequest) (*Grade, error)
}

// GraderConfig holds LLM request settings for grading.
type GraderConfig struct {
	MaxTokens   int
	Temperature float64
}

// DefaultGraderConfig returns sensible defaults.
func DefaultGraderConfig() GraderConfig {
	return GraderConfig{
		MaxTokens:   512,
		Temperature: 0.1,
	}
}

// LLMGrader grades answers with a language model.
type LLMGrader struct {
	provider llm.Provider
	cfg      GraderConfig
}

// NewLLMGrader creates an LLM-backed grader.
func NewLLMGrader(provider llm.Provider, cfg GraderConfig) *LLMGrader {
	return &LLMGrader{provider: provider, cfg: cfg}
}

// GradeSchema constrains the grading response.
var GradeSchema = &llm.Schema{
	Name:        "answer-grade",
	Description: "Grade of an employee's spoken answer against the company's answer key",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"maximum":     100,
				"description": "How completely and accurately the answer covers the answer key, 0-100",
			},
			"is_correct": map[string]any{
				"type":        "boolean",
				"description": "True when the answer conveys the essential facts of the answer key",
			},
			"feedback": map[string]any{
				"type":        "string",
				"description": "One or two sentences addressed to the employee",
			},
		},
		"required":             []any{"score", "is_correct", "feedback"},
		"additionalProperties": false,
	},
}

type gradeOutput struct {
	Score     int    `json:"score"`
	IsCorrect bool   `json:"is_correct"`
	Feedback  string `json:"feedback"`
}

// Grade sends one answer to the model.
func (g *LLMGrader) Grade(ctx context.Context, req GradeRequest) (*Grade, error) {
	ctx = llm.WithPurpose(ctx, llm.PurposeAnswerGrading)

	userMsg, err := buildGradeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}

	resp, err := g.provider.Generate(ctx, llm.Request{
		System:      gradeSystemPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: userMsg}},
		Schema:      GradeSchema,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("grading call failed: %w", err)
	}

	var out gradeOutput
	if err := json.Unmarshal(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("parse grading response: %w", err)
	}
	return &Grade{
		Score:     clampScore(out.Score),
		IsCorrect: out.IsCorrect,
		Feedback:  out.Feedback,
	}, nil
}

func clampScore(s int) int {
	return max(0, min(100, s))
}

const gradeSystemPrompt = `You grade knowledge checks for customer-facing employees. A training persona asked the employee a question during a role-play conversation; the reply was transcribed from speech.

Instructions:
- Compare the employee's answer with the answer key. Judge meaning, not wording; ignore filler words and transcription noise.
- Mark is_correct true only when the essential facts of the answer key are present and nothing stated contradicts them.
- Score 0-100 for completeness and accuracy.
- Keep feedback to one or two sentences, addressed to the employee.`

var gradeUserTemplate = template.Must(template.New("grade").Parse(`Question: {{.Question}}
Answer key: {{.CanonicalAnswer}}
Employee's answer: {{.Answer}}`))

func buildGradeMessage(req GradeRequest) (string, error) {
	var buf bytes.Buffer
	if err := gradeUserTemplate.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}
