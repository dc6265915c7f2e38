package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/rehearse/internal/llm"
)

func TestLLMGrader_Grade(t *testing.T) {
	mock := llm.NewMockProvider(llm.MockResponse{
		Content: json.RawMessage(`{"score":92,"is_correct":true,"feedback":"Correct hours and days."}`),
	})
	g := NewLLMGrader(mock, DefaultGraderConfig())

	got, err := g.Grade(context.Background(), GradeRequest{
		Question:        "What are our store hours?",
		CanonicalAnswer: "9am–5pm, Mon–Fri",
		Answer:          "9 to 5 Monday to Friday",
	})
	require.NoError(t, err)
	assert.Equal(t, &Grade{Score: 92, IsCorrect: true, Feedback: "Correct hours and days."}, got)

	require.Equal(t, 1, mock.CallCount())
	req := mock.Calls[0]
	assert.Equal(t, GradeSchema, req.Schema)
	require.Len(t, req.Messages, 1)
	assert.True(t, strings.Contains(req.Messages[0].Content, "Answer key: 9am–5pm, Mon–Fri"))
	assert.True(t, strings.Contains(req.Messages[0].Content, "Employee's answer: 9 to 5 Monday to Friday"))
}

func TestLLMGrader_ClampsScore(t *testing.T) {
	mock := llm.NewMockProvider(
		llm.MockResponse{Content: json.RawMessage(`{"score":140,"is_correct":true,"feedback":""}`)},
		llm.MockResponse{Content: json.RawMessage(`{"score":-3,"is_correct":false,"feedback":""}`)},
	)
	g := NewLLMGrader(mock, DefaultGraderConfig())

	got, err := g.Grade(context.Background(), GradeRequest{})
	require.NoError(t, err)
	assert.Equal(t, 100, got.Score)

	got, err = g.Grade(context.Background(), GradeRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, got.Score)
}

func TestLLMGrader_Errors(t *testing.T) {
	mock := llm.NewMockProvider(
		llm.MockResponse{Err: &llm.ErrProviderUnavailable{Err: errors.New("down")}},
		llm.MockResponse{Content: json.RawMessage(`not json`)},
	)
	g := NewLLMGrader(mock, DefaultGraderConfig())

	_, err := g.Grade(context.Background(), GradeRequest{})
	var unavailable *llm.ErrProviderUnavailable
	assert.True(t, errors.As(err, &unavailable))

	_, err = g.Grade(context.Background(), GradeRequest{})
	assert.ErrorContains(t, err, "parse grading response")
}
