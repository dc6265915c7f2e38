package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/abhisek/rehearse/internal/llm"
	"github.com/abhisek/rehearse/internal/metrics"
	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
)

var fixedNow = time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "assessment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newEngine(t *testing.T, provider llm.Provider, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	st := openStore(t)
	opts = append([]Option{WithNow(func() time.Time { return fixedNow })}, opts...)
	return New(NewLLMGrader(provider, DefaultGraderConfig()), st.Attempts(), DefaultConfig(), opts...), st
}

func gradeJSON(score int, correct bool) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"score": score, "is_correct": correct, "feedback": "ok"})
	return b
}

func TestAssess_StoreHours(t *testing.T) {
	mock := llm.NewMockProvider(llm.MockResponse{Content: gradeJSON(95, true)})
	e, st := newEngine(t, mock)

	report, err := e.Assess(context.Background(), Input{
		SessionID:  "s1",
		EmployeeID: "emp",
		Transcript: []transcript.Turn{
			asst("What are our store hours?"),
			user("9 to 5 Monday to Friday"),
		},
		Bank: []training.Question{{ID: "q-hours", Prompt: "What are our store hours?", CanonicalAnswer: "9am–5pm, Mon–Fri", IsActive: true}},
	})
	require.NoError(t, err)

	assert.Equal(t, training.Summary{TotalQuestions: 1, CorrectAnswers: 1, Accuracy: 100}, report.Summary)
	require.Len(t, report.Results, 1)
	assert.Equal(t, training.QuestionResult{
		ExchangeIndex: 1, QuestionID: "q-hours",
		AskedText: "What are our store hours?", AnswerText: "9 to 5 Monday to Friday",
		Score: 95, IsCorrect: true, Feedback: "ok",
	}, report.Results[0])
	assert.False(t, report.Partial())

	got, err := st.Attempts().Latest(context.Background(), "emp", nil)
	require.NoError(t, err)
	require.Contains(t, got, "q-hours")
	assert.True(t, got["q-hours"].IsCorrect)
	assert.Equal(t, "s1", got["q-hours"].SessionID)
	assert.True(t, got["q-hours"].GradedAt.Equal(fixedNow))
}

var threeQuestionBank = []training.Question{
	{ID: "q-hours", Prompt: "What are our store hours?", CanonicalAnswer: "9-5 weekdays"},
	{ID: "q-returns", Prompt: "What is the return window?", CanonicalAnswer: "30 days"},
	{ID: "q-loyalty", Prompt: "How much is the loyalty discount?", CanonicalAnswer: "10%"},
}

var threeExchanges = []transcript.Turn{
	asst("What are our store hours?"),
	user("Nine to five on weekdays"),
	asst("What is the return window?"),
	user("Thirty days with a receipt"),
	asst("How much is the loyalty discount?"),
	user("Ten percent off everything"),
}

func TestAssess_PartialFailure(t *testing.T) {
	mock := llm.NewMockResponder(func(req llm.Request) llm.MockResponse {
		if strings.Contains(req.Messages[0].Content, "Thirty days") {
			return llm.MockResponse{Err: &llm.ErrProviderUnavailable{Err: errors.New("timeout")}}
		}
		if strings.Contains(req.Messages[0].Content, "Nine to five") {
			return llm.MockResponse{Content: gradeJSON(90, true)}
		}
		return llm.MockResponse{Content: gradeJSON(20, false)}
	})
	reg := prometheus.NewRegistry()
	e, st := newEngine(t, mock, WithMetrics(metrics.New(reg)))

	report, err := e.Assess(context.Background(), Input{
		SessionID: "s1", EmployeeID: "emp", Transcript: threeExchanges, Bank: threeQuestionBank,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Summary.TotalQuestions)
	assert.Equal(t, 1, report.Summary.CorrectAnswers)
	assert.Equal(t, 1, report.Summary.IncorrectAnswers)
	assert.Equal(t, 50, report.Summary.Accuracy)

	require.Len(t, report.Results, 2)
	assert.Equal(t, 1, report.Results[0].ExchangeIndex)
	assert.Equal(t, 3, report.Results[1].ExchangeIndex)
	for _, r := range report.Results {
		assert.NotEqual(t, 2, r.ExchangeIndex)
	}

	require.True(t, report.Partial())
	require.Len(t, report.Ungraded, 1)
	assert.Equal(t, 2, report.Ungraded[0].ExchangeIndex)
	assert.Equal(t, "q-returns", report.Ungraded[0].QuestionID)

	got, err := st.Attempts().Latest(context.Background(), "emp", nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, "q-returns")
}

func TestAssess_AllGradingFails(t *testing.T) {
	mock := llm.NewMockResponder(func(llm.Request) llm.MockResponse {
		return llm.MockResponse{Err: &llm.ErrProviderUnavailable{}}
	})
	e, st := newEngine(t, mock)

	_, err := e.Assess(context.Background(), Input{
		SessionID: "s1", EmployeeID: "emp", Transcript: threeExchanges, Bank: threeQuestionBank,
	})
	require.ErrorIs(t, err, ErrGradingUnavailable)
	var unavailable *llm.ErrProviderUnavailable
	assert.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 3, mock.CallCount())

	got, err := st.Attempts().Latest(context.Background(), "emp", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssess_UnmatchedExcluded(t *testing.T) {
	mock := llm.NewMockProvider()
	e, _ := newEngine(t, mock)

	report, err := e.Assess(context.Background(), Input{
		SessionID: "s1", EmployeeID: "emp",
		Transcript: []transcript.Turn{
			asst("How was your weekend?"),
			user("Pretty relaxing, thanks"),
		},
		Bank: threeQuestionBank,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, mock.CallCount())
	assert.Equal(t, 1, report.Unmatched)
	assert.Equal(t, 0, report.Summary.TotalQuestions)
	assert.Empty(t, report.Results)
}

func TestAssess_RepeatedQuestionGradesLastAnswer(t *testing.T) {
	mock := llm.NewMockResponder(func(llm.Request) llm.MockResponse {
		return llm.MockResponse{Content: gradeJSON(80, true)}
	})
	e, _ := newEngine(t, mock)

	report, err := e.Assess(context.Background(), Input{
		SessionID: "s1", EmployeeID: "emp",
		Transcript: []transcript.Turn{
			asst("What are our store hours?"),
			user("I think it's ten to six"),
			asst("What is the return window?"),
			user("Thirty days with a receipt"),
			asst("Let's retry: what are our store hours?"),
			user("Nine to five on weekdays"),
		},
		Bank: threeQuestionBank,
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, 2, report.Results[0].ExchangeIndex)
	assert.Equal(t, 3, report.Results[1].ExchangeIndex)
	assert.Equal(t, "Nine to five on weekdays", report.Results[1].AnswerText)
	assert.Equal(t, 2, mock.CallCount())
}

type countingGrader struct {
	inFlight, peak atomic.Int32
}

func (g *countingGrader) Grade(ctx context.Context, _ GradeRequest) (*Grade, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return &Grade{Score: 100, IsCorrect: true}, nil
}

func TestAssess_ConcurrencyBound(t *testing.T) {
	st := openStore(t)
	g := &countingGrader{}
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	e := New(g, st.Attempts(), cfg, WithLimiter(rate.NewLimiter(rate.Inf, 1)))

	report, err := e.Assess(context.Background(), Input{
		SessionID: "s1", EmployeeID: "emp", Transcript: threeExchanges, Bank: threeQuestionBank,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Summary.TotalQuestions)
	assert.LessOrEqual(t, g.peak.Load(), int32(2))
}

func TestAssess_CancelledLimiterWait(t *testing.T) {
	st := openStore(t)
	cfg := DefaultConfig()
	e := New(&countingGrader{}, st.Attempts(), cfg, WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Assess(ctx, Input{
		SessionID: "s1", EmployeeID: "emp", Transcript: threeExchanges, Bank: threeQuestionBank,
	})
	assert.ErrorIs(t, err, ErrGradingUnavailable)
}
