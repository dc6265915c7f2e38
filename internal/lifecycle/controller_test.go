package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/rehearse/internal/apperr"
	"github.com/abhisek/rehearse/internal/assessment"
	"github.com/abhisek/rehearse/internal/convai"
	"github.com/abhisek/rehearse/internal/fetch"
	"github.com/abhisek/rehearse/internal/llm"
	"github.com/abhisek/rehearse/internal/mastery"
	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
)

const storeHoursPayload = `{
	"conversation_id": "conv_1",
	"status": "done",
	"metadata": {"start_time_unix_secs": 1700000000, "call_duration_secs": 0},
	"transcript": [
		{"role": "agent", "message": "What are our store hours?", "time_in_call_secs": 2},
		{"role": "user", "message": "9 to 5 Monday to Friday", "time_in_call_secs": 6.5},
		{"role": "agent", "message": "", "time_in_call_secs": 9}
	]
}`

type fakeConvs struct {
	mu      sync.Mutex
	conv    *convai.Conversation
	payload string
	err     error
	calls   int
}

func (f *fakeConvs) GetConversation(_ context.Context, ref string) (*convai.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.conv != nil {
		return f.conv, nil
	}
	return &convai.Conversation{ID: ref, Status: convai.StatusDone}, nil
}

func (f *fakeConvs) GetTranscript(context.Context, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.payload), nil
}

type harness struct {
	st      *store.Store
	ctrl    *Controller
	convs   *fakeConvs
	grading *llm.MockProvider
}

func gradeAll(correct bool) func(llm.Request) llm.MockResponse {
	return func(llm.Request) llm.MockResponse {
		b, _ := json.Marshal(map[string]any{"score": 90, "is_correct": correct, "feedback": "Good recall."})
		return llm.MockResponse{Content: b}
	}
}

func newHarness(t *testing.T, grade func(llm.Request) llm.MockResponse) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	cat := st.Catalog()
	require.NoError(t, cat.UpsertTopic(ctx, training.Topic{ID: "hours", CompanyID: "acme", Name: "Store hours"}))
	require.NoError(t, cat.UpsertQuestion(ctx, training.Question{
		ID: "q-hours", TopicID: "hours", Prompt: "What are our store hours?",
		CanonicalAnswer: "9am–5pm, Mon–Fri", IsActive: true,
	}))
	require.NoError(t, cat.UpsertScenario(ctx, training.Scenario{ID: "scn", CompanyID: "acme", Title: "Front desk", TopicIDs: []string{"hours"}}))

	grading := llm.NewMockResponder(grade)
	engine := assessment.New(assessment.NewLLMGrader(grading, assessment.DefaultGraderConfig()), st.Attempts(), assessment.DefaultConfig())
	convs := &fakeConvs{payload: storeHoursPayload}
	ctrl := New(st.Sessions(), cat, convs, engine, Config{})
	return &harness{st: st, ctrl: ctrl, convs: convs, grading: grading}
}

func (h *harness) start(t *testing.T, id string, mode training.Mode) *StartResult {
	t.Helper()
	res, err := h.ctrl.Start(context.Background(), StartRequest{ID: id, EmployeeID: "emp", ScenarioID: "scn", Mode: mode})
	require.NoError(t, err)
	return res
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t, gradeAll(true))

	first := h.start(t, "s1", training.ModeTheory)
	assert.True(t, first.Created)
	assert.Equal(t, training.StateCreated, first.Session.State())
	assert.Equal(t, training.StatusPending, first.Session.AssessmentStatus)

	second := h.start(t, "s1", training.ModeTheory)
	assert.False(t, second.Created)
	assert.Equal(t, first.Session, second.Session)
}

func TestStart_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, gradeAll(true))

	const n = 8
	results := make([]*StartResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.ctrl.Start(context.Background(), StartRequest{ID: "race", EmployeeID: "emp", ScenarioID: "scn", Mode: training.ModeServicePractice})
		}()
	}
	wg.Wait()

	created := 0
	for i := range n {
		require.NoError(t, errs[i])
		if results[i].Created {
			created++
		}
		assert.Equal(t, "race", results[i].Session.ID)
	}
	assert.Equal(t, 1, created)
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, StartRequest{ID: "s1", ScenarioID: "scn", Mode: training.ModeTheory})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "missing employee: %v", err)

	_, err = h.ctrl.Start(ctx, StartRequest{ID: "s1", EmployeeID: "emp", ScenarioID: "scn", Mode: "karaoke"})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "bad mode: %v", err)

	_, err = h.ctrl.Start(ctx, StartRequest{ID: "s1", EmployeeID: "emp", ScenarioID: "missing", Mode: training.ModeTheory})
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "unknown scenario: %v", err)

	h.start(t, "s2", training.ModeTheory)
	_, err = h.ctrl.Start(ctx, StartRequest{ID: "s2", EmployeeID: "other", ScenarioID: "scn", Mode: training.ModeTheory})
	assert.True(t, apperr.Is(err, apperr.KindConflict), "id reused for another employee: %v", err)
}

func TestStart_Gate(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	ctx := context.Background()

	h.start(t, "s1", training.ModeTheory)

	_, err := h.ctrl.Start(ctx, StartRequest{ID: "s2", EmployeeID: "emp", ScenarioID: "scn", Mode: training.ModeTheory})
	require.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	blocking, ok := BlockingSession(err)
	require.True(t, ok)
	assert.Equal(t, "s1", blocking)

	// Other modes and other employees are not gated.
	h.start(t, "p1", training.ModeServicePractice)
	_, err = h.ctrl.Start(ctx, StartRequest{ID: "x1", EmployeeID: "emp-2", ScenarioID: "scn", Mode: training.ModeTheory})
	require.NoError(t, err)

	_, err = h.ctrl.SubmitTranscript(ctx, "s1", []transcript.Turn{
		{Speaker: "assistant", Text: "What are our store hours?"},
		{Speaker: "user", Text: "9 to 5 Monday to Friday"},
	}, 0)
	require.NoError(t, err)
	_, err = h.ctrl.Assess(ctx, "s1", Options{})
	require.NoError(t, err)

	res, err := h.ctrl.Start(ctx, StartRequest{ID: "s2", EmployeeID: "emp", ScenarioID: "scn", Mode: training.ModeTheory})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestStart_ConcurrentTheoryStartsAdmitOne(t *testing.T) {
	h := newHarness(t, gradeAll(true))

	const n = 8
	results := make([]*StartResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.ctrl.Start(context.Background(), StartRequest{
				ID: fmt.Sprintf("t%d", i), EmployeeID: "emp", ScenarioID: "scn", Mode: training.ModeTheory,
			})
		}()
	}
	wg.Wait()

	created := 0
	for i := range n {
		if errs[i] == nil {
			require.True(t, results[i].Created)
			created++
			continue
		}
		_, ok := BlockingSession(errs[i])
		assert.True(t, ok, "start %d: %v", i, errs[i])
	}
	assert.Equal(t, 1, created)
}

func TestStart_FailedAssessmentBlocksUntilRegraded(t *testing.T) {
	var unavailable atomic.Bool
	unavailable.Store(true)
	h := newHarness(t, func(req llm.Request) llm.MockResponse {
		if unavailable.Load() {
			return llm.MockResponse{Err: &llm.ErrProviderUnavailable{}}
		}
		return gradeAll(true)(req)
	})
	ctx := context.Background()

	h.start(t, "s1", training.ModeTheory)
	_, err := h.ctrl.Link(ctx, "s1", "conv_1")
	require.NoError(t, err)
	_, err = h.ctrl.Assess(ctx, "s1", Options{})
	require.True(t, apperr.Is(err, apperr.KindUpstreamUnavailable), "got %v", err)

	s, err := h.ctrl.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, training.StatusFailed, s.AssessmentStatus)
	assert.Equal(t, training.StateAssessed, s.State())
	require.NotNil(t, s.AssessmentResult)
	assert.Equal(t, training.ResultFailed, s.AssessmentResult.Kind)
	assert.Equal(t, 1, s.AssessmentResult.Failed.Exchanges)

	_, err = h.ctrl.Start(ctx, StartRequest{ID: "s2", EmployeeID: "emp", ScenarioID: "scn", Mode: training.ModeTheory})
	blocking, ok := BlockingSession(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "s1", blocking)

	// A failed result is not cached, so assessing again regrades it.
	unavailable.Store(false)
	out, err := h.ctrl.Assess(ctx, "s1", Options{})
	require.NoError(t, err)
	assert.False(t, out.FromCache)
	assert.Equal(t, training.StatusCompleted, out.Session.AssessmentStatus)

	res := h.start(t, "s2", training.ModeTheory)
	assert.True(t, res.Created)
}

func TestLink_FetchesAndNormalizes(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	ctx := context.Background()
	h.start(t, "s1", training.ModeTheory)

	s, err := h.ctrl.Link(ctx, "s1", "conv_1")
	require.NoError(t, err)
	assert.Equal(t, training.StateTranscriptFetched, s.State())
	assert.Equal(t, "conv_1", s.ConversationRef)
	require.Len(t, s.Transcript, 2)
	assert.Equal(t, transcript.SpeakerAssistant, s.Transcript[0].Speaker)
	assert.Equal(t, int64(6500), s.Transcript[1].OffsetMs)
	// No provider duration: derived from the turn span (4.5s rounds to 5).
	assert.Equal(t, 5, s.DurationSeconds)

	// Same ref again is a no-op link.
	_, err = h.ctrl.Link(ctx, "s1", "conv_1")
	require.NoError(t, err)

	_, err = h.ctrl.Link(ctx, "s1", "conv_2")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	_, err = h.ctrl.Link(ctx, "nope", "conv_1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}

func TestLink_ProviderDurationWins(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	h.convs.conv = &convai.Conversation{ID: "conv_1", Status: convai.StatusDone, Metadata: convai.Metadata{CallDurationSecs: 95}}
	h.start(t, "s1", training.ModeTheory)

	s, err := h.ctrl.Link(context.Background(), "s1", "conv_1")
	require.NoError(t, err)
	assert.Equal(t, 95, s.DurationSeconds)
}

func TestLink_UpstreamFailureLeavesLinked(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	h.convs.err = &fetch.FetchError{Attempts: 5, LastStatus: 404, Err: errors.New("not ready")}
	ctx := context.Background()
	h.start(t, "s1", training.ModeTheory)

	_, err := h.ctrl.Link(ctx, "s1", "conv_1")
	require.True(t, apperr.Is(err, apperr.KindUpstreamUnavailable), "got %v", err)
	var fe *fetch.FetchError
	assert.True(t, errors.As(err, &fe))

	s, err := h.ctrl.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, training.StateLinked, s.State())
	assert.Equal(t, training.StatusPending, s.AssessmentStatus)

	// Retrying once the provider recovers completes the fetch.
	h.convs.err = nil
	s, err = h.ctrl.FetchTranscript(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, training.StateTranscriptFetched, s.State())
}

func TestFetchTranscript_NeverShrinks(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	ctx := context.Background()
	h.start(t, "s1", training.ModeTheory)
	_, err := h.ctrl.Link(ctx, "s1", "conv_1")
	require.NoError(t, err)

	h.convs.payload = `{"transcript": [{"role": "agent", "message": "Hi"}]}`
	s, err := h.ctrl.FetchTranscript(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, s.Transcript, 2)
}

func TestTranscriptFrozenOnceAssessed(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	ctx := context.Background()
	h.start(t, "s1", training.ModeTheory)
	_, err := h.ctrl.Link(ctx, "s1", "conv_1")
	require.NoError(t, err)
	out, err := h.ctrl.Assess(ctx, "s1", Options{})
	require.NoError(t, err)
	require.Len(t, out.Session.Transcript, 2)

	h.convs.payload = `{"transcript": [
		{"role": "agent", "message": "What are our store hours?", "time_in_call_secs": 1},
		{"role": "user", "message": "9 to 5 Monday to Friday", "time_in_call_secs": 4},
		{"role": "agent", "message": "Anything else?", "time_in_call_secs": 8},
		{"role": "user", "message": "No, thanks", "time_in_call_secs": 12}
	]}`

	_, err = h.ctrl.FetchTranscript(ctx, "s1")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "refresh: %v", err)

	// Relinking with the same ref returns the session untouched.
	s, err := h.ctrl.Link(ctx, "s1", "conv_1")
	require.NoError(t, err)
	assert.Len(t, s.Transcript, 2)

	_, err = h.ctrl.Link(ctx, "s1", "conv_2")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "relink: %v", err)

	s, err = h.ctrl.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, s.Transcript, 2)
	assert.Equal(t, 5, s.DurationSeconds)
	assert.Equal(t, training.StatusCompleted, s.AssessmentStatus)
}

func TestSubmitTranscript(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	ctx := context.Background()
	h.start(t, "s1", training.ModeTheory)

	s, err := h.ctrl.SubmitTranscript(ctx, "s1", []transcript.Turn{
		{Speaker: "persona", Text: " What are our store hours? ", OffsetMs: 1000},
		{Speaker: "customer", Text: "", OffsetMs: 2000},
		{Speaker: "customer", Text: "9 to 5 Monday to Friday", OffsetMs: 31000},
	}, 0)
	require.NoError(t, err)
	require.Len(t, s.Transcript, 2)
	assert.Equal(t, transcript.SpeakerAssistant, s.Transcript[0].Speaker)
	assert.Equal(t, "What are our store hours?", s.Transcript[0].Text)
	assert.Equal(t, transcript.SpeakerUser, s.Transcript[1].Speaker)
	assert.Equal(t, 30, s.DurationSeconds)

	_, err = h.ctrl.SubmitTranscript(ctx, "s1", []transcript.Turn{{Speaker: "user", Text: "only one"}}, 0)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "shrink: %v", err)
}

func TestAssess_StoreHoursAndCache(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	ctx := context.Background()
	h.start(t, "s1", training.ModeTheory)
	_, err := h.ctrl.Link(ctx, "s1", "conv_1")
	require.NoError(t, err)

	first, err := h.ctrl.Assess(ctx, "s1", Options{})
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.False(t, first.Partial)
	assert.NoError(t, first.Warning)
	assert.Equal(t, training.StatusCompleted, first.Session.AssessmentStatus)
	require.Equal(t, training.ResultGraded, first.Result.Kind)
	assert.Equal(t, 100, first.Result.Graded.Summary.Accuracy)
	assert.Equal(t, 1, first.Result.Graded.Summary.TotalQuestions)
	assert.Equal(t, 1, h.grading.CallCount())

	second, err := h.ctrl.Assess(ctx, "s1", Options{})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, h.grading.CallCount(), "cache hit must not grade again")

	a, err := json.Marshal(first.Result)
	require.NoError(t, err)
	b, err := json.Marshal(second.Result)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	tracker := mastery.NewTracker(h.st.Attempts(), h.st.Catalog())
	m, err := tracker.MasteryOf(ctx, "emp", "hours")
	require.NoError(t, err)
	assert.Equal(t, 100, m)

	forced, err := h.ctrl.Assess(ctx, "s1", Options{Force: true})
	require.NoError(t, err)
	assert.False(t, forced.FromCache)
	assert.Equal(t, 2, h.grading.CallCount())
}

func TestAssess_FetchesTranscriptWhenMissing(t *testing.T) {
	h := newHarness(t, gradeAll(false))
	ctx := context.Background()
	h.start(t, "s1", training.ModeTheory)
	_, err := h.st.Sessions().SetConversationRef(ctx, "s1", "conv_1")
	require.NoError(t, err)

	out, err := h.ctrl.Assess(ctx, "s1", Options{})
	require.NoError(t, err)
	assert.Len(t, out.Session.Transcript, 2)
	assert.Equal(t, 0, out.Result.Graded.Summary.Accuracy)
	assert.Equal(t, 1, out.Result.Graded.Summary.IncorrectAnswers)
}

func TestAssess_RecordedModes(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	ctx := context.Background()
	h.start(t, "p1", training.ModeRecommendation)
	_, err := h.ctrl.Link(ctx, "p1", "conv_1")
	require.NoError(t, err)

	out, err := h.ctrl.Assess(ctx, "p1", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, h.grading.CallCount())
	assert.Equal(t, training.StatusCompleted, out.Session.AssessmentStatus)
	require.Equal(t, training.ResultRecorded, out.Result.Kind)
	assert.Equal(t, &training.RecordedResult{Mode: training.ModeRecommendation, TurnCount: 2, DurationSeconds: 5}, out.Result.Recorded)
}

func TestAssess_PartialGrading(t *testing.T) {
	h := newHarness(t, func(req llm.Request) llm.MockResponse {
		if strings.Contains(req.Messages[0].Content, "thirty") {
			return llm.MockResponse{Err: &llm.ErrRateLimit{RetryAfter: time.Second}}
		}
		return gradeAll(true)(req)
	})
	ctx := context.Background()
	require.NoError(t, h.st.Catalog().UpsertQuestion(ctx, training.Question{
		ID: "q-returns", TopicID: "hours", Prompt: "What is the return window?", CanonicalAnswer: "30 days", IsActive: true,
	}))
	h.start(t, "s1", training.ModeTheory)
	_, err := h.ctrl.SubmitTranscript(ctx, "s1", []transcript.Turn{
		{Speaker: "assistant", Text: "What are our store hours?"},
		{Speaker: "user", Text: "9 to 5 Monday to Friday"},
		{Speaker: "assistant", Text: "What is the return window?"},
		{Speaker: "user", Text: "I believe thirty days"},
	}, 0)
	require.NoError(t, err)

	out, err := h.ctrl.Assess(ctx, "s1", Options{})
	require.NoError(t, err)
	assert.True(t, out.Partial)
	assert.Equal(t, training.StatusCompleted, out.Session.AssessmentStatus)
	assert.Equal(t, 1, out.Result.Graded.Summary.TotalQuestions)
	require.Len(t, out.Result.Graded.Ungraded, 1)
	assert.Equal(t, "q-returns", out.Result.Graded.Ungraded[0].QuestionID)
	assert.True(t, apperr.Is(out.Warning, apperr.KindPartialGradingFailure), "warning: %v", out.Warning)

	cached, err := h.ctrl.Assess(ctx, "s1", Options{})
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.True(t, cached.Partial)
	assert.True(t, apperr.Is(cached.Warning, apperr.KindPartialGradingFailure), "warning: %v", cached.Warning)
}

func TestAssess_NotFound(t *testing.T) {
	h := newHarness(t, gradeAll(true))
	_, err := h.ctrl.Assess(context.Background(), "missing", Options{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
}
