package store

import (
	"context"
	"time"

	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
)

// QueryOpts configures event queries with filtering and pagination.
type QueryOpts struct {
	Limit   int       // max results (0 = unlimited)
	From    time.Time // timestamp >= From
	To      time.Time // timestamp <= To
	Purpose string    // exact match when set
}

// SessionRepo persists training sessions. Every write is keyed by the
// session ID so repeating a step is harmless.
type SessionRepo interface {
	// Insert stores a new session. Returns ErrAlreadyExists when the ID is
	// taken, including when a concurrent insert won the race.
	Insert(ctx context.Context, s *training.Session) error

	// InsertGated stores a new session only if the latest other session
	// for the same employee, scenario, and mode is completed or none
	// exists. It returns false when that prior session blocks the insert
	// and ErrAlreadyExists when the ID is taken.
	InsertGated(ctx context.Context, s *training.Session) (bool, error)

	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, id string) (*training.Session, error)

	// LatestPrior returns the most recent session for the employee,
	// scenario, and mode other than excludeID, or nil if none exist.
	LatestPrior(ctx context.Context, employeeID, scenarioID string, mode training.Mode, excludeID string) (*training.Session, error)

	// SetConversationRef links the session to a provider conversation.
	// It succeeds when the ref was unset or already equal; it returns
	// false when a different ref is stored.
	SetConversationRef(ctx context.Context, id, ref string) (bool, error)

	// SaveTranscript replaces the transcript if it is at least as long as
	// the stored one. It returns false when the stored transcript is
	// longer, and ErrAssessed once the session has left pending.
	SaveTranscript(ctx context.Context, id string, turns []transcript.Turn, durationSeconds int, fetchedAt time.Time) (bool, error)

	// SaveAssessment writes the assessment status and result.
	SaveAssessment(ctx context.Context, id string, status training.AssessmentStatus, result *training.AssessmentResult, endedAt time.Time) error

	// ListStaleLinked returns pending sessions that have a conversation
	// ref but no fetched transcript and were last touched before cutoff.
	ListStaleLinked(ctx context.Context, cutoff time.Time, limit int) ([]*training.Session, error)
}

// QuestionFilter scopes a question query.
type QuestionFilter struct {
	CompanyID string
	// TopicIDs narrows the pool to these topics of CompanyID when
	// non-empty.
	TopicIDs []string
}

// CatalogRepo manages topics, questions, and scenarios.
type CatalogRepo interface {
	UpsertTopic(ctx context.Context, t training.Topic) error
	UpsertQuestion(ctx context.Context, q training.Question) error
	UpsertScenario(ctx context.Context, s training.Scenario) error

	Topic(ctx context.Context, id string) (*training.Topic, error)
	Topics(ctx context.Context, companyID string) ([]training.Topic, error)
	Scenario(ctx context.Context, id string) (*training.Scenario, error)

	// ActiveQuestions returns active questions in insertion order.
	ActiveQuestions(ctx context.Context, f QuestionFilter) ([]training.Question, error)
}

// AttemptRepo stores the current attempt per (employee, question).
type AttemptRepo interface {
	// Upsert records an attempt, superseding an older one for the same
	// pair. An attempt graded before the stored one is ignored.
	Upsert(ctx context.Context, a training.Attempt) error

	// Latest returns the current attempts for the employee keyed by
	// question ID. An empty questionIDs returns all of them.
	Latest(ctx context.Context, employeeID string, questionIDs []string) (map[string]training.Attempt, error)
}

// LLMRequestEventData captures the data for a single LLM request event.
type LLMRequestEventData struct {
	Provider     string
	Model        string
	Purpose      string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Success      bool
	ErrorMessage string
	RequestBody  string
	ResponseBody string
}

// LLMRequestEvent is a stored LLM request.
type LLMRequestEvent struct {
	ID        int
	Timestamp time.Time
	LLMRequestEventData
}

// LLMUsage aggregates LLM calls for one purpose or model.
type LLMUsage struct {
	Purpose      string
	Model        string
	Calls        int
	InputTokens  int
	OutputTokens int
	AvgLatencyMs int
}

// EventRepo provides access to recorded LLM requests.
type EventRepo interface {
	// AppendLLMRequest records an LLM API call event.
	AppendLLMRequest(ctx context.Context, data LLMRequestEventData) error

	QueryLLMEvents(ctx context.Context, opts QueryOpts) ([]LLMRequestEvent, error)
	GetLLMEvent(ctx context.Context, id int) (*LLMRequestEvent, error)
	LLMUsageByPurpose(ctx context.Context) ([]LLMUsage, error)
	LLMUsageByModel(ctx context.Context) ([]LLMUsage, error)
}
