// Package training holds the records shared by the session lifecycle,
// the assessment engine, and question selection.
package training

import (
	"time"

	"github.com/abhisek/rehearse/internal/transcript"
)

// Mode is the kind of practice a session runs.
type Mode string

const (
	ModeTheory          Mode = "theory"
	ModeServicePractice Mode = "service_practice"
	ModeRecommendation  Mode = "recommendation"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeTheory, ModeServicePractice, ModeRecommendation:
		return true
	}
	return false
}

// RequiresGrading reports whether sessions in this mode are scored.
func (m Mode) RequiresGrading() bool {
	return m == ModeTheory
}

// AssessmentStatus is the grading state of a session.
type AssessmentStatus string

const (
	StatusPending   AssessmentStatus = "pending"
	StatusCompleted AssessmentStatus = "completed"
	StatusFailed    AssessmentStatus = "failed"
)

// State is the lifecycle position of a session, derived from its fields.
type State string

const (
	StateCreated           State = "created"
	StateLinked            State = "linked"
	StateTranscriptFetched State = "transcript_fetched"
	StateAssessed          State = "assessed"
)

// Session is one attempt at a scenario by one employee.
type Session struct {
	ID                  string            `json:"id"`
	EmployeeID          string            `json:"employee_id"`
	ScenarioID          string            `json:"scenario_id"`
	Mode                Mode              `json:"mode"`
	ConversationRef     string            `json:"conversation_ref,omitempty"`
	Transcript          []transcript.Turn `json:"transcript"`
	DurationSeconds     int               `json:"duration_seconds"`
	AssessmentStatus    AssessmentStatus  `json:"assessment_status"`
	AssessmentResult    *AssessmentResult `json:"assessment_result,omitempty"`
	StartedAt           time.Time         `json:"started_at"`
	EndedAt             *time.Time        `json:"ended_at,omitempty"`
	TranscriptFetchedAt *time.Time        `json:"transcript_fetched_at,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// State derives the lifecycle state.
func (s *Session) State() State {
	switch {
	case s.AssessmentStatus == StatusCompleted || s.AssessmentStatus == StatusFailed:
		return StateAssessed
	case s.TranscriptFetchedAt != nil:
		return StateTranscriptFetched
	case s.ConversationRef != "":
		return StateLinked
	}
	return StateCreated
}

// Topic groups questions for one company.
type Topic struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
}

// Question is a canonical knowledge-check item.
type Question struct {
	ID              string `json:"id"`
	TopicID         string `json:"topic_id"`
	Prompt          string `json:"prompt"`
	CanonicalAnswer string `json:"canonical_answer"`
	DifficultyLevel int    `json:"difficulty_level"`
	IsActive        bool   `json:"is_active"`

	// Position is the insertion order, used as a stable tiebreaker.
	Position int64 `json:"-"`
}

// Attempt is the latest grading outcome for an (employee, question) pair.
type Attempt struct {
	EmployeeID string    `json:"employee_id"`
	QuestionID string    `json:"question_id"`
	SessionID  string    `json:"session_id"`
	IsCorrect  bool      `json:"is_correct"`
	Score      int       `json:"score"`
	AnswerText string    `json:"answer_text"`
	Feedback   string    `json:"feedback,omitempty"`
	GradedAt   time.Time `json:"graded_at"`
}

// Scenario is a practice script scoped to a company and a set of topics.
type Scenario struct {
	ID        string   `json:"id"`
	CompanyID string   `json:"company_id"`
	Title     string   `json:"title"`
	TopicIDs  []string `json:"topic_ids,omitempty"`
}
