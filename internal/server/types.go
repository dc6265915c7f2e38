package server

import (
	"github.com/abhisek/rehearse/internal/mastery"
	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// BlockingSessionID names the session that must be assessed first.
	BlockingSessionID string `json:"blocking_session_id,omitempty"`
}

// StartSessionRequest creates a session. The client picks the ID so a
// retried request lands on the same session.
type StartSessionRequest struct {
	ID         string        `json:"id" binding:"required"`
	EmployeeID string        `json:"employee_id" binding:"required"`
	ScenarioID string        `json:"scenario_id" binding:"required"`
	Mode       training.Mode `json:"mode" binding:"required"`
}

// SessionResponse is a session plus its derived lifecycle state.
type SessionResponse struct {
	*training.Session
	State training.State `json:"state"`
}

// StartSessionResponse reports whether the call created the session.
type StartSessionResponse struct {
	Session SessionResponse `json:"session"`
	Created bool            `json:"created"`
}

// LinkRequest attaches a provider conversation.
type LinkRequest struct {
	ConversationRef string `json:"conversation_ref" binding:"required"`
}

// SubmitTranscriptRequest carries turns from a text-mode client.
type SubmitTranscriptRequest struct {
	Turns           []transcript.Turn `json:"turns" binding:"required"`
	DurationSeconds int               `json:"duration_seconds" binding:"omitempty,min=0"`
}

// AssessRequest may be sent as a body or as ?force=true.
type AssessRequest struct {
	Force bool `json:"force" form:"force"`
}

// AssessResponse wraps the stored assessment.
type AssessResponse struct {
	SessionID string                     `json:"session_id"`
	Status    training.AssessmentStatus  `json:"assessment_status"`
	FromCache bool                       `json:"from_cache"`
	Partial   bool                       `json:"partial"`
	Result    *training.AssessmentResult `json:"result"`

	// Warning is set for a partially graded result.
	Warning *ErrorResponse `json:"warning,omitempty"`
}

// QuestionsQuery scopes a question batch.
type QuestionsQuery struct {
	CompanyID string   `form:"company_id"`
	TopicIDs  []string `form:"topic_id"`
	Limit     int      `form:"limit" binding:"omitempty,min=0"`
}

// MasteryQuery selects a single topic or a company report.
type MasteryQuery struct {
	CompanyID string `form:"company_id"`
	TopicID   string `form:"topic_id"`
}

// TopicMasteryResponse answers a single-topic mastery query.
type TopicMasteryResponse struct {
	EmployeeID string `json:"employee_id"`
	TopicID    string `json:"topic_id"`
	Mastery    int    `json:"mastery"`
}

// MasteryReportResponse lists every topic of a company.
type MasteryReportResponse struct {
	EmployeeID string                 `json:"employee_id"`
	CompanyID  string                 `json:"company_id"`
	Topics     []mastery.TopicMastery `json:"topics"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
