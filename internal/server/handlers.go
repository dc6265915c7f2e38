package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/abhisek/rehearse/internal/apperr"
	"github.com/abhisek/rehearse/internal/lifecycle"
	"github.com/abhisek/rehearse/internal/mastery"
	"github.com/abhisek/rehearse/internal/selection"
	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
)

// Sessions is the lifecycle surface the handlers call.
type Sessions interface {
	Start(ctx context.Context, req lifecycle.StartRequest) (*lifecycle.StartResult, error)
	Get(ctx context.Context, id string) (*training.Session, error)
	Link(ctx context.Context, id, ref string) (*training.Session, error)
	FetchTranscript(ctx context.Context, id string) (*training.Session, error)
	SubmitTranscript(ctx context.Context, id string, turns []transcript.Turn, durationSeconds int) (*training.Session, error)
	Assess(ctx context.Context, id string, opts lifecycle.Options) (*lifecycle.Outcome, error)
}

// Questions orders question batches.
type Questions interface {
	Select(ctx context.Context, req selection.Request) (*selection.Selection, error)
}

// Mastery reports employee progress.
type Mastery interface {
	MasteryOf(ctx context.Context, employeeID, topicID string) (int, error)
	TopicReport(ctx context.Context, employeeID, companyID string) ([]mastery.TopicMastery, error)
}

// Handlers serves the session API.
type Handlers struct {
	sessions  Sessions
	questions Questions
	mastery   Mastery
	version   string
	logger    *slog.Logger
}

// NewHandlers creates Handlers. A nil logger uses slog.Default().
func NewHandlers(sessions Sessions, questions Questions, m Mastery, version string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{sessions: sessions, questions: questions, mastery: m, version: version, logger: logger}
}

// HandleStartSession creates a session.
//
//	201 Created: new session
//	200 OK: session already existed
//	409 Conflict: ANALYSIS_REQUIRED with blocking_session_id
func (h *Handlers) HandleStartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.sessions.Start(c.Request.Context(), lifecycle.StartRequest{
		ID:         req.ID,
		EmployeeID: req.EmployeeID,
		ScenarioID: req.ScenarioID,
		Mode:       req.Mode,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, StartSessionResponse{Session: sessionResponse(res.Session), Created: res.Created})
}

func (h *Handlers) HandleGetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(s))
}

// HandleLink attaches a conversation and fetches its transcript. When the
// provider is unavailable the session stays linked and 503 is returned.
func (h *Handlers) HandleLink(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	s, err := h.sessions.Link(c.Request.Context(), c.Param("id"), req.ConversationRef)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(s))
}

func (h *Handlers) HandleSubmitTranscript(c *gin.Context) {
	var req SubmitTranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	s, err := h.sessions.SubmitTranscript(c.Request.Context(), c.Param("id"), req.Turns, req.DurationSeconds)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(s))
}

func (h *Handlers) HandleRefreshTranscript(c *gin.Context) {
	s, err := h.sessions.FetchTranscript(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(s))
}

// HandleAssess runs or returns the session's assessment. A result with
// ungraded exchanges is still 200, with partial set.
func (h *Handlers) HandleAssess(c *gin.Context) {
	var req AssessRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	out, err := h.sessions.Assess(c.Request.Context(), c.Param("id"), lifecycle.Options{Force: req.Force})
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := AssessResponse{
		SessionID: out.Session.ID,
		Status:    out.Session.AssessmentStatus,
		FromCache: out.FromCache,
		Partial:   out.Partial,
		Result:    out.Result,
	}
	if out.Warning != nil {
		_, code := statusFor(apperr.KindOf(out.Warning))
		resp.Warning = &ErrorResponse{Error: out.Warning.Error(), Code: code}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleEmployeeQuestions returns the employee's priority-ordered batch.
func (h *Handlers) HandleEmployeeQuestions(c *gin.Context) {
	h.selectQuestions(c, c.Param("id"))
}

// HandleQuestions returns a batch without employee history.
func (h *Handlers) HandleQuestions(c *gin.Context) {
	h.selectQuestions(c, "")
}

func (h *Handlers) selectQuestions(c *gin.Context, employeeID string) {
	var q QuestionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}
	sel, err := h.questions.Select(c.Request.Context(), selection.Request{
		EmployeeID: employeeID,
		CompanyID:  q.CompanyID,
		TopicIDs:   q.TopicIDs,
		Limit:      q.Limit,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

// HandleMastery returns one topic's mastery with ?topic_id, otherwise the
// company report with ?company_id.
func (h *Handlers) HandleMastery(c *gin.Context) {
	employeeID := c.Param("id")
	var q MasteryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}

	switch {
	case q.TopicID != "":
		m, err := h.mastery.MasteryOf(c.Request.Context(), employeeID, q.TopicID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, TopicMasteryResponse{EmployeeID: employeeID, TopicID: q.TopicID, Mastery: m})
	case q.CompanyID != "":
		report, err := h.mastery.TopicReport(c.Request.Context(), employeeID, q.CompanyID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, MasteryReportResponse{EmployeeID: employeeID, CompanyID: q.CompanyID, Topics: report})
	default:
		h.writeError(c, apperr.Validation("server.HandleMastery", "company_id or topic_id is required"))
	}
}

func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

func sessionResponse(s *training.Session) SessionResponse {
	return SessionResponse{Session: s, State: s.State()}
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	h.logger.Warn("invalid request", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}

// writeError maps an error kind onto an HTTP status.
func (h *Handlers) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, code := statusFor(kind)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	if id, ok := lifecycle.BlockingSession(err); ok {
		resp.Code = "ANALYSIS_REQUIRED"
		resp.BlockingSessionID = id
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "kind", kind, "error", err)
	} else {
		h.logger.Info("request rejected", "path", c.FullPath(), "kind", kind, "error", err)
	}
	c.JSON(status, resp)
}

func statusFor(kind apperr.Kind) (int, string) {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case apperr.KindConflict:
		return http.StatusConflict, "CONFLICT"
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"
	case apperr.KindValidation:
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case apperr.KindPartialGradingFailure:
		return http.StatusOK, "PARTIAL_GRADING_FAILURE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}
