// Package lifecycle drives a training session from creation through
// transcript retrieval to a stored assessment.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/abhisek/rehearse/internal/apperr"
	"github.com/abhisek/rehearse/internal/assessment"
	"github.com/abhisek/rehearse/internal/convai"
	"github.com/abhisek/rehearse/internal/metrics"
	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
)

// DefaultPipelineTimeout bounds a whole assessment run.
const DefaultPipelineTimeout = 5 * time.Minute

// Config holds controller settings.
type Config struct {
	PipelineTimeout time.Duration `env:"PIPELINE_TIMEOUT" envDefault:"5m"`
}

// Conversations reads calls from the conversational-AI provider.
type Conversations interface {
	GetConversation(ctx context.Context, ref string) (*convai.Conversation, error)
	GetTranscript(ctx context.Context, ref string) ([]byte, error)
}

// Assessor grades a transcript against a question bank.
type Assessor interface {
	Assess(ctx context.Context, in assessment.Input) (*assessment.Report, error)
}

// Controller is the only writer of assessment state.
type Controller struct {
	sessions store.SessionRepo
	catalog  store.CatalogRepo
	convs    Conversations
	engine   Assessor
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

func WithNow(fn func() time.Time) Option { return func(c *Controller) { c.now = fn } }

// New creates a Controller. convs may be nil when no provider is
// configured; linked sessions then cannot fetch transcripts.
func New(sessions store.SessionRepo, catalog store.CatalogRepo, convs Conversations, engine Assessor, cfg Config, opts ...Option) *Controller {
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = DefaultPipelineTimeout
	}
	c := &Controller{
		sessions: sessions,
		catalog:  catalog,
		convs:    convs,
		engine:   engine,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StartRequest creates a session.
type StartRequest struct {
	ID         string
	EmployeeID string
	ScenarioID string
	Mode       training.Mode
	// StartedAt defaults to now.
	StartedAt time.Time
}

// StartResult reports the stored session and whether this call created it.
type StartResult struct {
	Session *training.Session
	Created bool
}

// Start writes a session once per ID. Repeating the call, or losing an
// insert race, returns the stored record with Created false.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	const op = "lifecycle.Start"

	if err := validateStart(req); err != nil {
		return nil, apperr.E(apperr.KindValidation, op, err.Error(), nil)
	}
	log := c.logger.With("session_id", req.ID, "employee_id", req.EmployeeID, "scenario_id", req.ScenarioID)

	existing, err := c.sessions.Get(ctx, req.ID)
	switch {
	case err == nil:
		return c.existing(op, req, existing)
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeErr(op, req.ID, err)
	}

	if _, err := c.catalog.Scenario(ctx, req.ScenarioID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(op, "scenario %s not found", req.ScenarioID)
		}
		return nil, apperr.E(apperr.KindInternal, op, "load scenario", err)
	}

	gated := req.Mode == training.ModeTheory
	if gated {
		if err := c.gate(ctx, op, req, log); err != nil {
			return nil, err
		}
	}

	startedAt := req.StartedAt
	if startedAt.IsZero() {
		startedAt = c.now()
	}
	s := &training.Session{
		ID:               req.ID,
		EmployeeID:       req.EmployeeID,
		ScenarioID:       req.ScenarioID,
		Mode:             req.Mode,
		Transcript:       []transcript.Turn{},
		AssessmentStatus: training.StatusPending,
		StartedAt:        startedAt,
		UpdatedAt:        startedAt,
	}

	inserted := true
	if gated {
		inserted, err = c.sessions.InsertGated(ctx, s)
	} else {
		err = c.sessions.Insert(ctx, s)
	}
	if err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, storeErr(op, req.ID, err)
		}
		won, err := c.sessions.Get(ctx, req.ID)
		if err != nil {
			return nil, storeErr(op, req.ID, err)
		}
		log.Debug("insert race lost, returning stored session")
		return c.existing(op, req, won)
	}
	if !inserted {
		// A concurrent Start created the blocking session after the check.
		if err := c.gate(ctx, op, req, log); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict(op, "session %s was refused by a concurrent start", req.ID)
	}

	stored, err := c.sessions.Get(ctx, req.ID)
	if err != nil {
		return nil, storeErr(op, req.ID, err)
	}
	c.metrics.SessionStarted(string(req.Mode), true)
	log.Info("session started", "mode", req.Mode)
	return &StartResult{Session: stored, Created: true}, nil
}

// gate refuses a theory session while the latest prior one is not completed.
func (c *Controller) gate(ctx context.Context, op string, req StartRequest, log *slog.Logger) error {
	prior, err := c.sessions.LatestPrior(ctx, req.EmployeeID, req.ScenarioID, training.ModeTheory, req.ID)
	if err != nil {
		return apperr.E(apperr.KindInternal, op, "load prior session", err)
	}
	if prior == nil || prior.AssessmentStatus == training.StatusCompleted {
		return nil
	}
	c.metrics.GateRefused()
	log.Info("session refused, prior not assessed", "blocking_session_id", prior.ID, "blocking_status", prior.AssessmentStatus)
	return apperr.E(apperr.KindConflict, op, "", &AnalysisRequiredError{BlockingSessionID: prior.ID})
}

// existing accepts a repeated Start only when it describes the same session.
func (c *Controller) existing(op string, req StartRequest, s *training.Session) (*StartResult, error) {
	if s.EmployeeID != req.EmployeeID || s.ScenarioID != req.ScenarioID || s.Mode != req.Mode {
		return nil, apperr.Conflict(op, "session %s already exists for a different employee, scenario or mode", req.ID)
	}
	c.metrics.SessionStarted(string(req.Mode), false)
	return &StartResult{Session: s, Created: false}, nil
}

func validateStart(req StartRequest) error {
	var missing []string
	if strings.TrimSpace(req.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(req.EmployeeID) == "" {
		missing = append(missing, "employee_id")
	}
	if strings.TrimSpace(req.ScenarioID) == "" {
		missing = append(missing, "scenario_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("unknown mode %q", req.Mode)
	}
	return nil
}

// Get returns a session.
func (c *Controller) Get(ctx context.Context, id string) (*training.Session, error) {
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, storeErr("lifecycle.Get", id, err)
	}
	return s, nil
}

// Link attaches the provider conversation and fetches its transcript. A
// repeated link with the same ref is a no-op; a different ref conflicts.
// When the fetch fails the session stays linked and the error is
// UpstreamUnavailable. Relinking an assessed session with its own ref
// returns it unchanged.
func (c *Controller) Link(ctx context.Context, id, ref string) (*training.Session, error) {
	const op = "lifecycle.Link"

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.Validation(op, "conversation_ref is required")
	}
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	if s.AssessmentStatus != training.StatusPending {
		if s.ConversationRef == ref {
			return s, nil
		}
		return nil, apperr.Conflict(op, "session %s is already assessed", id)
	}

	ok, err := c.sessions.SetConversationRef(ctx, id, ref)
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	if !ok {
		return nil, apperr.Conflict(op, "session %s is linked to a different conversation", id)
	}
	c.logger.Info("session linked", "session_id", id, "conversation_ref", ref)
	return c.FetchTranscript(ctx, id)
}

// FetchTranscript pulls metadata and transcript from the provider and
// stores the normalized turns unless the stored transcript is longer.
// The transcript is frozen once the session has been assessed.
func (c *Controller) FetchTranscript(ctx context.Context, id string) (*training.Session, error) {
	const op = "lifecycle.FetchTranscript"

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	if s.AssessmentStatus != training.StatusPending {
		return nil, apperr.Conflict(op, "session %s is already assessed", id)
	}
	if s.ConversationRef == "" {
		return nil, apperr.Validation(op, "session %s has no conversation reference", id)
	}
	if c.convs == nil {
		return nil, apperr.Upstream(op, errors.New("conversational-AI provider not configured"))
	}
	log := c.logger.With("session_id", id, "conversation_ref", s.ConversationRef)

	conv, err := c.convs.GetConversation(ctx, s.ConversationRef)
	if err != nil {
		log.Warn("conversation metadata unavailable", "error", err)
		return nil, apperr.Upstream(op, err)
	}
	payload, err := c.convs.GetTranscript(ctx, s.ConversationRef)
	if err != nil {
		log.Warn("transcript unavailable", "error", err)
		return nil, apperr.Upstream(op, err)
	}

	turns := transcript.Normalize(payload)
	duration := reconcileDuration(conv.Metadata.CallDurationSecs, turns, s.DurationSeconds)

	saved, err := c.sessions.SaveTranscript(ctx, id, turns, duration, c.now())
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	if !saved {
		log.Warn("fetched transcript shorter than stored, keeping stored", "fetched_turns", len(turns), "stored_turns", len(s.Transcript))
	} else {
		log.Info("transcript fetched", "turns", len(turns), "duration_seconds", duration)
	}
	return c.Get(ctx, id)
}

// SubmitTranscript stores turns sent by a text-mode client. The turns go
// through the same cleaning as provider transcripts and may not shrink the
// stored transcript. durationSeconds <= 0 derives the duration.
func (c *Controller) SubmitTranscript(ctx context.Context, id string, turns []transcript.Turn, durationSeconds int) (*training.Session, error) {
	const op = "lifecycle.SubmitTranscript"

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	if s.AssessmentStatus != training.StatusPending {
		return nil, apperr.Conflict(op, "session %s is already assessed", id)
	}

	cleaned := transcript.Clean(turns)
	duration := reconcileDuration(durationSeconds, cleaned, s.DurationSeconds)
	saved, err := c.sessions.SaveTranscript(ctx, id, cleaned, duration, c.now())
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	if !saved {
		return nil, apperr.Conflict(op, "transcript would shrink from %d to %d turns", len(s.Transcript), len(cleaned))
	}
	c.logger.Info("transcript submitted", "session_id", id, "turns", len(cleaned))
	return c.Get(ctx, id)
}

// reconcileDuration prefers the reported duration, then the span of the
// turns, then the previous value.
func reconcileDuration(reported int, turns []transcript.Turn, previous int) int {
	if reported > 0 {
		return reported
	}
	if span, ok := transcript.Span(turns); ok {
		return int(math.Round(span.Seconds()))
	}
	return previous
}
