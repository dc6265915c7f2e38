package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abhisek/rehearse/internal/apperr"
	"github.com/abhisek/rehearse/internal/assessment"
	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
)

// Options tune an assessment request.
type Options struct {
	// Force re-grades a completed session.
	Force bool
}

// Outcome is the result of Assess.
type Outcome struct {
	Session *training.Session
	Result  *training.AssessmentResult
	// FromCache is true when a completed result was returned unchanged.
	FromCache bool
	// Partial is true when some matched exchanges could not be graded.
	Partial bool
	// Warning carries a KindPartialGradingFailure error when Partial is set.
	Warning error
}

// Assess produces the session's assessment. A completed session returns
// its stored result unless opts.Force is set. Modes that are not graded
// get a recorded result. When grading is unreachable the session is
// marked failed and the error is UpstreamUnavailable.
func (c *Controller) Assess(ctx context.Context, id string, opts Options) (*Outcome, error) {
	const op = "lifecycle.Assess"

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PipelineTimeout)
	defer cancel()
	started := time.Now()

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, storeErr(op, id, err)
	}
	log := c.logger.With("session_id", id, "employee_id", s.EmployeeID, "mode", s.Mode)

	if s.AssessmentStatus == training.StatusCompleted && s.AssessmentResult != nil && !opts.Force {
		c.metrics.Assessment("cached", 0)
		log.Debug("assessment served from cache")
		out := &Outcome{Session: s, Result: s.AssessmentResult, FromCache: true}
		out.Partial, out.Warning = partialWarning(op, s.AssessmentResult)
		return out, nil
	}

	if s.AssessmentStatus == training.StatusPending && s.TranscriptFetchedAt == nil && s.ConversationRef != "" {
		if s, err = c.FetchTranscript(ctx, id); err != nil {
			return nil, err
		}
	}

	if !s.Mode.RequiresGrading() {
		result := &training.AssessmentResult{
			Version:    training.ResultSchemaVersion,
			Kind:       training.ResultRecorded,
			AssessedAt: c.now(),
			Recorded: &training.RecordedResult{
				Mode:            s.Mode,
				TurnCount:       len(s.Transcript),
				DurationSeconds: s.DurationSeconds,
			},
		}
		return c.finish(ctx, op, s, training.StatusCompleted, result, "recorded", false, started)
	}

	bank, err := c.bank(ctx, s.ScenarioID)
	if err != nil {
		return nil, apperr.E(apperr.KindOf(err), op, "build question bank", err)
	}

	report, err := c.engine.Assess(ctx, assessment.Input{
		SessionID:  s.ID,
		EmployeeID: s.EmployeeID,
		Transcript: s.Transcript,
		Bank:       bank,
	})
	if errors.Is(err, assessment.ErrGradingUnavailable) {
		result := &training.AssessmentResult{
			Version:    training.ResultSchemaVersion,
			Kind:       training.ResultFailed,
			AssessedAt: c.now(),
			Failed: &training.FailedResult{
				Reason:    err.Error(),
				Exchanges: len(assessment.PairExchanges(s.Transcript, assessment.DefaultMinAnswerLength)),
			},
		}
		log.Warn("grading unavailable, marking session failed", "error", err)
		if _, ferr := c.finish(ctx, op, s, training.StatusFailed, result, "failed", false, started); ferr != nil {
			return nil, ferr
		}
		return nil, apperr.Upstream(op, err)
	}
	if err != nil {
		return nil, apperr.E(apperr.KindInternal, op, "run assessment", err)
	}

	result := &training.AssessmentResult{
		Version:    training.ResultSchemaVersion,
		Kind:       training.ResultGraded,
		AssessedAt: c.now(),
		Graded:     report,
	}
	outcome := "graded"
	if report.Partial() {
		outcome = "partial"
	}
	return c.finish(ctx, op, s, training.StatusCompleted, result, outcome, report.Partial(), started)
}

// finish stores the result and returns the session as read back, so a
// later cache hit returns exactly what this call returned. The write
// survives an expired pipeline budget.
func (c *Controller) finish(ctx context.Context, op string, s *training.Session, status training.AssessmentStatus, result *training.AssessmentResult, outcome string, partial bool, started time.Time) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	if err := c.sessions.SaveAssessment(ctx, s.ID, status, result, c.now()); err != nil {
		return nil, storeErr(op, s.ID, err)
	}
	stored, err := c.sessions.Get(ctx, s.ID)
	if err != nil {
		return nil, storeErr(op, s.ID, err)
	}
	c.metrics.Assessment(outcome, time.Since(started))
	c.logger.Info("session assessed", "session_id", s.ID, "status", status, "kind", result.Kind, "partial", partial)
	out := &Outcome{Session: stored, Result: stored.AssessmentResult}
	out.Partial, out.Warning = partialWarning(op, stored.AssessmentResult)
	return out, nil
}

func partialWarning(op string, r *training.AssessmentResult) (bool, error) {
	if r == nil || r.Graded == nil || !r.Graded.Partial() {
		return false, nil
	}
	return true, apperr.E(apperr.KindPartialGradingFailure, op,
		fmt.Sprintf("%d exchanges could not be graded", len(r.Graded.Ungraded)), nil)
}

// bank returns the active questions for the scenario's topics, or for the
// whole company when the scenario links none.
func (c *Controller) bank(ctx context.Context, scenarioID string) ([]training.Question, error) {
	sc, err := c.catalog.Scenario(ctx, scenarioID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("lifecycle.bank", "scenario %s not found", scenarioID)
	}
	if err != nil {
		return nil, err
	}
	return c.catalog.ActiveQuestions(ctx, store.QuestionFilter{
		CompanyID: sc.CompanyID,
		TopicIDs:  sc.TopicIDs,
	})
}
