// Package assessment turns a session transcript into graded question
// results and records the employee's attempts.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/abhisek/rehearse/internal/metrics"
	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
)

// ErrGradingUnavailable is returned when every grading call of a run fails.
var ErrGradingUnavailable = errors.New("grading service unavailable")

// Report is the engine's output.
type Report = training.GradedResult

// Config tunes pairing, matching and grading fan-out.
type Config struct {
	MinAnswerLength int     `env:"MIN_ANSWER_LENGTH" envDefault:"10"`
	MatchThreshold  float64 `env:"MATCH_THRESHOLD" envDefault:"0.6"`
	Concurrency     int     `env:"GRADING_CONCURRENCY" envDefault:"4"`

	// RatePerSecond limits grading calls; 0 disables the limiter.
	RatePerSecond float64 `env:"GRADING_RATE" envDefault:"0"`
	Burst         int     `env:"GRADING_BURST" envDefault:"1"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		MinAnswerLength: DefaultMinAnswerLength,
		MatchThreshold:  DefaultMatchThreshold,
		Concurrency:     4,
		Burst:           1,
	}
}

// Input is everything one run needs.
type Input struct {
	SessionID  string
	EmployeeID string
	Transcript []transcript.Turn
	// Bank is the active question pool for the session's topics.
	Bank []training.Question
}

// Engine grades transcripts.
type Engine struct {
	grader   Grader
	attempts store.AttemptRepo
	cfg      Config
	matcher  Matcher
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMatcher replaces the default similarity matcher.
func WithMatcher(m Matcher) Option { return func(e *Engine) { e.matcher = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics records grading calls.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithNow sets the clock stamped onto attempts.
func WithNow(fn func() time.Time) Option { return func(e *Engine) { e.now = fn } }

// WithLimiter overrides the limiter built from Config.
func WithLimiter(l *rate.Limiter) Option { return func(e *Engine) { e.limiter = l } }

// New creates an Engine.
func New(grader Grader, attempts store.AttemptRepo, cfg Config, opts ...Option) *Engine {
	if cfg.MinAnswerLength <= 0 {
		cfg.MinAnswerLength = DefaultMinAnswerLength
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	e := &Engine{
		grader:   grader,
		attempts: attempts,
		cfg:      cfg,
		matcher:  NewSimilarityMatcher(cfg.MatchThreshold),
		logger:   slog.Default(),
		now:      time.Now,
	}
	if cfg.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type matched struct {
	exchange Exchange
	question training.Question
}

type outcome struct {
	grade *Grade
	err   error
}

// Assess pairs, matches and grades the transcript. A failed grading call
// leaves its exchange ungraded; only when all calls fail does Assess
// return ErrGradingUnavailable. Attempts for graded exchanges are
// upserted before returning.
func (e *Engine) Assess(ctx context.Context, in Input) (*Report, error) {
	log := e.logger.With("session_id", in.SessionID, "employee_id", in.EmployeeID)

	exchanges := PairExchanges(in.Transcript, e.cfg.MinAnswerLength)
	work, unmatched := e.match(exchanges, in.Bank)
	log.Debug("exchanges paired", "exchanges", len(exchanges), "matched", len(work), "unmatched", unmatched)

	report := &Report{
		Summary:   training.NewSummary(0, 0),
		Results:   []training.QuestionResult{},
		Unmatched: unmatched,
	}
	if len(work) == 0 {
		return report, nil
	}

	outcomes := make([]outcome, len(work))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, w := range work {
		g.Go(func() error {
			outcomes[i] = e.grade(ctx, w)
			return nil
		})
	}
	_ = g.Wait()

	gradedAt := e.now()
	correct, incorrect := 0, 0
	var lastErr error
	for i, w := range work {
		o := outcomes[i]
		if o.err != nil {
			lastErr = o.err
			e.metrics.GradingCall("error")
			log.Warn("grading failed", "exchange_index", w.exchange.Index, "question_id", w.question.ID, "error", o.err)
			report.Ungraded = append(report.Ungraded, training.UngradedExchange{
				ExchangeIndex: w.exchange.Index,
				QuestionID:    w.question.ID,
				Reason:        o.err.Error(),
			})
			continue
		}
		e.metrics.GradingCall("ok")
		if o.grade.IsCorrect {
			correct++
		} else {
			incorrect++
		}
		report.Results = append(report.Results, training.QuestionResult{
			ExchangeIndex: w.exchange.Index,
			QuestionID:    w.question.ID,
			AskedText:     w.exchange.Question,
			AnswerText:    w.exchange.Answer,
			Score:         o.grade.Score,
			IsCorrect:     o.grade.IsCorrect,
			Feedback:      o.grade.Feedback,
		})
	}

	if len(report.Results) == 0 {
		return nil, fmt.Errorf("%w: %d of %d calls failed: %w", ErrGradingUnavailable, len(work), len(work), lastErr)
	}
	report.Summary = training.NewSummary(correct, incorrect)
	slices.SortFunc(report.Results, func(a, b training.QuestionResult) int { return a.ExchangeIndex - b.ExchangeIndex })
	slices.SortFunc(report.Ungraded, func(a, b training.UngradedExchange) int { return a.ExchangeIndex - b.ExchangeIndex })

	if in.EmployeeID != "" {
		for _, r := range report.Results {
			err := e.attempts.Upsert(ctx, training.Attempt{
				EmployeeID: in.EmployeeID,
				QuestionID: r.QuestionID,
				SessionID:  in.SessionID,
				IsCorrect:  r.IsCorrect,
				Score:      r.Score,
				AnswerText: r.AnswerText,
				Feedback:   r.Feedback,
				GradedAt:   gradedAt,
			})
			if err != nil {
				return nil, fmt.Errorf("record attempt: %w", err)
			}
		}
	}

	log.Info("assessment graded",
		"total", report.Summary.TotalQuestions,
		"accuracy", report.Summary.Accuracy,
		"ungraded", len(report.Ungraded))
	return report, nil
}

// match resolves each exchange to a question. When the persona asks the
// same question twice, only the later exchange is graded.
func (e *Engine) match(exchanges []Exchange, bank []training.Question) ([]matched, int) {
	var (
		work      []matched
		unmatched int
		byID      = make(map[string]int)
	)
	for _, ex := range exchanges {
		q, ok := e.matcher.Match(ex.Question, bank)
		if !ok {
			unmatched++
			continue
		}
		if i, seen := byID[q.ID]; seen {
			work[i] = matched{exchange: ex, question: q}
			continue
		}
		byID[q.ID] = len(work)
		work = append(work, matched{exchange: ex, question: q})
	}
	return work, unmatched
}

func (e *Engine) grade(ctx context.Context, w matched) outcome {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return outcome{err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}
	g, err := e.grader.Grade(ctx, GradeRequest{
		Question:        w.question.Prompt,
		CanonicalAnswer: w.question.CanonicalAnswer,
		Answer:          w.exchange.Answer,
	})
	if err == nil && g == nil {
		err = errors.New("grader returned no grade")
	}
	return outcome{grade: g, err: err}
}
