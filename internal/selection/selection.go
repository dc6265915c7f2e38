// Package selection orders a company's question bank so the persona asks
// what an employee most needs to practice.
package selection

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/abhisek/rehearse/internal/apperr"
	"github.com/abhisek/rehearse/internal/mastery"
	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
)

const (
	// DefaultLimit applies when a request asks for no limit.
	DefaultLimit = 10

	// MaxLimit caps a single selection.
	MaxLimit = 200
)

// Strategy labels describe how a selection was ordered.
const (
	StrategyPriority      = "mastery-priority"
	StrategyNoQuestions   = "no-questions"
	StrategyFallbackBasic = "fallback-basic-order"
)

// Request scopes a selection.
type Request struct {
	// EmployeeID may be empty for anonymous callers.
	EmployeeID string
	// CompanyID is required and bounds the pool.
	CompanyID string
	// TopicIDs narrows the pool to these company topics when non-empty.
	TopicIDs []string
	// Limit bounds the result; 0 means DefaultLimit.
	Limit int
}

// QuestionWithStatus pairs a question with the employee's standing on it.
type QuestionWithStatus struct {
	training.Question
	Status mastery.Status `json:"status"`
}

// Selection is an ordered slice of questions and the strategy used.
type Selection struct {
	Questions []QuestionWithStatus `json:"questions"`
	Strategy  string               `json:"strategy"`
}

// Selector reads the catalog and attempt history; it never writes.
type Selector struct {
	catalog store.CatalogRepo
	tracker *mastery.Tracker
}

// New creates a Selector.
func New(catalog store.CatalogRepo, tracker *mastery.Tracker) *Selector {
	return &Selector{catalog: catalog, tracker: tracker}
}

// bucketOrder is the fixed priority of statuses.
var bucketOrder = []mastery.Status{
	mastery.StatusUnanswered,
	mastery.StatusIncorrect,
	mastery.StatusCorrect,
}

// Select returns the prioritized questions. Unanswered questions come
// first, then incorrect, then correct; within a bucket easier questions
// come first and ties keep insertion order. Identical state always
// yields an identical result.
func (s *Selector) Select(ctx context.Context, req Request) (*Selection, error) {
	const op = "selection.Select"

	if strings.TrimSpace(req.CompanyID) == "" {
		return nil, apperr.Validation(op, "company_id is required")
	}
	limit, err := resolveLimit(req.Limit)
	if err != nil {
		return nil, apperr.E(apperr.KindValidation, op, err.Error(), nil)
	}

	pool, err := s.catalog.ActiveQuestions(ctx, store.QuestionFilter{
		CompanyID: req.CompanyID,
		TopicIDs:  req.TopicIDs,
	})
	if err != nil {
		return nil, apperr.E(apperr.KindInternal, op, "load question pool", err)
	}
	if len(pool) == 0 {
		return &Selection{Questions: []QuestionWithStatus{}, Strategy: StrategyNoQuestions}, nil
	}

	if req.EmployeeID == "" {
		ordered := make([]QuestionWithStatus, len(pool))
		for i, q := range pool {
			ordered[i] = QuestionWithStatus{Question: q, Status: mastery.StatusUnanswered}
		}
		sortBucket(ordered)
		return &Selection{Questions: truncate(ordered, limit), Strategy: StrategyFallbackBasic}, nil
	}

	ids := make([]string, len(pool))
	for i, q := range pool {
		ids[i] = q.ID
	}
	statuses, err := s.tracker.Statuses(ctx, req.EmployeeID, ids)
	if err != nil {
		return nil, apperr.E(apperr.KindInternal, op, "load attempt history", err)
	}

	buckets := make(map[mastery.Status][]QuestionWithStatus, len(bucketOrder))
	for _, q := range pool {
		st := statuses[q.ID]
		buckets[st] = append(buckets[st], QuestionWithStatus{Question: q, Status: st})
	}

	ordered := make([]QuestionWithStatus, 0, len(pool))
	for _, st := range bucketOrder {
		b := buckets[st]
		sortBucket(b)
		ordered = append(ordered, b...)
	}
	return &Selection{Questions: truncate(ordered, limit), Strategy: StrategyPriority}, nil
}

func sortBucket(qs []QuestionWithStatus) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].DifficultyLevel != qs[j].DifficultyLevel {
			return qs[i].DifficultyLevel < qs[j].DifficultyLevel
		}
		return qs[i].Position < qs[j].Position
	})
}

func resolveLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("limit must not be negative, got %d", limit)
	case limit == 0:
		return DefaultLimit, nil
	case limit > MaxLimit:
		return MaxLimit, nil
	}
	return limit, nil
}

func truncate(qs []QuestionWithStatus, limit int) []QuestionWithStatus {
	if len(qs) > limit {
		return qs[:limit]
	}
	return qs
}
