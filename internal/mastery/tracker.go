// Package mastery derives per-question status and per-topic mastery from
// stored attempts. Nothing here writes: mastery is computed on read.
package mastery

import (
	"context"
	"fmt"

	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
)

// Status is an employee's standing on a single question.
type Status string

const (
	StatusUnanswered Status = "unanswered"
	StatusCorrect    Status = "correct"
	StatusIncorrect  Status = "incorrect"
)

// StatusOf maps the current attempt to a Status. A nil attempt is
// unanswered.
func StatusOf(a *training.Attempt) Status {
	switch {
	case a == nil:
		return StatusUnanswered
	case a.IsCorrect:
		return StatusCorrect
	default:
		return StatusIncorrect
	}
}

// Tracker answers mastery questions over the attempt and catalog stores.
type Tracker struct {
	attempts store.AttemptRepo
	catalog  store.CatalogRepo
}

// NewTracker creates a Tracker.
func NewTracker(attempts store.AttemptRepo, catalog store.CatalogRepo) *Tracker {
	return &Tracker{attempts: attempts, catalog: catalog}
}

// StatusFor returns the employee's status on one question.
func (t *Tracker) StatusFor(ctx context.Context, employeeID, questionID string) (Status, error) {
	statuses, err := t.Statuses(ctx, employeeID, []string{questionID})
	if err != nil {
		return "", err
	}
	return statuses[questionID], nil
}

// Statuses returns a status for every requested question in one read.
// An empty employee ID reports every question unanswered.
func (t *Tracker) Statuses(ctx context.Context, employeeID string, questionIDs []string) (map[string]Status, error) {
	out := make(map[string]Status, len(questionIDs))
	for _, id := range questionIDs {
		out[id] = StatusUnanswered
	}
	if employeeID == "" || len(questionIDs) == 0 {
		return out, nil
	}

	latest, err := t.attempts.Latest(ctx, employeeID, questionIDs)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	for id, a := range latest {
		if _, asked := out[id]; asked {
			out[id] = StatusOf(&a)
		}
	}
	return out, nil
}

// MasteryOf returns the percentage of the topic's active questions the
// employee currently answers correctly, rounded half up. A topic with no
// active questions has mastery 0.
func (t *Tracker) MasteryOf(ctx context.Context, employeeID, topicID string) (int, error) {
	tm, err := t.topicMastery(ctx, employeeID, training.Topic{ID: topicID})
	if err != nil {
		return 0, err
	}
	return tm.Mastery, nil
}

// TopicMastery summarizes one topic for an employee.
type TopicMastery struct {
	TopicID    string `json:"topic_id"`
	TopicName  string `json:"topic_name"`
	Total      int    `json:"total"`
	Correct    int    `json:"correct"`
	Incorrect  int    `json:"incorrect"`
	Unanswered int    `json:"unanswered"`
	Mastery    int    `json:"mastery"`
}

// TopicReport returns mastery for every topic of the company, in topic
// insertion order.
func (t *Tracker) TopicReport(ctx context.Context, employeeID, companyID string) ([]TopicMastery, error) {
	topics, err := t.catalog.Topics(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}

	report := make([]TopicMastery, 0, len(topics))
	for _, topic := range topics {
		tm, err := t.topicMastery(ctx, employeeID, topic)
		if err != nil {
			return nil, err
		}
		report = append(report, tm)
	}
	return report, nil
}

func (t *Tracker) topicMastery(ctx context.Context, employeeID string, topic training.Topic) (TopicMastery, error) {
	tm := TopicMastery{TopicID: topic.ID, TopicName: topic.Name}

	questions, err := t.catalog.ActiveQuestions(ctx, store.QuestionFilter{CompanyID: topic.CompanyID, TopicIDs: []string{topic.ID}})
	if err != nil {
		return tm, fmt.Errorf("load questions for topic %s: %w", topic.ID, err)
	}
	ids := make([]string, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
	}

	statuses, err := t.Statuses(ctx, employeeID, ids)
	if err != nil {
		return tm, err
	}
	for _, s := range statuses {
		switch s {
		case StatusCorrect:
			tm.Correct++
		case StatusIncorrect:
			tm.Incorrect++
		default:
			tm.Unanswered++
		}
	}
	tm.Total = len(ids)
	tm.Mastery = training.Percent(tm.Correct, tm.Total)
	return tm, nil
}
