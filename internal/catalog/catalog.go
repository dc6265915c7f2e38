// Package catalog loads topic, question and scenario bundles into the
// store.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
)

// Bundle is the on-disk import format.
type Bundle struct {
	CompanyID string     `json:"company_id"`
	Topics    []Topic    `json:"topics"`
	Questions []Question `json:"questions"`
	Scenarios []Scenario `json:"scenarios"`
}

type Topic struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Question omits is_active to mean active.
type Question struct {
	ID              string `json:"id"`
	TopicID         string `json:"topic_id"`
	Prompt          string `json:"prompt"`
	CanonicalAnswer string `json:"canonical_answer"`
	DifficultyLevel int    `json:"difficulty_level"`
	IsActive        *bool  `json:"is_active,omitempty"`
}

type Scenario struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	TopicIDs []string `json:"topic_ids"`
}

// Counts reports how many records an import wrote.
type Counts struct {
	Topics    int
	Questions int
	Scenarios int
}

// Decode parses and validates a bundle.
func Decode(r io.Reader) (*Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate performs all structural checks and returns one error listing
// every problem found.
func (b *Bundle) Validate() error {
	var errs []string

	if strings.TrimSpace(b.CompanyID) == "" {
		errs = append(errs, "company_id is required")
	}

	topics := make(map[string]bool, len(b.Topics))
	for _, t := range b.Topics {
		switch {
		case t.ID == "":
			errs = append(errs, "topic with empty id")
		case topics[t.ID]:
			errs = append(errs, fmt.Sprintf("duplicate topic ID: %q", t.ID))
		}
		topics[t.ID] = true
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Sprintf("topic %q has no name", t.ID))
		}
	}

	questions := make(map[string]bool, len(b.Questions))
	for _, q := range b.Questions {
		switch {
		case q.ID == "":
			errs = append(errs, "question with empty id")
		case questions[q.ID]:
			errs = append(errs, fmt.Sprintf("duplicate question ID: %q", q.ID))
		}
		questions[q.ID] = true
		if !topics[q.TopicID] {
			errs = append(errs, fmt.Sprintf("question %q references nonexistent topic %q", q.ID, q.TopicID))
		}
		if strings.TrimSpace(q.Prompt) == "" {
			errs = append(errs, fmt.Sprintf("question %q has no prompt", q.ID))
		}
		if strings.TrimSpace(q.CanonicalAnswer) == "" {
			errs = append(errs, fmt.Sprintf("question %q has no canonical answer", q.ID))
		}
		if q.DifficultyLevel < 0 {
			errs = append(errs, fmt.Sprintf("question %q: difficulty_level must be >= 0, got %d", q.ID, q.DifficultyLevel))
		}
	}

	scenarios := make(map[string]bool, len(b.Scenarios))
	for _, s := range b.Scenarios {
		switch {
		case s.ID == "":
			errs = append(errs, "scenario with empty id")
		case scenarios[s.ID]:
			errs = append(errs, fmt.Sprintf("duplicate scenario ID: %q", s.ID))
		}
		scenarios[s.ID] = true
		for _, tid := range s.TopicIDs {
			if !topics[tid] {
				errs = append(errs, fmt.Sprintf("scenario %q references nonexistent topic %q", s.ID, tid))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("catalog validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// Import upserts the bundle: topics first so questions and scenarios can
// reference them. Re-importing the same bundle is a no-op apart from
// updated fields.
func Import(ctx context.Context, repo store.CatalogRepo, b *Bundle) (Counts, error) {
	var c Counts
	for _, t := range b.Topics {
		if err := repo.UpsertTopic(ctx, training.Topic{ID: t.ID, CompanyID: b.CompanyID, Name: t.Name}); err != nil {
			return c, fmt.Errorf("import topic %s: %w", t.ID, err)
		}
		c.Topics++
	}
	for _, q := range b.Questions {
		active := q.IsActive == nil || *q.IsActive
		err := repo.UpsertQuestion(ctx, training.Question{
			ID:              q.ID,
			TopicID:         q.TopicID,
			Prompt:          q.Prompt,
			CanonicalAnswer: q.CanonicalAnswer,
			DifficultyLevel: q.DifficultyLevel,
			IsActive:        active,
		})
		if err != nil {
			return c, fmt.Errorf("import question %s: %w", q.ID, err)
		}
		c.Questions++
	}
	for _, s := range b.Scenarios {
		err := repo.UpsertScenario(ctx, training.Scenario{ID: s.ID, CompanyID: b.CompanyID, Title: s.Title, TopicIDs: s.TopicIDs})
		if err != nil {
			return c, fmt.Errorf("import scenario %s: %w", s.ID, err)
		}
		c.Scenarios++
	}
	return c, nil
}
