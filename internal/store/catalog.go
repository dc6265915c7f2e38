package store

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/sqlgraph"

	"github.com/abhisek/rehearse/internal/training"
)

// catalogRepo implements CatalogRepo on the ent SQL driver.
type catalogRepo struct {
	drv *entsql.Driver
}

func (r *catalogRepo) UpsertTopic(ctx context.Context, t training.Topic) error {
	query, args := entsql.Dialect(dialect.SQLite).
		Insert("topics").
		Columns("id", "company_id", "name").
		Values(t.ID, t.CompanyID, t.Name).
		OnConflict(entsql.ConflictColumns("id"), entsql.ResolveWithNewValues()).
		Query()
	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		return fmt.Errorf("upsert topic %s: %w", t.ID, err)
	}
	return nil
}

func (r *catalogRepo) UpsertQuestion(ctx context.Context, q training.Question) error {
	query, args := entsql.Dialect(dialect.SQLite).
		Insert("questions").
		Columns("id", "topic_id", "prompt", "canonical_answer", "difficulty_level", "is_active").
		Values(q.ID, q.TopicID, q.Prompt, q.CanonicalAnswer, q.DifficultyLevel, q.IsActive).
		OnConflict(entsql.ConflictColumns("id"), entsql.ResolveWithNewValues()).
		Query()
	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		if sqlgraph.IsForeignKeyConstraintError(err) {
			return fmt.Errorf("upsert question %s: unknown topic %s: %w", q.ID, q.TopicID, ErrNotFound)
		}
		return fmt.Errorf("upsert question %s: %w", q.ID, err)
	}
	return nil
}

func (r *catalogRepo) UpsertScenario(ctx context.Context, s training.Scenario) error {
	b := entsql.Dialect(dialect.SQLite)

	query, args := b.Insert("scenarios").
		Columns("id", "company_id", "title").
		Values(s.ID, s.CompanyID, s.Title).
		OnConflict(entsql.ConflictColumns("id"), entsql.ResolveWithNewValues()).
		Query()
	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		return fmt.Errorf("upsert scenario %s: %w", s.ID, err)
	}

	query, args = b.Delete("scenario_topics").Where(entsql.EQ("scenario_id", s.ID)).Query()
	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		return fmt.Errorf("reset scenario topics %s: %w", s.ID, err)
	}
	if len(s.TopicIDs) == 0 {
		return nil
	}

	ins := b.Insert("scenario_topics").Columns("scenario_id", "topic_id")
	for _, tid := range s.TopicIDs {
		ins = ins.Values(s.ID, tid)
	}
	query, args = ins.OnConflict(entsql.DoNothing()).Query()
	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		if sqlgraph.IsForeignKeyConstraintError(err) {
			return fmt.Errorf("link scenario %s: unknown topic: %w", s.ID, ErrNotFound)
		}
		return fmt.Errorf("link scenario %s topics: %w", s.ID, err)
	}
	return nil
}

func (r *catalogRepo) Topic(ctx context.Context, id string) (*training.Topic, error) {
	topics, err := r.topics(ctx, entsql.EQ("id", id))
	if err != nil {
		return nil, fmt.Errorf("get topic %s: %w", id, err)
	}
	if len(topics) == 0 {
		return nil, ErrNotFound
	}
	return &topics[0], nil
}

func (r *catalogRepo) Topics(ctx context.Context, companyID string) ([]training.Topic, error) {
	topics, err := r.topics(ctx, entsql.EQ("company_id", companyID))
	if err != nil {
		return nil, fmt.Errorf("list topics for %s: %w", companyID, err)
	}
	return topics, nil
}

func (r *catalogRepo) topics(ctx context.Context, where *entsql.Predicate) ([]training.Topic, error) {
	query, args := entsql.Dialect(dialect.SQLite).
		Select("id", "company_id", "name").
		From(entsql.Table("topics")).
		Where(where).
		OrderBy(entsql.Asc("position")).
		Query()

	rows := &entsql.Rows{}
	if err := r.drv.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []training.Topic
	for rows.Next() {
		var t training.Topic
		if err := rows.Scan(&t.ID, &t.CompanyID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *catalogRepo) Scenario(ctx context.Context, id string) (*training.Scenario, error) {
	b := entsql.Dialect(dialect.SQLite)

	query, args := b.Select("id", "company_id", "title").
		From(entsql.Table("scenarios")).
		Where(entsql.EQ("id", id)).
		Query()
	var sc *training.Scenario
	err := r.scan(ctx, query, args, func(s scanner) error {
		sc = &training.Scenario{}
		return s.Scan(&sc.ID, &sc.CompanyID, &sc.Title)
	})
	if err != nil {
		return nil, fmt.Errorf("get scenario %s: %w", id, err)
	}
	if sc == nil {
		return nil, ErrNotFound
	}

	query, args = b.Select("topic_id").
		From(entsql.Table("scenario_topics")).
		Where(entsql.EQ("scenario_id", id)).
		OrderBy(entsql.Asc("topic_id")).
		Query()
	err = r.scan(ctx, query, args, func(s scanner) error {
		var tid string
		if err := s.Scan(&tid); err != nil {
			return err
		}
		sc.TopicIDs = append(sc.TopicIDs, tid)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get scenario %s topics: %w", id, err)
	}
	return sc, nil
}

func (r *catalogRepo) ActiveQuestions(ctx context.Context, f QuestionFilter) ([]training.Question, error) {
	// Topics outside the company are never returned.
	topics, err := r.Topics(ctx, f.CompanyID)
	if err != nil {
		return nil, err
	}
	var topicIDs []string
	if len(f.TopicIDs) == 0 {
		for _, t := range topics {
			topicIDs = append(topicIDs, t.ID)
		}
	} else {
		owned := make(map[string]bool, len(topics))
		for _, t := range topics {
			owned[t.ID] = true
		}
		for _, id := range f.TopicIDs {
			if owned[id] {
				topicIDs = append(topicIDs, id)
			}
		}
	}
	if len(topicIDs) == 0 {
		return nil, nil
	}

	query, args := entsql.Dialect(dialect.SQLite).
		Select("id", "topic_id", "prompt", "canonical_answer", "difficulty_level", "is_active", "position").
		From(entsql.Table("questions")).
		Where(entsql.And(
			entsql.In("topic_id", anySlice(topicIDs)...),
			entsql.EQ("is_active", true),
		)).
		OrderBy(entsql.Asc("position")).
		Query()

	var out []training.Question
	err = r.scan(ctx, query, args, func(s scanner) error {
		var q training.Question
		if err := s.Scan(&q.ID, &q.TopicID, &q.Prompt, &q.CanonicalAnswer, &q.DifficultyLevel, &q.IsActive, &q.Position); err != nil {
			return err
		}
		out = append(out, q)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list active questions: %w", err)
	}
	return out, nil
}

func (r *catalogRepo) scan(ctx context.Context, query string, args []any, fn func(scanner) error) error {
	rows := &entsql.Rows{}
	if err := r.drv.Query(ctx, query, args, rows); err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
