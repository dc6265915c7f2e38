package store

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/rehearse/internal/training"
)

// attemptRepo implements AttemptRepo. The (employee_id, question_id)
// primary key keeps a single current attempt per pair.
type attemptRepo struct {
	drv *entsql.Driver
}

func (r *attemptRepo) Upsert(ctx context.Context, a training.Attempt) error {
	query, args := entsql.Dialect(dialect.SQLite).
		Insert("attempts").
		Columns("employee_id", "question_id", "session_id", "is_correct", "score", "answer_text", "feedback", "graded_at").
		Values(a.EmployeeID, a.QuestionID, a.SessionID, a.IsCorrect, a.Score, a.AnswerText, a.Feedback, toMillis(a.GradedAt)).
		OnConflict(
			entsql.ConflictColumns("employee_id", "question_id"),
			entsql.ResolveWithNewValues(),
			entsql.UpdateWhere(entsql.ExprP("excluded.graded_at >= attempts.graded_at")),
		).
		Query()

	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		return fmt.Errorf("upsert attempt %s/%s: %w", a.EmployeeID, a.QuestionID, err)
	}
	return nil
}

func (r *attemptRepo) Latest(ctx context.Context, employeeID string, questionIDs []string) (map[string]training.Attempt, error) {
	where := entsql.EQ("employee_id", employeeID)
	if len(questionIDs) > 0 {
		where = entsql.And(where, entsql.In("question_id", anySlice(questionIDs)...))
	}

	query, args := entsql.Dialect(dialect.SQLite).
		Select("employee_id", "question_id", "session_id", "is_correct", "score", "answer_text", "feedback", "graded_at").
		From(entsql.Table("attempts")).
		Where(where).
		OrderBy(entsql.Desc("graded_at")).
		Query()

	rows := &entsql.Rows{}
	if err := r.drv.Query(ctx, query, args, rows); err != nil {
		return nil, fmt.Errorf("latest attempts for %s: %w", employeeID, err)
	}
	defer rows.Close()

	out := make(map[string]training.Attempt)
	for rows.Next() {
		var (
			a        training.Attempt
			gradedAt int64
		)
		if err := rows.Scan(&a.EmployeeID, &a.QuestionID, &a.SessionID, &a.IsCorrect, &a.Score, &a.AnswerText, &a.Feedback, &gradedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.GradedAt = fromMillis(gradedAt)
		// Rows arrive newest first; keep the first seen per question.
		if _, seen := out[a.QuestionID]; !seen {
			out[a.QuestionID] = a
		}
	}
	return out, rows.Err()
}
