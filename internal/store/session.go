package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/sqlgraph"

	"github.com/abhisek/rehearse/internal/training"
	"github.com/abhisek/rehearse/internal/transcript"
)

const sessionsTable = "training_sessions"

var sessionColumns = []string{
	"id", "employee_id", "scenario_id", "mode", "conversation_ref",
	"transcript", "duration_seconds", "assessment_status", "assessment_result",
	"started_at", "ended_at", "transcript_fetched_at", "updated_at",
}

// sessionRepo implements SessionRepo on the ent SQL driver.
type sessionRepo struct {
	drv *entsql.Driver
}

func (r *sessionRepo) Insert(ctx context.Context, s *training.Session) error {
	values, err := sessionValues(s)
	if err != nil {
		return err
	}

	query, args := entsql.Dialect(dialect.SQLite).
		Insert(sessionsTable).
		Columns(sessionColumns...).
		Values(values...).
		Query()

	if err := r.drv.Exec(ctx, query, args, nil); err != nil {
		if sqlgraph.IsUniqueConstraintError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

// insertGatedQuery inserts only while the latest other session for the
// same employee, scenario, and mode is completed, or none exists. The
// check and the write are one statement.
var insertGatedQuery = `INSERT INTO ` + sessionsTable + ` (` + strings.Join(sessionColumns, ", ") + `)
	SELECT ` + strings.TrimSuffix(strings.Repeat("?, ", len(sessionColumns)), ", ") + `
	WHERE COALESCE((
		SELECT assessment_status FROM ` + sessionsTable + `
		WHERE employee_id = ? AND scenario_id = ? AND mode = ? AND id <> ?
		ORDER BY started_at DESC, seq DESC
		LIMIT 1
	), ?) = ?`

func (r *sessionRepo) InsertGated(ctx context.Context, s *training.Session) (bool, error) {
	values, err := sessionValues(s)
	if err != nil {
		return false, err
	}
	completed := string(training.StatusCompleted)
	args := append(values, s.EmployeeID, s.ScenarioID, string(s.Mode), s.ID, completed, completed)

	n, err := r.exec(ctx, insertGatedQuery, args)
	if err != nil {
		if sqlgraph.IsUniqueConstraintError(err) {
			return false, ErrAlreadyExists
		}
		return false, fmt.Errorf("insert gated session %s: %w", s.ID, err)
	}
	return n > 0, nil
}

// sessionValues returns s in sessionColumns order.
func sessionValues(s *training.Session) ([]any, error) {
	turns, err := encodeTurns(s.Transcript)
	if err != nil {
		return nil, err
	}
	result, err := encodeResult(s.AssessmentResult)
	if err != nil {
		return nil, err
	}

	status := s.AssessmentStatus
	if status == "" {
		status = training.StatusPending
	}
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = s.StartedAt
	}
	return []any{
		s.ID, s.EmployeeID, s.ScenarioID, string(s.Mode), nullString(s.ConversationRef),
		turns, s.DurationSeconds, string(status), result,
		toMillis(s.StartedAt), nullMillis(s.EndedAt), nullMillis(s.TranscriptFetchedAt), toMillis(updated),
	}, nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*training.Session, error) {
	query, args := entsql.Dialect(dialect.SQLite).
		Select(sessionColumns...).
		From(entsql.Table(sessionsTable)).
		Where(entsql.EQ("id", id)).
		Limit(1).
		Query()

	sessions, err := r.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return sessions[0], nil
}

func (r *sessionRepo) LatestPrior(ctx context.Context, employeeID, scenarioID string, mode training.Mode, excludeID string) (*training.Session, error) {
	query, args := entsql.Dialect(dialect.SQLite).
		Select(sessionColumns...).
		From(entsql.Table(sessionsTable)).
		Where(entsql.And(
			entsql.EQ("employee_id", employeeID),
			entsql.EQ("scenario_id", scenarioID),
			entsql.EQ("mode", string(mode)),
			entsql.NEQ("id", excludeID),
		)).
		OrderBy(entsql.Desc("started_at"), entsql.Desc("seq")).
		Limit(1).
		Query()

	sessions, err := r.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("latest prior session: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

func (r *sessionRepo) SetConversationRef(ctx context.Context, id, ref string) (bool, error) {
	query, args := entsql.Dialect(dialect.SQLite).
		Update(sessionsTable).
		Set("conversation_ref", ref).
		Set("updated_at", toMillis(time.Now())).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.Or(entsql.IsNull("conversation_ref"), entsql.EQ("conversation_ref", ref)),
		)).
		Query()

	n, err := r.exec(ctx, query, args)
	if err != nil {
		return false, fmt.Errorf("link session %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *sessionRepo) SaveTranscript(ctx context.Context, id string, turns []transcript.Turn, durationSeconds int, fetchedAt time.Time) (bool, error) {
	encoded, err := encodeTurns(turns)
	if err != nil {
		return false, err
	}

	query, args := entsql.Dialect(dialect.SQLite).
		Update(sessionsTable).
		Set("transcript", encoded).
		Set("duration_seconds", durationSeconds).
		Set("transcript_fetched_at", toMillis(fetchedAt)).
		Set("updated_at", toMillis(time.Now())).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("assessment_status", string(training.StatusPending)),
			entsql.ExprP("json_array_length(transcript) <= ?", len(turns)),
		)).
		Query()

	n, err := r.exec(ctx, query, args)
	if err != nil {
		return false, fmt.Errorf("save transcript %s: %w", id, err)
	}
	if n > 0 {
		return true, nil
	}
	s, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if s.AssessmentStatus != training.StatusPending {
		return false, ErrAssessed
	}
	return false, nil
}

func (r *sessionRepo) SaveAssessment(ctx context.Context, id string, status training.AssessmentStatus, result *training.AssessmentResult, endedAt time.Time) error {
	encoded, err := encodeResult(result)
	if err != nil {
		return err
	}

	update := entsql.Dialect(dialect.SQLite).
		Update(sessionsTable).
		Set("assessment_status", string(status)).
		Set("ended_at", toMillis(endedAt)).
		Set("updated_at", toMillis(time.Now()))
	if encoded == nil {
		update = update.SetNull("assessment_result")
	} else {
		update = update.Set("assessment_result", encoded)
	}
	query, args := update.Where(entsql.EQ("id", id)).Query()

	n, err := r.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("save assessment %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepo) ListStaleLinked(ctx context.Context, cutoff time.Time, limit int) ([]*training.Session, error) {
	sel := entsql.Dialect(dialect.SQLite).
		Select(sessionColumns...).
		From(entsql.Table(sessionsTable)).
		Where(entsql.And(
			entsql.EQ("assessment_status", string(training.StatusPending)),
			entsql.NotNull("conversation_ref"),
			entsql.IsNull("transcript_fetched_at"),
			entsql.LT("updated_at", toMillis(cutoff)),
		)).
		OrderBy(entsql.Asc("updated_at"))
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	query, args := sel.Query()

	sessions, err := r.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("list stale linked sessions: %w", err)
	}
	return sessions, nil
}

func (r *sessionRepo) query(ctx context.Context, query string, args []any) ([]*training.Session, error) {
	rows := &entsql.Rows{}
	if err := r.drv.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*training.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepo) exec(ctx context.Context, query string, args []any) (int64, error) {
	var res sql.Result
	if err := r.drv.Exec(ctx, query, args, &res); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*training.Session, error) {
	var (
		s         training.Session
		mode      string
		status    string
		ref       sql.NullString
		turns     string
		result    sql.NullString
		startedAt int64
		updatedAt int64
		endedAt   sql.NullInt64
		fetchedAt sql.NullInt64
	)
	err := sc.Scan(
		&s.ID, &s.EmployeeID, &s.ScenarioID, &mode, &ref,
		&turns, &s.DurationSeconds, &status, &result,
		&startedAt, &endedAt, &fetchedAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.Mode = training.Mode(mode)
	s.AssessmentStatus = training.AssessmentStatus(status)
	s.ConversationRef = ref.String
	s.StartedAt = fromMillis(startedAt)
	s.UpdatedAt = fromMillis(updatedAt)
	s.EndedAt = timePtr(endedAt)
	s.TranscriptFetchedAt = timePtr(fetchedAt)

	if err := json.Unmarshal([]byte(turns), &s.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript of %s: %w", s.ID, err)
	}
	if result.Valid && result.String != "" {
		r, err := training.DecodeResult([]byte(result.String))
		if err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", s.ID, err)
		}
		s.AssessmentResult = r
	}
	return &s, nil
}

func encodeTurns(turns []transcript.Turn) (string, error) {
	if turns == nil {
		turns = []transcript.Turn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return string(b), nil
}

// encodeResult returns nil for a nil result so the column stays NULL.
func encodeResult(r *training.AssessmentResult) (any, error) {
	if r == nil {
		return nil, nil
	}
	b, err := training.EncodeResult(r)
	if err != nil {
		return nil, fmt.Errorf("encode assessment result: %w", err)
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
