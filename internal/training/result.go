package training

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResultSchemaVersion is the current AssessmentResult encoding version.
// Bump it whenever a variant's shape changes.
const ResultSchemaVersion = 1

// ResultKind tags the AssessmentResult variant.
type ResultKind string

const (
	// ResultGraded is a scored knowledge assessment.
	ResultGraded ResultKind = "graded"
	// ResultRecorded is a session kept for review without grading.
	ResultRecorded ResultKind = "recorded"
	// ResultFailed records why grading could not complete.
	ResultFailed ResultKind = "failed"
)

// AssessmentResult is a tagged union: exactly one of Graded, Recorded or
// Failed is set, matching Kind.
type AssessmentResult struct {
	Version    int             `json:"version"`
	Kind       ResultKind      `json:"kind"`
	AssessedAt time.Time       `json:"assessed_at"`
	Graded     *GradedResult   `json:"graded,omitempty"`
	Recorded   *RecordedResult `json:"recorded,omitempty"`
	Failed     *FailedResult   `json:"failed,omitempty"`
}

// Summary aggregates graded exchanges.
type Summary struct {
	TotalQuestions   int `json:"total_questions"`
	CorrectAnswers   int `json:"correct_answers"`
	IncorrectAnswers int `json:"incorrect_answers"`
	Accuracy         int `json:"accuracy"`
}

// QuestionResult is the grading outcome for one exchange.
type QuestionResult struct {
	ExchangeIndex int    `json:"exchange_index"`
	QuestionID    string `json:"question_id"`
	AskedText     string `json:"asked_text"`
	AnswerText    string `json:"answer_text"`
	Score         int    `json:"score"`
	IsCorrect     bool   `json:"is_correct"`
	Feedback      string `json:"feedback,omitempty"`
}

// UngradedExchange is a matched exchange whose grading call failed.
type UngradedExchange struct {
	ExchangeIndex int    `json:"exchange_index"`
	QuestionID    string `json:"question_id"`
	Reason        string `json:"reason"`
}

// GradedResult is the payload of a ResultGraded.
type GradedResult struct {
	Summary   Summary            `json:"summary"`
	Results   []QuestionResult   `json:"results"`
	Ungraded  []UngradedExchange `json:"ungraded,omitempty"`
	Unmatched int                `json:"unmatched_exchanges"`
}

// Partial reports whether some matched exchanges went ungraded.
func (g *GradedResult) Partial() bool {
	return len(g.Ungraded) > 0
}

// RecordedResult is the payload of a ResultRecorded.
type RecordedResult struct {
	Mode            Mode `json:"mode"`
	TurnCount       int  `json:"turn_count"`
	DurationSeconds int  `json:"duration_seconds"`
}

// FailedResult is the payload of a ResultFailed.
type FailedResult struct {
	Reason    string `json:"reason"`
	Exchanges int    `json:"exchanges"`
}

// NewSummary computes accuracy as round(correct/total*100); an empty set
// has accuracy 0.
func NewSummary(correct, incorrect int) Summary {
	total := correct + incorrect
	return Summary{
		TotalQuestions:   total,
		CorrectAnswers:   correct,
		IncorrectAnswers: incorrect,
		Accuracy:         Percent(correct, total),
	}
}

// Percent returns round(part/total*100), or 0 when total is 0.
func Percent(part, total int) int {
	if total <= 0 {
		return 0
	}
	return (part*200 + total) / (total * 2)
}

// Validate checks that the variant fields agree with Kind.
func (r *AssessmentResult) Validate() error {
	if r.Version != ResultSchemaVersion {
		return fmt.Errorf("unsupported assessment result version %d", r.Version)
	}
	set := 0
	for _, ok := range []bool{r.Graded != nil, r.Recorded != nil, r.Failed != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("assessment result must carry exactly one variant, has %d", set)
	}
	switch r.Kind {
	case ResultGraded:
		if r.Graded == nil {
			return fmt.Errorf("graded result without graded payload")
		}
	case ResultRecorded:
		if r.Recorded == nil {
			return fmt.Errorf("recorded result without recorded payload")
		}
	case ResultFailed:
		if r.Failed == nil {
			return fmt.Errorf("failed result without failure payload")
		}
	default:
		return fmt.Errorf("unknown assessment result kind %q", r.Kind)
	}
	return nil
}

// EncodeResult validates and serializes a result for storage.
func EncodeResult(r *AssessmentResult) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeResult parses a stored result and rejects unknown versions.
func DecodeResult(b []byte) (*AssessmentResult, error) {
	var r AssessmentResult
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode assessment result: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
