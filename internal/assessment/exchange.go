package assessment

import (
	"strings"
	"unicode/utf8"

	"github.com/abhisek/rehearse/internal/transcript"
)

// DefaultMinAnswerLength is the rune count below which a reply such as
// "yes" or "uh huh" is not treated as an answer.
const DefaultMinAnswerLength = 10

// Exchange is one question asked by the persona and the trainee's reply.
type Exchange struct {
	// Index is 1-based among substantive exchanges, in transcript order.
	Index    int
	Question string
	Answer   string
}

// PairExchanges walks the turns and pairs the last assistant turn before
// each run of user turns with that run's joined text. User turns before
// the first assistant turn have nothing to answer and are skipped.
func PairExchanges(turns []transcript.Turn, minAnswerLength int) []Exchange {
	var (
		out      []Exchange
		question string
		answer   []string
	)

	flush := func() {
		if question == "" || len(answer) == 0 {
			answer = nil
			return
		}
		text := strings.Join(answer, " ")
		answer = nil
		if utf8.RuneCountInString(text) < minAnswerLength {
			return
		}
		out = append(out, Exchange{Index: len(out) + 1, Question: question, Answer: text})
		question = ""
	}

	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch t.Speaker {
		case transcript.SpeakerAssistant:
			flush()
			question = text
		default:
			answer = append(answer, text)
		}
	}
	flush()
	return out
}
