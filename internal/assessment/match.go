package assessment

import (
	"strings"
	"unicode"

	"github.com/abhisek/rehearse/internal/training"
)

// DefaultMatchThreshold is the minimum share of a question's tokens that
// must appear in the persona's wording for a match.
const DefaultMatchThreshold = 0.6

// Matcher finds the canonical question an assistant turn is asking. It
// returns false when no candidate is a confident match.
type Matcher interface {
	Match(asked string, bank []training.Question) (training.Question, bool)
}

// SimilarityMatcher matches on normalized containment first, then on the
// fraction of the question's tokens present in the asked text.
type SimilarityMatcher struct {
	Threshold float64
}

// NewSimilarityMatcher returns a matcher; a non-positive threshold uses
// DefaultMatchThreshold.
func NewSimilarityMatcher(threshold float64) *SimilarityMatcher {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	return &SimilarityMatcher{Threshold: threshold}
}

// minOverlapTokens keeps one-word prompts from matching by overlap alone.
const minOverlapTokens = 2

func (m *SimilarityMatcher) Match(asked string, bank []training.Question) (training.Question, bool) {
	askedNorm := normalizeText(asked)
	if askedNorm == "" {
		return training.Question{}, false
	}
	askedTokens := tokenSet(askedNorm)

	var (
		best      training.Question
		bestScore float64
		found     bool
	)
	for _, q := range bank {
		promptNorm := normalizeText(q.Prompt)
		if promptNorm == "" {
			continue
		}
		score := 0.0
		if strings.Contains(" "+askedNorm+" ", " "+promptNorm+" ") {
			score = 1
		} else if tokens := tokenSet(promptNorm); len(tokens) >= minOverlapTokens {
			hit := 0
			for tok := range tokens {
				if askedTokens[tok] {
					hit++
				}
			}
			score = float64(hit) / float64(len(tokens))
		}
		// Strictly greater keeps the earliest question on ties.
		if score >= m.Threshold && score > bestScore {
			best, bestScore, found = q, score, true
		}
	}
	return best, found
}

// normalizeText lowercases, replaces punctuation with spaces and collapses
// whitespace.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "do": true,
	"does": true, "of": true, "to": true, "in": true, "on": true, "for": true,
	"and": true, "or": true, "you": true, "your": true, "we": true, "our": true,
	"what": true, "how": true, "can": true,
}

func tokenSet(norm string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(norm) {
		if !stopwords[f] {
			set[f] = true
		}
	}
	return set
}
