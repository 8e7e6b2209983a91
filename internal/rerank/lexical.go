package rerank

import (
	"context"
	"strings"
	"unicode"
)

// LexicalScorer is the fallback scorer used when no cross-encoder model
// is configured: the fraction of query terms present in the text, with
// repeated occurrences weighing in slightly.
type LexicalScorer struct{}

// NewLexical returns the fallback scorer.
func NewLexical() *LexicalScorer { return &LexicalScorer{} }

// Score computes term-overlap scores in [0, 1).
func (l *LexicalScorer) Score(_ context.Context, query string, texts []string) ([]float64, error) {
	queryTerms := tokenize(query)
	scores := make([]float64, len(texts))
	if len(queryTerms) == 0 {
		return scores, nil
	}

	for i, text := range texts {
		counts := map[string]int{}
		for _, term := range tokenize(text) {
			counts[term]++
		}
		matched := 0
		extra := 0.0
		for _, term := range queryTerms {
			if n := counts[term]; n > 0 {
				matched++
				if n > 1 {
					extra += 0.1
				}
			}
		}
		score := float64(matched) / float64(len(queryTerms))
		scores[i] = score + extra/float64(len(queryTerms))*0.1
	}
	return scores, nil
}

// Name identifies the scorer in logs.
func (l *LexicalScorer) Name() string { return "lexical" }

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var terms []string
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

var _ Scorer = (*LexicalScorer)(nil)
