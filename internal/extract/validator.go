package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// ValidatorConfig holds relationship validator settings.
type ValidatorConfig struct {
	Model          string
	MaxPrefixChars int
}

// Validator asks a small model whether the text explicitly supports
// each candidate relation. It filters; it never modifies triples.
type Validator struct {
	provider  llm.Provider
	model     string
	maxPrefix int
	logger    *observability.Logger
}

// NewValidator creates a relationship validator.
func NewValidator(provider llm.Provider, cfg ValidatorConfig, logger *observability.Logger) *Validator {
	maxPrefix := cfg.MaxPrefixChars
	if maxPrefix <= 0 {
		maxPrefix = 500
	}
	return &Validator{
		provider:  provider,
		model:     cfg.Model,
		maxPrefix: maxPrefix,
		logger:    logger.WithComponent("validator"),
	}
}

// Validate returns the subset of triples the model confirms against a
// bounded prefix of the chunk text. Call errors and ambiguous answers
// resolve to rejection.
func (v *Validator) Validate(ctx context.Context, chunkText string, triples []Triple) []Triple {
	if len(triples) == 0 {
		return nil
	}

	prefix := chunkText
	if len(prefix) > v.maxPrefix {
		prefix = prefix[:v.maxPrefix]
	}

	var kept []Triple
	for _, t := range triples {
		ok, err := v.check(ctx, prefix, t)
		if err != nil {
			v.logger.Warn().
				Str("source", t.SourceName).
				Str("relation", t.Relation).
				Str("target", t.TargetName).
				Err(err).
				Msg("relationship validation failed, rejecting")
			continue
		}
		if !ok {
			v.logger.Info().
				Str("source", t.SourceName).
				Str("relation", t.Relation).
				Str("target", t.TargetName).
				Msg("relationship rejected by validator")
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

func (v *Validator) check(ctx context.Context, prefix string, t Triple) (bool, error) {
	question := fmt.Sprintf(
		"Text:\n%s\n\nDoes this text explicitly support the relationship: %s -[%s]-> %s? Answer only YES or NO.",
		prefix, t.SourceName, t.Relation, t.TargetName)

	resp, err := v.provider.Chat(ctx, llm.ChatRequest{
		Model: v.model,
		Messages: []llm.Message{
			{Role: "system", Content: "You verify relationships against text. Answer only YES or NO."},
			{Role: "user", Content: question},
		},
		Temperature: 0,
		MaxTokens:   4,
	})
	if err != nil {
		return false, err
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.Content))
	return strings.HasPrefix(answer, "YES"), nil
}
