package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/observability"
)

func newTestValidator(mock *llm.MockProvider, cfg ValidatorConfig) *Validator {
	return NewValidator(mock, cfg, observability.NopLogger())
}

func worksForTriple(source, target string) Triple {
	return Triple{
		SourceName:  source,
		SourceLabel: "PERSON",
		Relation:    "WORKS_FOR",
		TargetName:  target,
		TargetLabel: "COMPANY",
	}
}

func TestValidateKeepsConfirmedTriples(t *testing.T) {
	mock := &llm.MockProvider{Responses: []string{"YES", "NO"}}
	v := newTestValidator(mock, ValidatorConfig{Model: "test-model"})

	triples := []Triple{
		worksForTriple("John Smith", "Acme"),
		worksForTriple("John Smith", "Superior Mold"),
	}
	kept := v.Validate(context.Background(), "John Smith from Acme called about Superior Mold's shipment.", triples)

	require.Len(t, kept, 1)
	assert.Equal(t, "Acme", kept[0].TargetName)
}

func TestValidateRejectsOnCallError(t *testing.T) {
	mock := &llm.MockProvider{Err: errors.New("model unavailable")}
	v := newTestValidator(mock, ValidatorConfig{Model: "test-model"})

	kept := v.Validate(context.Background(), "some text", []Triple{worksForTriple("John", "Acme")})
	assert.Empty(t, kept)
}

func TestValidateRejectsAmbiguousAnswers(t *testing.T) {
	mock := &llm.MockProvider{Responses: []string{"It depends on the context."}}
	v := newTestValidator(mock, ValidatorConfig{Model: "test-model"})

	kept := v.Validate(context.Background(), "some text", []Triple{worksForTriple("John", "Acme")})
	assert.Empty(t, kept)
}

func TestValidateAcceptsPaddedYes(t *testing.T) {
	mock := &llm.MockProvider{Responses: []string{"  yes\n"}}
	v := newTestValidator(mock, ValidatorConfig{Model: "test-model"})

	kept := v.Validate(context.Background(), "some text", []Triple{worksForTriple("John", "Acme")})
	assert.Len(t, kept, 1)
}

func TestValidateUsesTemperatureZeroAndBoundedPrefix(t *testing.T) {
	mock := &llm.MockProvider{Responses: []string{"YES"}}
	v := newTestValidator(mock, ValidatorConfig{Model: "test-model", MaxPrefixChars: 40})

	chunk := strings.Repeat("a", 40) + "ZZZTAIL"
	v.Validate(context.Background(), chunk, []Triple{worksForTriple("John", "Acme")})

	require.Len(t, mock.Calls, 1)
	call := mock.Calls[0]
	assert.Zero(t, call.Temperature)

	question := call.Messages[len(call.Messages)-1].Content
	assert.NotContains(t, question, "ZZZTAIL")
	assert.Contains(t, question, "Answer only YES or NO")
	assert.Contains(t, question, "John -[WORKS_FOR]-> Acme")
}

func TestValidateEmptyInput(t *testing.T) {
	mock := &llm.MockProvider{}
	v := newTestValidator(mock, ValidatorConfig{Model: "test-model"})

	assert.Nil(t, v.Validate(context.Background(), "text", nil))
	assert.Equal(t, 0, mock.CallCount())
}
