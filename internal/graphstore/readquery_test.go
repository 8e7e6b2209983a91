package graphstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadQueryCompileTimeWindow(t *testing.T) {
	start := int64(1727740800)
	end := int64(1730419199)
	q := ReadQuery{
		TenantID:       "acme",
		EntityTerms:    []string{"PO 7020"},
		StartTimestamp: &start,
		EndTimestamp:   &end,
	}

	query, args := q.compile()

	assert.Contains(t, query, "c.created_at_timestamp >= $3")
	assert.Contains(t, query, "c.created_at_timestamp <= $4")
	assert.Contains(t, query, "lower(e.name) LIKE $2")
	require.Len(t, args, 5)
	assert.Equal(t, "acme", args[0])
	assert.Equal(t, "%po 7020%", args[1])
	assert.Equal(t, start, args[2])
	assert.Equal(t, end, args[3])
	assert.Equal(t, readQueryDefaultLimit, args[4])
}

func TestReadQueryCompileSelectsOnlyWhitelistedFields(t *testing.T) {
	q := ReadQuery{TenantID: "acme"}

	query, _ := q.compile()

	selectClause := query[:strings.Index(query, "FROM")]
	assert.Contains(t, selectClause, "c.content")
	assert.Contains(t, selectClause, "e.label")
	assert.Contains(t, selectClause, "c.document_type")
	assert.Contains(t, selectClause, "e.name")
	assert.Contains(t, selectClause, "c.title")
	assert.Contains(t, selectClause, "c.created_at")
	assert.NotContains(t, selectClause, "document_id")
	assert.NotContains(t, selectClause, "properties")
	assert.NotContains(t, selectClause, "embedding")
}

func TestReadQueryCompileClampsLimit(t *testing.T) {
	q := ReadQuery{TenantID: "acme", Limit: 10000}

	_, args := q.compile()
	assert.Equal(t, readQueryMaxLimit, args[len(args)-1])
}

func TestReadQueryEscapesLikeMetacharacters(t *testing.T) {
	q := ReadQuery{TenantID: "acme", EntityTerms: []string{"100%_pure"}}

	_, args := q.compile()
	require.Len(t, args, 3)
	assert.Equal(t, `%100\%\_pure%`, args[1])
}

func TestCleanTermsDropsEmptyAndDuplicates(t *testing.T) {
	terms := cleanTerms([]string{" Acme ", "acme", "", "Resin"})
	assert.Equal(t, []string{"Acme", "Resin"}, terms)
}
