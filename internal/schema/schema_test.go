package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchemaLabels(t *testing.T) {
	s := Default()

	for _, label := range []string{
		LabelPerson, LabelCompany, LabelRole,
		LabelPurchaseOrder, LabelMaterial, LabelCertification,
	} {
		assert.True(t, s.IsLabel(label), "missing label %s", label)
	}
	assert.False(t, s.IsLabel("ANIMAL"))
	assert.False(t, s.IsLabel("person"))
}

func TestDefaultSchemaAllows(t *testing.T) {
	s := Default()

	assert.True(t, s.Allows(LabelPerson, "WORKS_FOR", LabelCompany))
	assert.True(t, s.Allows(LabelPurchaseOrder, "INCLUDES", LabelMaterial))
	assert.True(t, s.Allows(LabelMaterial, "HAS_CERTIFICATION", LabelCertification))

	// Direction matters.
	assert.False(t, s.Allows(LabelCompany, "WORKS_FOR", LabelPerson))
	// Unknown relation.
	assert.False(t, s.Allows(LabelPerson, "KNOWS", LabelPerson))
	// Valid relation, wrong endpoint.
	assert.False(t, s.Allows(LabelPerson, "WORKS_FOR", LabelMaterial))
}

func TestNewRejectsUnknownLabels(t *testing.T) {
	_, err := New([]string{"A"}, []Constraint{{"A", "REL", "B"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target label")

	_, err = New([]string{"B"}, []Constraint{{"A", "REL", "B"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source label")
}

func TestDescribeListsConstraints(t *testing.T) {
	s := Default()

	desc := s.Describe()
	assert.Contains(t, desc, "PERSON -[WORKS_FOR]-> COMPANY")
	assert.Contains(t, desc, "PURCHASE_ORDER -[INCLUDES]-> MATERIAL")
}

func TestRelationsSortedUnique(t *testing.T) {
	s := Default()

	rels := s.Relations()
	require.NotEmpty(t, rels)
	seen := map[string]bool{}
	for _, r := range rels {
		assert.False(t, seen[r], "duplicate relation %s", r)
		seen[r] = true
	}
	assert.Contains(t, rels, "HAS_CERTIFICATION")
}
