// Package schema defines the closed entity and relation vocabulary the
// extractor is allowed to produce, plus the constraint table validating
// (source_label, relation_label, target_label) triples.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Entity labels.
const (
	LabelPerson        = "PERSON"
	LabelCompany       = "COMPANY"
	LabelRole          = "ROLE"
	LabelPurchaseOrder = "PURCHASE_ORDER"
	LabelMaterial      = "MATERIAL"
	LabelCertification = "CERTIFICATION"
)

// Graph edge labels outside the entity-to-entity schema. MENTIONS links
// chunk nodes to extracted entities; SENT and RECEIVED link sender and
// recipient PERSON nodes to an email's chunk nodes.
const (
	EdgeMentions = "MENTIONS"
	EdgeSent     = "SENT"
	EdgeReceived = "RECEIVED"
)

// Constraint is one permitted (source_label, relation_label,
// target_label) triple.
type Constraint struct {
	Source   string
	Relation string
	Target   string
}

// Schema holds the closed label set and the relation constraint table.
type Schema struct {
	labels      map[string]struct{}
	constraints map[string]struct{}
	relations   []string
	triples     []Constraint
}

// New builds a Schema from labels and constraints. Constraints naming
// unknown labels are rejected.
func New(labels []string, constraints []Constraint) (*Schema, error) {
	s := &Schema{
		labels:      make(map[string]struct{}, len(labels)),
		constraints: make(map[string]struct{}, len(constraints)),
	}
	for _, l := range labels {
		s.labels[l] = struct{}{}
	}

	seen := make(map[string]struct{})
	for _, c := range constraints {
		if _, ok := s.labels[c.Source]; !ok {
			return nil, fmt.Errorf("constraint references unknown source label %q", c.Source)
		}
		if _, ok := s.labels[c.Target]; !ok {
			return nil, fmt.Errorf("constraint references unknown target label %q", c.Target)
		}
		s.constraints[constraintKey(c.Source, c.Relation, c.Target)] = struct{}{}
		s.triples = append(s.triples, c)
		if _, ok := seen[c.Relation]; !ok {
			seen[c.Relation] = struct{}{}
			s.relations = append(s.relations, c.Relation)
		}
	}
	sort.Strings(s.relations)

	return s, nil
}

// Default returns the built-in procurement-oriented schema.
func Default() *Schema {
	s, err := New(
		[]string{
			LabelPerson,
			LabelCompany,
			LabelRole,
			LabelPurchaseOrder,
			LabelMaterial,
			LabelCertification,
		},
		[]Constraint{
			{LabelPerson, "WORKS_FOR", LabelCompany},
			{LabelPerson, "HAS_ROLE", LabelRole},
			{LabelPerson, "ISSUED", LabelPurchaseOrder},
			{LabelCompany, "PLACED", LabelPurchaseOrder},
			{LabelCompany, "RECEIVED_ORDER", LabelPurchaseOrder},
			{LabelCompany, "SUPPLIES", LabelMaterial},
			{LabelCompany, "HAS_CERTIFICATION", LabelCertification},
			{LabelPurchaseOrder, "INCLUDES", LabelMaterial},
			{LabelMaterial, "HAS_CERTIFICATION", LabelCertification},
		},
	)
	if err != nil {
		// The built-in table is static; a failure here is a programming
		// error.
		panic(err)
	}
	return s
}

func constraintKey(src, rel, dst string) string {
	return src + "|" + rel + "|" + dst
}

// IsLabel reports whether label belongs to the closed entity set.
func (s *Schema) IsLabel(label string) bool {
	_, ok := s.labels[label]
	return ok
}

// Allows reports whether the triple satisfies the constraint table.
func (s *Schema) Allows(sourceLabel, relation, targetLabel string) bool {
	_, ok := s.constraints[constraintKey(sourceLabel, relation, targetLabel)]
	return ok
}

// Labels returns the entity labels in sorted order.
func (s *Schema) Labels() []string {
	out := make([]string, 0, len(s.labels))
	for l := range s.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Relations returns the relation labels in sorted order.
func (s *Schema) Relations() []string {
	return append([]string(nil), s.relations...)
}

// Describe renders the constraint table for inclusion in extraction
// prompts, one "SOURCE -[RELATION]-> TARGET" line per triple.
func (s *Schema) Describe() string {
	lines := make([]string, 0, len(s.triples))
	for _, c := range s.triples {
		lines = append(lines, fmt.Sprintf("%s -[%s]-> %s", c.Source, c.Relation, c.Target))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
