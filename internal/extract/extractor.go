// Package extract turns chunk text into schema-conforming entities and
// relation triples, and validates candidate relations against the text
// they came from.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/observability"
	"github.com/thunderbirdlabs/cortex/internal/schema"
)

// Entity is an extracted entity before it is assigned a graph id.
type Entity struct {
	Label      string
	Name       string
	Properties model.Metadata
}

// Key identifies an entity within a chunk, case-insensitively.
func (e Entity) Key() string {
	return e.Label + "\x00" + strings.ToLower(e.Name)
}

// Triple is a candidate relation between two extracted entities.
type Triple struct {
	SourceName  string
	SourceLabel string
	Relation    string
	TargetName  string
	TargetLabel string
}

// Result is the extractor output for one chunk.
type Result struct {
	Entities []Entity
	Triples  []Triple
}

// Config holds extractor settings.
type Config struct {
	Model         string
	MaxTriples    int
	MaxInputChars int
}

// Extractor produces bounded sets of schema-conforming triples from
// chunk text.
type Extractor struct {
	provider      llm.Provider
	schema        *schema.Schema
	model         string
	maxTriples    int
	maxInputChars int
	logger        *observability.Logger
}

// NewExtractor creates an extractor bound to a validation schema.
func NewExtractor(provider llm.Provider, sch *schema.Schema, cfg Config, logger *observability.Logger) *Extractor {
	maxTriples := cfg.MaxTriples
	if maxTriples <= 0 {
		maxTriples = 5
	}
	maxInput := cfg.MaxInputChars
	if maxInput <= 0 {
		maxInput = 24000
	}
	return &Extractor{
		provider:      provider,
		schema:        sch,
		model:         cfg.Model,
		maxTriples:    maxTriples,
		maxInputChars: maxInput,
		logger:        logger.WithComponent("extractor"),
	}
}

type rawExtraction struct {
	Entities []struct {
		Label      string         `json:"label"`
		Name       string         `json:"name"`
		Properties model.Metadata `json:"properties"`
	} `json:"entities"`
	Relations []struct {
		Source      string `json:"source"`
		SourceLabel string `json:"source_label"`
		Relation    string `json:"relation"`
		Target      string `json:"target"`
		TargetLabel string `json:"target_label"`
	} `json:"relations"`
}

// Extract runs the model over a chunk's text and returns the
// schema-conforming subset of what it produced. Triples that violate
// the constraint table are dropped silently; entities with generic or
// empty names are rejected. The input is truncated to the model's
// context budget rather than failing.
func (e *Extractor) Extract(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, nil
	}
	if len(text) > e.maxInputChars {
		text = text[:e.maxInputChars]
	}

	req := llm.ChatRequest{
		Model: e.model,
		Messages: []llm.Message{
			{Role: "system", Content: extractSystemPrompt},
			{Role: "user", Content: e.buildPrompt(text)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	}

	// One re-ask on unparseable output before giving up on the chunk.
	var raw rawExtraction
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := e.provider.Chat(ctx, req)
		if err != nil {
			return Result{}, fmt.Errorf("extraction call: %w", err)
		}
		jsonText, err := llm.ExtractJSON(resp.Content)
		if err == nil {
			err = json.Unmarshal([]byte(jsonText), &raw)
		}
		if err == nil {
			return e.normalize(raw), nil
		}
		lastErr = err
		e.logger.Warn().Int("attempt", attempt+1).Err(err).Msg("unparseable extraction output")
	}
	return Result{}, fmt.Errorf("parse extraction output: %w", lastErr)
}

// normalize filters model output down to the schema-conforming subset.
func (e *Extractor) normalize(raw rawExtraction) Result {
	entities := make(map[string]Entity)
	order := []string{}

	admit := func(label, name string, props model.Metadata) {
		label = strings.ToUpper(strings.TrimSpace(label))
		name = strings.TrimSpace(name)
		if !e.schema.IsLabel(label) || !acceptableName(name) {
			return
		}
		ent := Entity{Label: label, Name: name, Properties: cleanProperties(props)}
		key := ent.Key()
		if existing, ok := entities[key]; ok {
			// Same entity mentioned twice; keep first, fold in new keys.
			for k, v := range ent.Properties {
				if _, has := existing.Properties[k]; !has {
					if existing.Properties == nil {
						existing.Properties = model.Metadata{}
					}
					existing.Properties[k] = v
				}
			}
			entities[key] = existing
			return
		}
		entities[key] = ent
		order = append(order, key)
	}

	for _, re := range raw.Entities {
		admit(re.Label, re.Name, re.Properties)
	}

	var triples []Triple
	for _, rr := range raw.Relations {
		if len(triples) >= e.maxTriples {
			break
		}
		t := Triple{
			SourceName:  strings.TrimSpace(rr.Source),
			SourceLabel: strings.ToUpper(strings.TrimSpace(rr.SourceLabel)),
			Relation:    strings.ToUpper(strings.TrimSpace(rr.Relation)),
			TargetName:  strings.TrimSpace(rr.Target),
			TargetLabel: strings.ToUpper(strings.TrimSpace(rr.TargetLabel)),
		}
		if !e.schema.Allows(t.SourceLabel, t.Relation, t.TargetLabel) {
			continue
		}
		if !acceptableName(t.SourceName) || !acceptableName(t.TargetName) {
			continue
		}
		// Endpoints the model forgot to list still become entities.
		admit(t.SourceLabel, t.SourceName, nil)
		admit(t.TargetLabel, t.TargetName, nil)
		triples = append(triples, t)
	}

	result := Result{Triples: triples}
	for _, key := range order {
		result.Entities = append(result.Entities, entities[key])
	}
	return result
}

const extractSystemPrompt = `You are an information extraction engine for business documents. Extract only entities and relationships explicitly stated in the text. Respond with JSON only.`

func (e *Extractor) buildPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Extract entities and relationships from the text below.\n\n")
	b.WriteString("Entity labels: ")
	b.WriteString(strings.Join(e.schema.Labels(), ", "))
	b.WriteString("\n\nAllowed relationships:\n")
	b.WriteString(e.schema.Describe())
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Only extract entities with explicit, specific names. Never extract generic references like \"the company\", \"a customer\" or \"someone\".\n")
	b.WriteString("- Use each entity's canonical name as written in the text, and list each entity once.\n")
	fmt.Fprintf(&b, "- Produce at most %d relationships, only ones directly supported by the text.\n", e.maxTriples)
	b.WriteString("- Email addresses of people belong in the entity's properties under \"email\".\n")
	b.WriteString("\nRespond with JSON in this shape:\n")
	b.WriteString(`{"entities": [{"label": "PERSON", "name": "Jane Doe", "properties": {"email": "jane@example.com"}}], "relations": [{"source": "Jane Doe", "source_label": "PERSON", "relation": "WORKS_FOR", "target": "Acme", "target_label": "COMPANY"}]}`)
	b.WriteString("\n\nText:\n")
	b.WriteString(text)
	return b.String()
}

// genericNames are references too vague to become graph nodes.
var genericNames = map[string]struct{}{
	"company": {}, "the company": {}, "person": {}, "people": {},
	"customer": {}, "the customer": {}, "supplier": {}, "the supplier": {},
	"team": {}, "the team": {}, "someone": {}, "anyone": {}, "everyone": {},
	"employee": {}, "manager": {}, "material": {}, "order": {},
	"purchase order": {}, "certification": {}, "role": {},
	"it": {}, "they": {}, "he": {}, "she": {}, "we": {}, "you": {},
	"email": {}, "document": {}, "unknown": {}, "n/a": {}, "none": {},
}

func acceptableName(name string) bool {
	if len(name) < 2 {
		return false
	}
	_, generic := genericNames[strings.ToLower(name)]
	return !generic
}

func cleanProperties(props model.Metadata) model.Metadata {
	if len(props) == 0 {
		return nil
	}
	out := model.Metadata{}
	for k, v := range props {
		if _, forbidden := model.ForbiddenEntityPropertyKeys[strings.ToLower(k)]; forbidden {
			continue
		}
		if v == nil {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
