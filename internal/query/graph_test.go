package query

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/graphstore"
	"github.com/thunderbirdlabs/cortex/internal/model"
)

func TestBuildGraphQueryPromptCarriesWindow(t *testing.T) {
	window := &TimeWindow{
		Start: 1727740800, End: 1730419199,
		StartDate: "2024-10-01", EndDate: "2024-10-31",
	}

	prompt := buildGraphQueryPrompt("emails about PO 7020", window)

	assert.Contains(t, prompt, "Question: emails about PO 7020")
	assert.Contains(t, prompt, "2024-10-01")
	assert.Contains(t, prompt, "start_timestamp 1727740800")
	assert.Contains(t, prompt, "end_timestamp 1730419199")
}

func TestBuildGraphQueryPromptExamplesAreWindowed(t *testing.T) {
	prompt := buildGraphQueryPrompt("anything", nil)

	// Every worked example demonstrates timestamp filtering.
	assert.Equal(t, 4, strings.Count(prompt, `"start_timestamp"`))
	assert.Equal(t, 4, strings.Count(prompt, `"end_timestamp"`))
}

func TestFallbackKeywords(t *testing.T) {
	keywords := fallbackKeywords("Who approved PO 7020 for Summit Materials?")

	assert.Equal(t, []string{"7020", "Summit", "Materials"}, keywords)
}

func TestFallbackKeywordsSkipsLowercase(t *testing.T) {
	assert.Empty(t, fallbackKeywords("what happened with the negotiation?"))
}

func TestFallbackKeywordsCapsAtFive(t *testing.T) {
	keywords := fallbackKeywords("Alpha Beta Gamma Delta Epsilon Zeta Eta")

	assert.Len(t, keywords, 5)
}

func TestGraphContextFromRecords(t *testing.T) {
	ts := int64(1728432000)
	created := time.Unix(ts, 0).UTC()
	records := []graphstore.Record{
		{Text: "PO 7020 confirmed.", Label: "PURCHASE_ORDER", Type: "email",
			Name: "7020", Title: "PO 7020 confirmation", CreatedAt: &created, CreatedAtTimestamp: &ts},
		{Text: "An unlabelled note."},
	}

	gc := graphContextFromRecords(records)

	require.Len(t, gc.lines, 2)
	assert.Equal(t, "[PURCHASE_ORDER 7020] PO 7020 confirmed.", gc.lines[0])
	assert.Equal(t, "An unlabelled note.", gc.lines[1])

	require.Len(t, gc.sources, 2)
	assert.Equal(t, "graph", gc.sources[0].Source)
	assert.Equal(t, "PO 7020 confirmation", gc.sources[0].Title)
	assert.Equal(t, "email", gc.sources[0].DocumentType)
	assert.Equal(t, ts, *gc.sources[0].CreatedAtTimestamp)
	assert.Empty(t, gc.sources[0].DocumentID)
}

func TestSourceNodeFromChunkTruncatesExcerpt(t *testing.T) {
	long := model.Chunk{
		DocumentID: "doc-1", Title: "Spec sheet", Source: "drive",
		DocumentType: "attachment",
		Content:      strings.Repeat("carbon black grade N330 ", 20),
	}

	node := sourceNodeFromChunk(long, 0.8)

	assert.Equal(t, "doc-1", node.DocumentID)
	assert.Equal(t, 0.8, node.Score)
	assert.Len(t, node.Excerpt, 203)
	assert.True(t, strings.HasSuffix(node.Excerpt, "..."))
}
