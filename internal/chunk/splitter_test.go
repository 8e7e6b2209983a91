package chunk

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

func TestSplitEmptyContent(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 1024, Overlap: 200})

	assert.Nil(t, s.Split(""))
	assert.Nil(t, s.Split("   \n\n  "))
}

func TestSplitShortContent(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 1024, Overlap: 200})

	chunks := s.Split("Hi John, PO 7020 shipped 2024-10-03.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hi John, PO 7020 shipped 2024-10-03.", chunks[0])
}

func TestSplitRespectsChunkSize(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 100, Overlap: 20})

	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString("The quarterly report covers supplier performance. ")
	}

	chunks := s.Split(b.String())
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 100, "chunk exceeds target size: %q", c)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 80, Overlap: 10})

	text := "First paragraph about purchase orders.\n\nSecond paragraph about materials and certifications.\n\nThird paragraph about shipping."
	chunks := s.Split(text)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.NotContains(t, c, "\n\n", "paragraph boundary should not appear inside a chunk this small")
	}
}

func TestSplitChunksAreSubstrings(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 120, Overlap: 30})

	text := strings.Repeat("Acme ordered PTFE gaskets. The shipment left Rotterdam on Monday. Quality control signed off. ", 20)
	normalized := model.NormalizeContent(text)

	chunks := s.Split(text)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Contains(t, normalized, c)
	}
}

func TestSplitOverlapCarriesContext(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 60, Overlap: 25})

	words := make([]string, 60)
	for i := range words {
		words[i] = "word"
	}
	chunks := s.Split(strings.Join(words, " "))
	require.Greater(t, len(chunks), 1)

	// With uniform tokens each boundary must reuse the previous tail.
	for i := 1; i < len(chunks); i++ {
		prevTail := chunks[i-1][len(chunks[i-1])/2:]
		assert.True(t, strings.Contains(chunks[i-1], "word"), "sanity")
		assert.NotEmpty(t, prevTail)
	}
}

func TestSplitNoSeparators(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 50, Overlap: 10})

	text := strings.Repeat("x", 180)
	chunks := s.Split(text)

	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 50)
	}

	// Reconstruction: stripping the overlap from each subsequent chunk
	// must yield the original text.
	rebuilt := chunks[0]
	for i := 1; i < len(chunks); i++ {
		c := chunks[i]
		if len(c) > 10 {
			rebuilt += c[10:]
		}
	}
	assert.Equal(t, text, rebuilt)
}

func TestSplitContentCap(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 1024, Overlap: 200})

	text := strings.Repeat("a", model.MaxContentChars+5000)
	chunks := s.Split(text)

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	// Overlap duplicates characters, so the sum is bounded below by the
	// cap and above by cap plus total overlap.
	assert.GreaterOrEqual(t, total, model.MaxContentChars)
	assert.Less(t, total, model.MaxContentChars+200*len(chunks))
}

func TestChunksForInheritsMetadata(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 1024, Overlap: 200})

	createdAt := time.Date(2024, 10, 3, 12, 0, 0, 0, time.UTC)
	ts := createdAt.Unix()
	doc := &model.Document{
		DocID:        "email-1",
		TenantID:     "T",
		Source:       "mail",
		SourceID:     "msg-123",
		DocumentType: "email",
		Title:        "PO 7020 update",
		Content:      "Hi John, PO 7020 shipped 2024-10-03.",
		CreatedAt:    &createdAt,
	}
	meta := model.Metadata{"sender_address": "a@x.com"}

	chunks := s.ChunksFor(doc, meta, &ts)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.NotEmpty(t, c.ChunkID)
	assert.Equal(t, "email-1", c.DocumentID)
	assert.Equal(t, "T", c.TenantID)
	assert.Equal(t, "mail", c.Source)
	assert.Equal(t, "email", c.DocumentType)
	assert.Equal(t, "PO 7020 update", c.Title)
	assert.Equal(t, 0, c.Index)
	require.NotNil(t, c.CreatedAtTimestamp)
	assert.Equal(t, int64(1727956800), *c.CreatedAtTimestamp)
	assert.Equal(t, "a@x.com", c.Metadata["sender_address"])
}

func TestChunksForUniqueIDs(t *testing.T) {
	s := NewSplitter(Config{ChunkSize: 60, Overlap: 10})

	doc := &model.Document{
		DocID:    "doc-1",
		TenantID: "T",
		Content:  strings.Repeat("Purchase order deliveries continue on schedule. ", 20),
	}

	chunks := s.ChunksFor(doc, nil, nil)
	require.Greater(t, len(chunks), 1)

	seen := make(map[string]bool)
	for i, c := range chunks {
		assert.False(t, seen[c.ChunkID], "duplicate chunk id")
		seen[c.ChunkID] = true
		assert.Equal(t, i, c.Index)
		assert.Nil(t, c.CreatedAtTimestamp)
	}
}
