// Package chunk splits document content into overlapping chunks sized
// for embedding.
package chunk

import (
	"strings"

	"github.com/google/uuid"

	"github.com/thunderbirdlabs/cortex/internal/model"
)

// separators orders the split preference: paragraph boundary, line
// boundary, sentence boundary, word boundary, then raw characters.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", " ", ""}

// Config controls the splitting behaviour.
type Config struct {
	ChunkSize int // Target chunk size in characters.
	Overlap   int // Character overlap between consecutive chunks.
}

// Splitter performs recursive character splitting.
type Splitter struct {
	chunkSize int
	overlap   int
}

// NewSplitter returns a Splitter with the given configuration.
// Zero-value fields are replaced with defaults.
func NewSplitter(cfg Config) *Splitter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = 200
	}
	return &Splitter{chunkSize: cfg.ChunkSize, overlap: cfg.Overlap}
}

// Split divides text into chunks of roughly the target size. Oversized
// segments are re-split with the next separator in preference order.
func (s *Splitter) Split(text string) []string {
	text = model.NormalizeContent(text)
	if text == "" {
		return nil
	}
	if len(text) <= s.chunkSize {
		return []string{text}
	}
	return s.splitText(text, separators)
}

func (s *Splitter) splitText(text string, seps []string) []string {
	separator := seps[len(seps)-1]
	var next []string
	for i, sep := range seps {
		if sep == "" {
			separator = ""
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			next = seps[i+1:]
			break
		}
	}

	if separator == "" {
		return s.splitByWindow(text)
	}

	splits := strings.Split(text, separator)

	var final []string
	var good []string
	for _, piece := range splits {
		if len(piece) < s.chunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good, separator)...)
			good = nil
		}
		if len(next) == 0 {
			final = append(final, s.splitByWindow(piece)...)
		} else {
			final = append(final, s.splitText(piece, next)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good, separator)...)
	}

	return final
}

// merge greedily joins splits back together up to the target size,
// carrying the configured overlap between consecutive chunks.
func (s *Splitter) merge(splits []string, separator string) []string {
	var chunks []string
	var current []string
	total := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(current, separator))
		if joined != "" {
			chunks = append(chunks, joined)
		}
	}

	for _, piece := range splits {
		pieceLen := len(piece) + len(separator)
		if total+pieceLen > s.chunkSize && len(current) > 0 {
			flush()
			// Drop leading pieces until the retained tail fits the
			// overlap budget.
			for total > s.overlap && len(current) > 0 {
				total -= len(current[0]) + len(separator)
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += pieceLen
	}
	flush()

	return chunks
}

// splitByWindow slices text into fixed-size character windows with
// overlap. Last-resort splitting for text without any separator.
func (s *Splitter) splitByWindow(text string) []string {
	var chunks []string
	step := s.chunkSize - s.overlap
	if step <= 0 {
		step = s.chunkSize
	}
	for start := 0; start < len(text); start += step {
		end := start + s.chunkSize
		if end > len(text) {
			end = len(text)
		}
		piece := strings.TrimSpace(text[start:end])
		if piece != "" {
			chunks = append(chunks, piece)
		}
		if end == len(text) {
			break
		}
	}
	return chunks
}

// ChunksFor splits a document and materialises model chunks carrying
// the document's identity, sanitized metadata and timestamp.
func (s *Splitter) ChunksFor(doc *model.Document, meta model.Metadata, createdAtTS *int64) []model.Chunk {
	pieces := s.Split(doc.Content)
	chunks := make([]model.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, model.Chunk{
			ChunkID:            uuid.NewString(),
			DocumentID:         doc.DocID,
			TenantID:           doc.TenantID,
			Source:             doc.Source,
			DocumentType:       doc.DocumentType,
			Title:              doc.Title,
			Content:            piece,
			Index:              i,
			CreatedAt:          doc.CreatedAt,
			CreatedAtTimestamp: createdAtTS,
			Metadata:           meta.Clone(),
		})
	}
	return chunks
}
