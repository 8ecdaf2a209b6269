// Package chunking splits memory content into retrieval-sized pieces. The
// policy is size-tiered: short texts stay whole, medium texts go through a
// recursive character splitter, and long texts are split on semantic
// boundaries detected with sentence embeddings.
package chunking

import (
	"context"
	"regexp"
	"strings"

	"brainvault/internal/config"
	"brainvault/internal/logging"
	"brainvault/internal/vector"
)

// EmbedFunc embeds texts in order. The semantic tier uses it for sentence
// vectors; the other tiers never call it.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Chunker implements the three-tier chunking policy.
type Chunker struct {
	cfg    *config.ChunkingConfig
	embed  EmbedFunc
	logger logging.Logger
}

// NewChunker creates a chunker. embed may be nil when only the first two
// tiers are needed (the semantic tier then degrades to the recursive one).
func NewChunker(cfg *config.ChunkingConfig, embed EmbedFunc) *Chunker {
	return &Chunker{
		cfg:    cfg,
		embed:  embed,
		logger: logging.WithComponent("chunking"),
	}
}

// Chunk splits text according to its length: under SingleChunkMax it stays
// whole, under RecursiveMax it goes through the recursive splitter, and
// anything longer is split on semantic boundaries.
func (c *Chunker) Chunk(ctx context.Context, text string) ([]string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	switch {
	case len(trimmed) < c.cfg.SingleChunkMax:
		return []string{trimmed}, nil
	case len(trimmed) < c.cfg.RecursiveMax:
		return c.recursiveSplit(trimmed), nil
	default:
		return c.semanticSplit(ctx, trimmed)
	}
}

var recursiveSeparators = []string{"\n\n", "\n", ". ", " "}

// recursiveSplit is a recursive character splitter: it splits on the
// coarsest separator present, recurses into oversized pieces with finer
// separators, and merges pieces back into chunks up to ChunkSize with
// ChunkOverlap characters carried between adjacent chunks.
func (c *Chunker) recursiveSplit(text string) []string {
	pieces := c.splitPieces(text, recursiveSeparators)
	return c.mergePieces(pieces)
}

func (c *Chunker) splitPieces(text string, separators []string) []string {
	if len(text) <= c.cfg.ChunkSize {
		return []string{text}
	}
	if len(separators) == 0 {
		// No separator left: hard cut.
		var out []string
		for len(text) > c.cfg.ChunkSize {
			out = append(out, text[:c.cfg.ChunkSize])
			text = text[c.cfg.ChunkSize:]
		}
		if text != "" {
			out = append(out, text)
		}
		return out
	}

	sep := separators[0]
	if !strings.Contains(text, sep) {
		return c.splitPieces(text, separators[1:])
	}

	var pieces []string
	for _, part := range strings.Split(text, sep) {
		if n := len(pieces); n > 0 {
			// Keep the separator attached to the preceding piece so
			// merging reconstructs the original text.
			pieces[n-1] += sep
		}
		if part == "" {
			continue
		}
		if len(part) > c.cfg.ChunkSize {
			pieces = append(pieces, c.splitPieces(part, separators[1:])...)
		} else {
			pieces = append(pieces, part)
		}
	}
	return pieces
}

func (c *Chunker) mergePieces(pieces []string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		if len(chunks) > 0 && c.cfg.ChunkOverlap > 0 {
			tail := overlapTail(chunks[len(chunks)-1], c.cfg.ChunkOverlap)
			if tail != "" {
				current.WriteString(tail)
				current.WriteString(" ")
			}
		}
	}

	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+len(piece) > c.cfg.ChunkSize {
			flush()
		}
		current.WriteString(piece)
	}

	final := strings.TrimSpace(current.String())
	// Skip a trailing chunk that is pure overlap of the previous one.
	if final != "" && (len(chunks) == 0 || !strings.HasSuffix(chunks[len(chunks)-1], final)) {
		chunks = append(chunks, final)
	}
	return chunks
}

// overlapTail returns the last n characters of text, aligned to a word
// boundary so overlaps do not start mid-word.
func overlapTail(text string, n int) string {
	if len(text) <= n {
		return text
	}
	tail := text[len(text)-n:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?\n]*\s*`)

// splitSentences returns the text's sentences with trailing punctuation and
// whitespace attached.
func splitSentences(text string) []string {
	matches := sentenceRe.FindAllString(text, -1)
	sentences := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.TrimSpace(m) != "" {
			sentences = append(sentences, m)
		}
	}
	return sentences
}

// semanticSplit embeds each sentence and walks the sequence, cutting where
// adjacent sentences diverge (cosine below SemanticThreshold) once the
// buffer holds at least SemanticMinBuffer characters. SemanticMaxBuffer is
// a hard cap regardless of similarity.
func (c *Chunker) semanticSplit(ctx context.Context, text string) ([]string, error) {
	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return c.recursiveSplit(text), nil
	}
	if c.embed == nil {
		c.logger.Warn("semantic tier without embedder, falling back to recursive split")
		return c.recursiveSplit(text), nil
	}

	trimmed := make([]string, len(sentences))
	for i, s := range sentences {
		trimmed[i] = strings.TrimSpace(s)
	}
	vectors, err := c.embed(ctx, trimmed)
	if err != nil {
		return nil, err
	}

	var chunks []string
	var buffer strings.Builder
	buffer.WriteString(sentences[0])

	flush := func() {
		chunk := strings.TrimSpace(buffer.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		buffer.Reset()
	}

	for i := 1; i < len(sentences); i++ {
		similarity := vector.CosineSimilarity(vectors[i-1], vectors[i])
		boundary := similarity < c.cfg.SemanticThreshold && buffer.Len() > c.cfg.SemanticMinBuffer
		if boundary || buffer.Len()+len(sentences[i]) > c.cfg.SemanticMaxBuffer {
			flush()
		}
		buffer.WriteString(sentences[i])
	}
	flush()

	return chunks, nil
}

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	return len(text) / 4
}
