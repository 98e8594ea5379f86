package ingest

import "strings"

// DefaultChunkSize is the default chunk window in runes.
const DefaultChunkSize = 1200

// DefaultChunkOverlap is the default overlap between adjacent chunks in runes.
const DefaultChunkOverlap = 200

// boundaryScanFraction is the trailing fraction of the window searched for a
// sentence or paragraph boundary to split on.
const boundaryScanFraction = 0.25

// Piece is one chunk produced by splitting a document.
type Piece struct {
	Index      int
	Content    string
	TokenCount int
}

// Chunker splits text into fixed-size overlapping windows, preferring
// paragraph and sentence boundaries near the window end as split points.
// Splitting is deterministic: the same input always yields the same pieces.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a Chunker. Non-positive size or an overlap that does
// not fit the window falls back to the defaults.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 6
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the chunk pieces for text with gapless indices 0..n-1.
// Empty input yields no pieces.
func (c *Chunker) Split(text string) []Piece {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	estimated := len(runes)/(c.size-c.overlap) + 1
	pieces := make([]Piece, 0, estimated)

	start := 0
	for start < len(runes) {
		end := start + c.size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = c.splitPoint(runes, start, end)
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			pieces = append(pieces, Piece{
				Index:      len(pieces),
				Content:    content,
				TokenCount: estimateTokens(content),
			})
		}

		if end == len(runes) {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = start + 1 // guarantee forward progress
		}
		start = next
	}

	return pieces
}

// splitPoint searches the trailing portion of the window [start, end) for the
// best boundary: a paragraph break beats a sentence end, which beats the raw
// window edge. Returns the index to cut at.
func (c *Chunker) splitPoint(runes []rune, start, end int) int {
	scanFrom := end - int(float64(c.size)*boundaryScanFraction)
	if scanFrom <= start {
		return end
	}

	bestSentence := -1
	for i := end - 1; i >= scanFrom; i-- {
		if runes[i] == '\n' && i > start && runes[i-1] == '\n' {
			return i // paragraph break: best cut
		}
		if bestSentence < 0 && isSentenceEnd(runes, i) {
			bestSentence = i + 1
		}
	}
	if bestSentence > start {
		return bestSentence
	}
	return end
}

// isSentenceEnd reports whether runes[i] terminates a sentence: a closing
// punctuation mark followed by whitespace or end of text.
func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '.', '!', '?', '。', '！', '？':
	default:
		return false
	}
	return i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n'
}
