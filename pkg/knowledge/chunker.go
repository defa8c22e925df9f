package knowledge

import (
	"strings"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// sentence boundary markers, strongest first
var sentenceMarkers = []string{". ", ".\n", "! ", "!\n", "? ", "?\n", "; ", ";\n", ", ", ",\n"}

// Chunk splits text into overlapping windows of roughly size characters.
// Split points prefer paragraph breaks, then sentence boundaries; a boundary
// is only taken once the chunk has reached a third of the target size, so
// pathological punctuation cannot produce confetti.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 10
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			if chunk := strings.TrimSpace(text[start:]); chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		cut := boundary(text, start, end)
		if chunk := strings.TrimSpace(text[start:cut]); chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// boundary picks the split point for the window [start, end). Paragraph
// breaks win; otherwise the latest sentence marker past the minimum chunk
// length; otherwise a hard cut at end.
func boundary(text string, start, end int) int {
	minCut := start + (end-start)/3
	window := text[minCut:end]

	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return minCut + idx + 2
	}

	best := -1
	for _, marker := range sentenceMarkers {
		if idx := strings.LastIndex(window, marker); idx >= 0 {
			// cut after the punctuation, before the following whitespace
			candidate := idx + 1
			if candidate > best {
				best = candidate
			}
		}
	}
	if best >= 0 {
		return minCut + best
	}

	if idx := strings.LastIndexByte(window, '\n'); idx >= 0 {
		return minCut + idx + 1
	}
	if idx := strings.LastIndexByte(window, ' '); idx >= 0 {
		return minCut + idx + 1
	}
	return end
}
