// Package chunker splits source text into chunks that fit one request.
package chunker

import (
	"strings"

	"github.com/rivo/uniseg"
)

// DefaultMaxLength is the chunk size, in grapheme clusters, used when none
// is configured.
const DefaultMaxLength = 7000

// Length returns the length of s in grapheme clusters.
func Length(s string) int {
	return uniseg.GraphemeClusterCount(s)
}

// Split cuts text into chunks of at most maxLength grapheme clusters. A cut
// falls on the last newline at or before the limit and consumes it. Without
// a newline in range the cut is made at the limit and nothing is dropped.
// Whitespace-only chunks are skipped.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	bounds := graphemeBounds(text)
	n := len(bounds) - 1

	var chunks []string
	emit := func(from, to int) {
		chunk := text[bounds[from]:bounds[to]]
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
	}

	start := 0
	for start < n {
		end := start + maxLength
		if end >= n {
			emit(start, n)
			break
		}
		cut := -1
		for k := end; k >= start; k-- {
			if isNewline(text[bounds[k]:bounds[k+1]]) {
				cut = k
				break
			}
		}
		if cut < 0 {
			emit(start, end)
			start = end
			continue
		}
		emit(start, cut)
		start = cut + 1
	}
	return chunks
}

// graphemeBounds returns the byte offset of every cluster start followed by
// len(text).
func graphemeBounds(text string) []int {
	bounds := make([]int, 0, len(text)+1)
	g := uniseg.NewGraphemes(text)
	for g.Next() {
		from, _ := g.Positions()
		bounds = append(bounds, from)
	}
	return append(bounds, len(text))
}

func isNewline(cluster string) bool {
	return cluster == "\n" || cluster == "\r\n"
}
