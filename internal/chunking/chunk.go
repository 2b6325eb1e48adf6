// Package chunking splits content too large for one model call into
// bounded, overlapping chunks and condenses them with a sequential
// summarize-and-carry loop.
package chunking

import (
	"maps"
	"strings"
)

// Chunk is one slice of split content. Content ends with the first
// Overlap bytes of the next chunk, so neighboring chunks share context.
type Chunk struct {
	ID       string
	Content  string
	Index    int
	Total    int
	IsLast   bool
	Overlap  int
	Metadata map[string]any
}

// Body returns the chunk without its trailing overlap.
func (c Chunk) Body() string {
	return c.Content[:len(c.Content)-c.Overlap]
}

// Reconstruct concatenates chunk bodies. For an untruncated split it
// returns the original content exactly.
func Reconstruct(chunks []Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Body())
	}
	return sb.String()
}

// assemble turns lossless segments into chunks, appending up to overlap
// bytes of each segment's successor.
func assemble(segs []string, overlap int, meta map[string]any, newID func() string) []Chunk {
	chunks := make([]Chunk, len(segs))
	for i, seg := range segs {
		c := Chunk{
			ID:       newID(),
			Content:  seg,
			Index:    i,
			Total:    len(segs),
			IsLast:   i == len(segs)-1,
			Metadata: maps.Clone(meta),
		}
		if !c.IsLast && overlap > 0 {
			next := segs[i+1]
			n := runeFloor(next, min(overlap, len(next)))
			c.Content += next[:n]
			c.Overlap = n
		}
		chunks[i] = c
	}
	return chunks
}
