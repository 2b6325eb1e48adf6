package prompts

import (
	"fmt"
	"strings"
)

// directTemplate frames content small enough for one model call.
// Format verbs: (1) content, (2) query.
const directTemplate = `CONTENT:
%s

QUERY: %s

Analyze the content above and answer the query. Be thorough but concise.`

// DirectContentPrompt frames content for a single-call answer.
func DirectContentPrompt(content, query string) string {
	return fmt.Sprintf(directTemplate, content, query)
}

// ChunkSystemPrompt is the system context for multi-chunk processing.
func ChunkSystemPrompt(contentType string, total int) string {
	return fmt.Sprintf("You are processing a large %s document in %d sequential chunks. "+
		"Each chunk arrives with a summary of what earlier chunks contained. "+
		"Extract what is relevant to the user's query and carry it forward.", contentType, total)
}

// ChunkPrompt frames one chunk. summary is empty for the first chunk.
func ChunkPrompt(query, content, summary string, index, total int, last bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "QUERY: %s\n\n", query)
	fmt.Fprintf(&sb, "CHUNK %d/%d CONTENT:\n%s\n\n", index+1, total, content)
	if summary != "" {
		fmt.Fprintf(&sb, "PREVIOUS CONTEXT: %s\n\n", summary)
	}
	if last {
		sb.WriteString("This is the final chunk. Using everything above and the previous context, " +
			"give a complete answer to the query.")
	} else {
		sb.WriteString("Extract the information in this chunk that is relevant to the query. " +
			"Note anything that may need later chunks to complete.")
	}
	return sb.String()
}

// SynthesisPrompt combines per-chunk results when the final chunk did
// not produce an answer.
func SynthesisPrompt(query string, results []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "QUERY: %s\n\nPartial analyses of consecutive parts of a document:\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "PART %d:\n%s\n\n", i+1, r)
	}
	sb.WriteString("Combine these into one complete answer to the query.")
	return sb.String()
}
