package prompts

import "fmt"

const alternativeURLTemplate = `Extracting content from the current page failed.

Navigate to this alternative URL instead: %s

{"name": "browser_use", "arguments": {"action": "navigate", "url": "%s"}}`

// AlternativeURL suggests the next untried search result after a page
// could not be read.
func AlternativeURL(url string) string {
	return fmt.Sprintf(alternativeURLTemplate, url, url)
}

// NoAlternativeURLs is the note added when every search result has
// already been tried.
const NoAlternativeURLs = "Extracting content failed and every URL from the search results has been tried. " +
	"Search again with more specific terms or answer from what has been collected."

// ChunkedContent wraps the pipeline's answer for an oversized page.
func ChunkedContent(answer string) string {
	return "Content processed in chunks:\n\n" + answer
}

// ChunkingFailed replaces an oversized page whose chunked processing
// failed with the error and the start of the page.
func ChunkingFailed(err error, excerpt string) string {
	return fmt.Sprintf("Error processing large content: %v\n\n%s... [content truncated]", err, excerpt)
}
