package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/nugget/steward/internal/tools"
)

// ToolName is the name the search tool registers under.
const ToolName = "web_search"

// NewTool wraps mgr as the web_search tool. maxResults caps the
// number of results a single call may request; zero means no cap.
func NewTool(mgr *Manager, maxResults int) *tools.Tool {
	return &tools.Tool{
		Name: ToolName,
		Description: "Search the web. Returns a numbered list of results with title, URL and snippet. " +
			"Open a result with the browser tool to read it.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"query": {
					Type:        jsonschema.String,
					Description: "The search query string.",
				},
				"num_results": {
					Type:        jsonschema.Integer,
					Description: fmt.Sprintf("Maximum number of results to return. Default: %d.", DefaultCount),
				},
				"language": {
					Type:        jsonschema.String,
					Description: "ISO 639-1 language code for results (e.g., 'en', 'de').",
				},
				"provider": {
					Type:        jsonschema.String,
					Description: "Search provider to use. Omit for the default.",
				},
			},
			Required: []string{"query"},
		},
		Handler: toolHandler(mgr, maxResults),
	}
}

func toolHandler(mgr *Manager, maxResults int) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query := tools.StringArg(args, "query")
		if query == "" {
			return "", errors.New("query is required")
		}

		opts := Options{
			Count:    tools.IntArg(args, "num_results", tools.IntArg(args, "count", 0)),
			Language: tools.StringArg(args, "language"),
		}
		if maxResults > 0 && (opts.Count <= 0 || opts.Count > maxResults) {
			opts.Count = min(maxResults, max(opts.Count, DefaultCount))
		}

		var results []Result
		var err error
		if provider := tools.StringArg(args, "provider"); provider != "" {
			results, err = mgr.SearchWith(ctx, provider, query, opts)
		} else {
			results, err = mgr.Search(ctx, query, opts)
		}
		if err != nil {
			return "", err
		}
		if opts.Count > 0 && len(results) > opts.Count {
			results = results[:opts.Count]
		}
		return FormatResults(results), nil
	}
}
