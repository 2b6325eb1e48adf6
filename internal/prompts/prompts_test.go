package prompts

import (
	"errors"
	"strings"
	"testing"
)

func TestSystemPrompt_ListsTools(t *testing.T) {
	got := SystemPrompt([]string{"browser_use", "terminate", "web_search"})
	if !strings.Contains(got, "Available tools: browser_use, terminate, web_search.") {
		t.Errorf("tools not listed:\n%s", got)
	}
	if strings.Contains(SystemPrompt(nil), "Available tools") {
		t.Error("empty tool list should not render a tools line")
	}
}

func TestNextStepPrompt_Placeholder(t *testing.T) {
	if !strings.Contains(NextStepPrompt(""), `"query": "your query here"`) {
		t.Error("default placeholder missing")
	}
	if !strings.Contains(NextStepPrompt("q"), `"query": "q"`) {
		t.Error("custom placeholder missing")
	}
}

func TestStuckPrompt_Escalates(t *testing.T) {
	tests := []struct {
		count int
		want  string
	}{
		{1, stuckMild},
		{2, stuckMild},
		{3, stuckStrong},
		{4, stuckSevere},
		{9, stuckSevere},
	}
	for _, tt := range tests {
		if got := StuckPrompt(tt.count); got != tt.want {
			t.Errorf("StuckPrompt(%d) = %q, want %q", tt.count, got, tt.want)
		}
	}
}

func TestLoopBreakPrompt(t *testing.T) {
	got := LoopBreakPrompt("search results here")
	if !strings.Contains(got, "search results here") || !strings.Contains(got, "DO NOT ask") {
		t.Errorf("unexpected prompt:\n%s", got)
	}
}

func TestOutcomeMessages(t *testing.T) {
	if got := TooManyErrors(3, errors.New("timeout")); got != "Stopped after 3 consecutive errors. Last error: timeout" {
		t.Errorf("TooManyErrors = %q", got)
	}
	if got := ToolFailed("browser_use", "Error: bad url"); !strings.HasPrefix(got, "ERROR ALERT: The tool 'browser_use' failed") {
		t.Errorf("ToolFailed = %q", got)
	}
}

func TestPlanningPrompts(t *testing.T) {
	if !strings.Contains(TaskAnalysisPrompt("weather today"), `"weather today"`) {
		t.Error("task not quoted in analysis prompt")
	}

	plan := PlanSection([]string{"search", "read"}, []string{"web_search"})
	for _, want := range []string{"1. search\n", "2. read\n", "Tools this plan relies on: web_search"} {
		if !strings.Contains(plan, want) {
			t.Errorf("PlanSection missing %q:\n%s", want, plan)
		}
	}

	failures := []Failure{{Tool: "browser_use", Error: "Unknown action: extract_text"}}
	if !strings.Contains(ReplanPrompt("x", failures), "1. Tool 'browser_use' failed: Unknown action: extract_text") {
		t.Error("ReplanPrompt does not list failures")
	}
	if !strings.Contains(FailureSummary(3, failures), "after 3 planning attempts") {
		t.Error("FailureSummary missing attempt count")
	}
}

func TestChunkPrompt(t *testing.T) {
	first := ChunkPrompt("q", "body", "", 0, 3, false)
	if !strings.Contains(first, "CHUNK 1/3 CONTENT:\nbody") {
		t.Errorf("chunk header wrong:\n%s", first)
	}
	if strings.Contains(first, "PREVIOUS CONTEXT") {
		t.Error("first chunk should carry no previous context")
	}

	last := ChunkPrompt("q", "body", "earlier", 2, 3, true)
	if !strings.Contains(last, "PREVIOUS CONTEXT: earlier") || !strings.Contains(last, "final chunk") {
		t.Errorf("last chunk prompt wrong:\n%s", last)
	}
}

func TestResearchPrompts(t *testing.T) {
	alt := AlternativeURL("https://example.org/a")
	if strings.Count(alt, "https://example.org/a") != 2 {
		t.Errorf("url should appear in text and in the call:\n%s", alt)
	}
	if got := ChunkedContent("answer"); !strings.HasSuffix(got, "\n\nanswer") {
		t.Errorf("ChunkedContent = %q", got)
	}
	got := ChunkingFailed(errors.New("boom"), "<html>")
	if !strings.Contains(got, "boom") || !strings.HasSuffix(got, "<html>... [content truncated]") {
		t.Errorf("ChunkingFailed = %q", got)
	}
}
