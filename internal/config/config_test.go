package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	checks := []struct {
		name string
		got  int
		want int
	}{
		{"max_steps", cfg.Agent.MaxSteps, 100},
		{"max_consecutive_errors", cfg.Agent.MaxConsecutiveErrors, 3},
		{"repeat_tool_limit", cfg.Agent.RepeatToolLimit, 3},
		{"stuck_reset_at", cfg.Agent.StuckResetAt, 5},
		{"stuck_terminate_at", cfg.Agent.StuckTerminateAt, 7},
		{"progress_window", cfg.Agent.ProgressWindow, 10},
		{"progress_min_distinct", cfg.Agent.ProgressMinDistinct, 3},
		{"max_observe", cfg.Agent.MaxObserve, 2000},
		{"token_limit", cfg.Chunking.TokenLimit, 7000},
		{"chunk_size", cfg.Chunking.ChunkSize, 6000},
		{"overlap", cfg.Chunking.Overlap, 500},
		{"max_chunks", cfg.Chunking.MaxChunks, 5},
		{"browse_threshold", cfg.Chunking.BrowseThreshold, 10000},
		{"listen.port", cfg.Listen.Port, 8080},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if cfg.Agent.ToolChoice != "auto" {
		t.Errorf("tool_choice = %q, want auto", cfg.Agent.ToolChoice)
	}
	if !cfg.Agent.PlanningEnabled() {
		t.Error("planning should default to enabled")
	}
	if cfg.Transcript.Driver != "sqlite3" {
		t.Errorf("transcript.driver = %q, want sqlite3", cfg.Transcript.Driver)
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
agent:
  max_steps: 20
  stuck_reset_at: 2
  stuck_terminate_at: 4
  tool_choice: Required
  planning: false
chunking:
  chunk_size: 1000
  overlap: 100
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.MaxSteps != 20 {
		t.Errorf("max_steps = %d, want 20", cfg.Agent.MaxSteps)
	}
	if cfg.Agent.StuckResetAt != 2 || cfg.Agent.StuckTerminateAt != 4 {
		t.Errorf("stuck thresholds = %d/%d, want 2/4", cfg.Agent.StuckResetAt, cfg.Agent.StuckTerminateAt)
	}
	if cfg.Agent.ToolChoice != "required" {
		t.Errorf("tool_choice = %q, want required", cfg.Agent.ToolChoice)
	}
	if cfg.Agent.PlanningEnabled() {
		t.Error("planning should be disabled")
	}
	if cfg.Chunking.ChunkSize != 1000 || cfg.Chunking.Overlap != 100 {
		t.Errorf("chunking = %d/%d, want 1000/100", cfg.Chunking.ChunkSize, cfg.Chunking.Overlap)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("STEWARD_TEST_KEY", "secret123")
	cfg, err := Load(writeConfig(t, `
models:
  available:
    - name: cloud
      provider: openai
      model: gpt-4o-mini
      api_key: ${STEWARD_TEST_KEY}
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m, ok := cfg.Model("")
	if !ok {
		t.Fatal("default model not found")
	}
	if m.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", m.APIKey, "secret123")
	}
	if cfg.Models.Default != "cloud" {
		t.Errorf("default = %q, want cloud", cfg.Models.Default)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad tool choice", "agent:\n  tool_choice: sometimes\n", "tool_choice"},
		{"overlap too large", "chunking:\n  chunk_size: 100\n  overlap: 100\n", "overlap"},
		{"terminate below reset", "agent:\n  stuck_reset_at: 6\n  stuck_terminate_at: 3\n", "stuck_terminate_at"},
		{"bad driver", "transcript:\n  driver: postgres\n", "driver"},
		{"duplicate model", "models:\n  available:\n    - name: a\n    - name: a\n", "duplicate"},
		{"unknown default", "models:\n  default: b\n  available:\n    - name: a\n", "models.default"},
		{"bad log level", "log_level: loud\n", "log level"},
		{"bad log format", "log_format: xml\n", "log format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
	if _, ok := cfg.Model(""); !ok {
		t.Error("Default() has no default model")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level changed to %v", a.Value)
	}
}
