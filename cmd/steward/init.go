package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/steward/internal/defaults"
	"github.com/nugget/steward/internal/phrasebook"
)

// runInit writes an example config.yaml and the built-in phrasebook
// into dir. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Steward workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// The config may carry API keys.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"phrasebook.yaml", phrasebook.DefaultYAML(), 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		mark := "✓"
		if !wrote {
			mark = "-"
		}
		fmt.Fprintf(w, "  %s %s\n", mark, path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to choose models and search providers.")
	fmt.Fprintln(w, "Set agent.phrasebook to phrasebook.yaml to tune tool-call recovery.")
	return nil
}

// writeIfMissing writes content to path unless it already exists. It
// reports whether the file was written.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
