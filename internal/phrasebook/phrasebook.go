// Package phrasebook loads the phrase and pattern tables used to read
// intent out of free-text model output: placeholder values, code-like
// call syntax, key-based tool inference, stop phrases and "waiting for
// instructions" phrases. The tables are data, not code, so operators
// can tune them for their models and languages without a rebuild.
package phrasebook

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed phrasebook.yaml
var defaultYAML []byte

// Phrasebook is the parsed, compiled table set.
type Phrasebook struct {
	Placeholders    []Placeholder `yaml:"placeholders"`
	RequestPrefixes []string      `yaml:"request_prefixes"`
	CallPatterns    []CallPattern `yaml:"call_patterns"`
	Inferences      []Inference   `yaml:"inferences"`
	StopPhrases     []string      `yaml:"stop_phrases"`
	WaitingPhrases  []string      `yaml:"waiting_phrases"`

	stopRE *regexp.Regexp
}

// Placeholder lists template values a model may echo for one argument.
type Placeholder struct {
	Tool   string   `yaml:"tool"`
	Arg    string   `yaml:"arg"`
	Values []string `yaml:"values"`
}

// CallPattern recognizes code-like call syntax for one tool.
type CallPattern struct {
	Tool     string              `yaml:"tool"`
	Pattern  string              `yaml:"pattern"`
	Args     []string            `yaml:"args"`
	Enum     map[string][]string `yaml:"enum"`
	Defaults map[string]string   `yaml:"defaults"`

	re *regexp.Regexp
}

// Regexp returns the compiled pattern.
func (c *CallPattern) Regexp() *regexp.Regexp { return c.re }

// Inference attributes a nameless JSON object to Tool when it carries
// all of Keys.
type Inference struct {
	Keys []string `yaml:"keys"`
	Tool string   `yaml:"tool"`
}

// Default returns the built-in phrasebook. It panics only if the
// embedded file is broken, which the package tests rule out.
func Default() *Phrasebook {
	pb, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("phrasebook: embedded tables invalid: %v", err))
	}
	return pb
}

// DefaultYAML returns a copy of the built-in tables, for operators
// who want a starting point to edit.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultYAML...)
}

// Load reads a phrasebook from path. An empty path returns Default.
func Load(path string) (*Phrasebook, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phrasebook: %w", err)
	}
	return Parse(data)
}

// Parse decodes and compiles a phrasebook.
func Parse(data []byte) (*Phrasebook, error) {
	var pb Phrasebook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("parse phrasebook: %w", err)
	}
	if err := pb.compile(); err != nil {
		return nil, err
	}
	return &pb, nil
}

func (pb *Phrasebook) compile() error {
	for i := range pb.CallPatterns {
		cp := &pb.CallPatterns[i]
		if cp.Tool == "" || len(cp.Args) == 0 {
			return fmt.Errorf("call_patterns[%d]: tool and args are required", i)
		}
		re, err := regexp.Compile(cp.Pattern)
		if err != nil {
			return fmt.Errorf("call_patterns[%d] (%s): %w", i, cp.Tool, err)
		}
		if len(cp.Args) > 1 && re.NumSubexp() < len(cp.Args) {
			return fmt.Errorf("call_patterns[%d] (%s): %d args but %d groups", i, cp.Tool, len(cp.Args), re.NumSubexp())
		}
		cp.re = re
	}

	for i, inf := range pb.Inferences {
		if inf.Tool == "" || len(inf.Keys) == 0 {
			return fmt.Errorf("inferences[%d]: tool and keys are required", i)
		}
	}

	for i := range pb.WaitingPhrases {
		pb.WaitingPhrases[i] = strings.ToLower(pb.WaitingPhrases[i])
	}

	if len(pb.StopPhrases) > 0 {
		quoted := make([]string, len(pb.StopPhrases))
		for i, p := range pb.StopPhrases {
			quoted[i] = regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(p)))
		}
		pb.stopRE = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return nil
}

// HasStopPhrase reports whether text contains a stop phrase as a whole
// word.
func (pb *Phrasebook) HasStopPhrase(text string) bool {
	return pb.stopRE != nil && pb.stopRE.MatchString(text)
}

// IsPlaceholder reports whether value is a known template value for
// tool's arg.
func (pb *Phrasebook) IsPlaceholder(tool, arg, value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, p := range pb.Placeholders {
		if p.Tool != tool || p.Arg != arg {
			continue
		}
		for _, pv := range p.Values {
			if strings.ToLower(pv) == v {
				return true
			}
		}
	}
	return false
}

// WaitingMatches returns the waiting phrases found in text.
func (pb *Phrasebook) WaitingMatches(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, p := range pb.WaitingPhrases {
		if strings.Contains(lower, p) {
			out = append(out, p)
		}
	}
	return out
}

// CleanRequest strips a leading request verb so the remainder can be
// used as a search query.
func (pb *Phrasebook) CleanRequest(request string) string {
	q := strings.TrimSpace(request)
	lower := strings.ToLower(q)
	for _, p := range pb.RequestPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return strings.TrimSpace(q[len(p):])
		}
	}
	return q
}
