// Package toolparse recovers tool calls from free-text model output.
//
// Models do not reliably use the structured tool-calling channel. They
// paste JSON into prose, wrap it in code fences, truncate it, write
// Python-style calls, or echo template placeholders from their prompt.
// The Interpreter applies a fixed sequence of best-effort rules, driven
// by a phrasebook, and returns whatever calls it can recover. It never
// fails: an empty result means "treat the reply as plain text".
package toolparse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/phrasebook"
	"github.com/nugget/steward/internal/tools"
)

// argKeys are the fields, in preference order, that may carry a call's
// arguments.
var argKeys = []string{"arguments", "parameters", "args", "tool_input", "input"}

// nameKeys are removed from an object before its remaining fields are
// used as arguments.
var nameKeys = []string{"name", "tool_name", "tool", "function", "type", "id"}

// Interpreter turns model text into tool calls.
type Interpreter struct {
	book   *phrasebook.Phrasebook
	known  func(string) bool
	newID  func() string
	logger *slog.Logger
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithKnownTools restricts recovered calls to names for which fn
// reports true. Without it every name is accepted.
func WithKnownTools(fn func(string) bool) Option {
	return func(in *Interpreter) { in.known = fn }
}

// WithIDs sets the call id generator.
func WithIDs(fn func() string) Option {
	return func(in *Interpreter) { in.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Interpreter) { in.logger = l }
}

// New creates an Interpreter. A nil book uses phrasebook.Default.
func New(book *phrasebook.Phrasebook, opts ...Option) *Interpreter {
	if book == nil {
		book = phrasebook.Default()
	}
	in := &Interpreter{book: book}
	for _, o := range opts {
		o(in)
	}
	if in.known == nil {
		in.known = func(string) bool { return true }
	}
	if in.newID == nil {
		in.newID = func() string { return "call_" + uuid.NewString()[:8] }
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	return in
}

// Interpret returns the tool calls recoverable from text. request is
// the user's original request, substituted for placeholder arguments.
func (in *Interpreter) Interpret(text, request string) (calls []llm.ToolCall) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Warn("tool call interpretation panicked", "panic", r)
			calls = nil
		}
	}()

	if strings.TrimSpace(text) == "" {
		return nil
	}

	rule := ""
	switch {
	case in.fromPlaceholder(text, request, &calls):
		rule = "placeholder"
	case in.fromCallSyntax(text, request, &calls):
		rule = "call_syntax"
	case in.fromJSON(text, request, &calls):
		rule = "json"
	case in.book.HasStopPhrase(text):
		calls = append(calls, in.terminateCall())
		rule = "stop_phrase"
	default:
		return nil
	}

	in.logger.Debug("recovered tool calls from text",
		"rule", rule,
		"count", len(calls),
		"tools", callNames(calls),
	)
	return calls
}

// HasStopCue reports whether text contains a termination phrase.
func (in *Interpreter) HasStopCue(text string) bool {
	return in.book.HasStopPhrase(text)
}

// TerminateCall returns a terminate call with the default status, for
// replies whose text asks to stop.
func (in *Interpreter) TerminateCall() llm.ToolCall {
	return in.terminateCall()
}

// StripCallSyntax removes fenced blocks and inline JSON that decode to
// tool calls, leaving only prose. It is used when tools are disabled so
// call syntax the model wrote anyway does not reach the user.
func (in *Interpreter) StripCallSyntax(text string) string {
	out := fenceRE.ReplaceAllStringFunc(text, func(block string) string {
		if len(in.decode(block, "")) > 0 {
			return ""
		}
		return block
	})
	out = toolTagRE.ReplaceAllString(out, "")

	var b strings.Builder
	last := 0
	for _, sp := range scanValues(out) {
		if len(in.decode(out[sp.start:sp.end], "")) == 0 {
			continue
		}
		b.WriteString(out[last:sp.start])
		last = sp.end
	}
	b.WriteString(out[last:])
	return strings.TrimSpace(b.String())
}

// fromPlaceholder handles a reply that echoes a template value for a
// tool it names, by calling that tool with the cleaned request.
func (in *Interpreter) fromPlaceholder(text, request string, calls *[]llm.ToolCall) bool {
	if strings.TrimSpace(request) == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range in.book.Placeholders {
		if !strings.Contains(lower, strings.ToLower(p.Tool)) || !in.known(p.Tool) {
			continue
		}
		for _, v := range p.Values {
			if strings.Contains(lower, strings.ToLower(v)) {
				*calls = append(*calls, in.newCall(p.Tool, map[string]any{p.Arg: in.book.CleanRequest(request)}))
				return true
			}
		}
	}
	return false
}

func (in *Interpreter) fromCallSyntax(text, request string, calls *[]llm.ToolCall) bool {
	seen := make(map[string]bool)
	for i := range in.book.CallPatterns {
		cp := &in.book.CallPatterns[i]
		if !in.known(cp.Tool) {
			continue
		}
		for _, m := range cp.Regexp().FindAllStringSubmatch(text, -1) {
			args := bindGroups(cp, m[1:])
			if args == nil {
				continue
			}
			in.finish(cp.Tool, args, request)
			key := callKey(cp.Tool, args)
			if seen[key] {
				continue
			}
			seen[key] = true
			*calls = append(*calls, in.newCall(cp.Tool, args))
		}
	}
	return len(*calls) > 0
}

// bindGroups maps capture groups onto a pattern's argument names. With
// a single argument the first non-empty group wins, which lets one
// pattern offer alternative spellings.
func bindGroups(cp *phrasebook.CallPattern, groups []string) map[string]any {
	args := make(map[string]any, len(cp.Args))
	if len(cp.Args) == 1 {
		for _, g := range groups {
			if g = strings.TrimSpace(g); g != "" {
				args[cp.Args[0]] = g
				return args
			}
		}
		return nil
	}
	for i, name := range cp.Args {
		if i >= len(groups) {
			break
		}
		if g := strings.TrimSpace(groups[i]); g != "" {
			args[name] = g
		}
	}
	if len(args) == 0 {
		return nil
	}

	// Order-insensitive patterns can bind an enum argument's value to
	// its neighbor. Swap it back when that is unambiguous.
	for arg, allowed := range cp.Enum {
		v, _ := args[arg].(string)
		if slices.Contains(allowed, v) {
			continue
		}
		for _, other := range cp.Args {
			if ov, ok := args[other].(string); ok && other != arg && slices.Contains(allowed, ov) {
				args[arg], args[other] = ov, v
				break
			}
		}
		if v, _ := args[arg].(string); !slices.Contains(allowed, v) {
			if def, ok := cp.Defaults[arg]; ok {
				args[arg] = def
			}
		}
	}
	for arg, def := range cp.Defaults {
		if _, ok := args[arg]; !ok {
			args[arg] = def
		}
	}
	return args
}

func (in *Interpreter) fromJSON(text, request string, calls *[]llm.ToolCall) bool {
	seen := make(map[string]bool)
	for _, region := range regions(text) {
		for _, tc := range in.decode(region, request) {
			key := callKey(tc.Function.Name, tc.Function.Arguments)
			if tc.Function.Raw != "" {
				key = tc.Function.Name + "\x00" + tc.Function.Raw
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			*calls = append(*calls, tc)
		}
	}
	return len(*calls) > 0
}

// decode extracts calls from every JSON-looking value in s.
func (in *Interpreter) decode(s, request string) []llm.ToolCall {
	var out []llm.ToolCall
	for _, sp := range scanValues(s) {
		candidate := s[sp.start:sp.end]
		if !mentionsCallKey(candidate) {
			continue
		}
		var v any
		fixed := repair(candidate)
		if err := json.Unmarshal([]byte(fixed), &v); err != nil {
			in.logger.Log(context.Background(), llm.LevelTrace, "unparseable tool call candidate",
				"candidate", candidate,
				"error", err,
			)
			continue
		}
		out = append(out, in.shapes(v, request)...)
	}
	return out
}

func mentionsCallKey(s string) bool {
	lower := strings.ToLower(s)
	for _, k := range []string{"name", "tool", "function", "query", "action"} {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// shapes accepts the object layouts models use to name a tool: a name
// or tool_name field, a nested or flat function field, a tool field, an
// OpenAI-style tool_calls list, or none at all when the argument keys
// identify the tool.
func (in *Interpreter) shapes(v any, request string) []llm.ToolCall {
	switch t := v.(type) {
	case []any:
		var out []llm.ToolCall
		for _, e := range t {
			out = append(out, in.shapes(e, request)...)
		}
		return out
	case map[string]any:
		if list, ok := t["tool_calls"].([]any); ok {
			return in.shapes(list, request)
		}
		name, rawArgs := nameAndArgs(t)
		if name == "" {
			name = in.infer(t)
			rawArgs = t
		}
		if name == "" || !in.known(name) {
			if name != "" {
				in.logger.Debug("dropping call to unknown tool", "tool", name)
			}
			return nil
		}
		tc := in.newCall(name, nil)
		switch a := rawArgs.(type) {
		case map[string]any:
			tc.Function.Arguments = a
		case string:
			tc.Function = llm.DecodeArguments(name, a)
		default:
			tc.Function.Arguments = map[string]any{}
		}
		if tc.Function.Arguments != nil {
			in.finish(name, tc.Function.Arguments, request)
		}
		return []llm.ToolCall{tc}
	}
	return nil
}

// nameAndArgs returns the tool name an object carries and its arguments,
// which may be a map, a JSON string, or the object's remaining fields.
func nameAndArgs(obj map[string]any) (string, any) {
	var name string
	var args any

	switch fn := obj["function"].(type) {
	case map[string]any:
		name, _ = fn["name"].(string)
		args = firstArgs(fn)
	case string:
		name = fn
	}
	if name == "" {
		for _, k := range []string{"tool_name", "name", "tool"} {
			if s, ok := obj[k].(string); ok && s != "" {
				name = s
				break
			}
		}
	}
	if name == "" {
		return "", nil
	}
	if args == nil {
		args = firstArgs(obj)
	}
	if args == nil {
		rest := make(map[string]any, len(obj))
		for k, v := range obj {
			if !slices.Contains(nameKeys, k) {
				rest[k] = v
			}
		}
		args = rest
	}
	return strings.TrimSpace(name), args
}

func firstArgs(obj map[string]any) any {
	for _, k := range argKeys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func (in *Interpreter) infer(obj map[string]any) string {
	for _, inf := range in.book.Inferences {
		ok := true
		for _, k := range inf.Keys {
			if _, present := obj[k]; !present {
				ok = false
				break
			}
		}
		if ok && in.known(inf.Tool) {
			return inf.Tool
		}
	}
	return ""
}

// finish applies per-call fixups: terminate gets a default status and
// placeholder arguments are replaced by the request.
func (in *Interpreter) finish(name string, args map[string]any, request string) {
	if name == tools.TerminateName {
		if s, _ := args["status"].(string); s == "" {
			args["status"] = tools.StatusCompleted
		}
	}
	if strings.TrimSpace(request) == "" {
		return
	}
	for k, v := range args {
		if s, ok := v.(string); ok && in.book.IsPlaceholder(name, k, s) {
			args[k] = in.book.CleanRequest(request)
		}
	}
}

func (in *Interpreter) terminateCall() llm.ToolCall {
	return in.newCall(tools.TerminateName, map[string]any{"status": tools.StatusCompleted})
}

func (in *Interpreter) newCall(name string, args map[string]any) llm.ToolCall {
	return llm.NewToolCall(in.newID(), name, args)
}

func callKey(name string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%s\x00%v", name, args)
	}
	return name + "\x00" + string(b)
}

func callNames(calls []llm.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Function.Name
	}
	return names
}
