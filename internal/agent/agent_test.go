package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/tools"
	"github.com/nugget/steward/internal/usage"
)

// fakeModel replays scripted replies and records what it was sent.
type fakeModel struct {
	mu     sync.Mutex
	reply  func(n int, msgs []llm.Message) (*llm.Message, error)
	answer func(n int, prompt string) (string, error)

	seen    [][]llm.Message
	systems []string
	asks    []string
}

func (f *fakeModel) AskTool(_ context.Context, msgs, system []llm.Message, _ []map[string]any, choice llm.ToolChoice) (*llm.Message, error) {
	f.mu.Lock()
	n := len(f.seen)
	f.seen = append(f.seen, msgs)
	if len(system) > 0 {
		f.systems = append(f.systems, system[0].Content)
	}
	f.mu.Unlock()

	msg, err := f.reply(n, msgs)
	if err != nil {
		return nil, err
	}
	out := *msg
	out.Role = llm.RoleAssistant
	if choice == llm.ToolChoiceRequired && len(out.ToolCalls) == 0 {
		return &out, llm.ErrNoToolCalls
	}
	return &out, nil
}

func (f *fakeModel) Ask(_ context.Context, msgs, _ []llm.Message) (string, error) {
	f.mu.Lock()
	n := len(f.asks)
	f.asks = append(f.asks, msgs[len(msgs)-1].Content)
	f.mu.Unlock()
	if f.answer == nil {
		return "", errors.New("no analysis scripted")
	}
	return f.answer(n, msgs[len(msgs)-1].Content)
}

func (f *fakeModel) steps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// script returns replies in order, repeating the last one.
func script(replies ...*llm.Message) func(int, []llm.Message) (*llm.Message, error) {
	return func(n int, _ []llm.Message) (*llm.Message, error) {
		return replies[min(n, len(replies)-1)], nil
	}
}

func callReply(name string, args map[string]any) *llm.Message {
	return &llm.Message{ToolCalls: []llm.ToolCall{llm.NewToolCall("", name, args)}}
}

func textReply(s string) *llm.Message {
	return &llm.Message{Content: s}
}

func terminateReply(message string) *llm.Message {
	return callReply(tools.TerminateName, map[string]any{"status": "success", "message": message})
}

// longResult is a substantial tool output, well past every size floor.
var longResult = strings.Repeat("Quarterly revenue grew to 4.2 billion. ", 5)

type toolCounter struct {
	mu    sync.Mutex
	calls map[string][]map[string]any
}

func (c *toolCounter) add(name string, args map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string][]map[string]any)
	}
	c.calls[name] = append(c.calls[name], args)
}

func (c *toolCounter) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls[name])
}

func testRegistry(c *toolCounter) *tools.Registry {
	reg := tools.NewRegistry()
	simple := func(name string, fn func(map[string]any) (string, error)) {
		reg.Register(&tools.Tool{
			Name: name,
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				c.add(name, args)
				return fn(args)
			},
		})
	}
	echo := func(args map[string]any) (string, error) { return tools.StringArg(args, "text"), nil }
	simple("echo", echo)
	simple("alpha", echo)
	simple("beta", echo)
	simple("broken", func(map[string]any) (string, error) { return "", errors.New("disk on fire") })
	simple(searchTool, func(map[string]any) (string, error) { return longResult, nil })
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T, m *fakeModel, c *toolCounter, opts ...Option) *Agent {
	t.Helper()
	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
	base := []Option{WithLogger(quietLogger()), WithIDs(ids)}
	return New(m, testRegistry(c), append(base, opts...)...)
}

func roles(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestRunTerminate(t *testing.T) {
	c := &toolCounter{}
	m := &fakeModel{reply: script(
		callReply("echo", map[string]any{"text": "hi"}),
		terminateReply(`"The answer is 42."`),
	)}
	a := newTestAgent(t, m, c)

	got, err := a.Run(context.Background(), "what is the answer?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "Observed output of cmd `echo` executed:\nhi\nThe answer is 42."
	if got != want {
		t.Errorf("result = %q, want %q", got, want)
	}
	if a.State() != StateIdle {
		t.Errorf("state after run = %v, want IDLE", a.State())
	}
	info := a.LastRun()
	if info.Reason != ReasonTerminated || info.Steps != 2 {
		t.Errorf("LastRun = %+v, want terminated after 2 steps", info)
	}
	if c.count("echo") != 1 {
		t.Errorf("echo calls = %d, want 1", c.count("echo"))
	}

	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant, llm.RoleTool}
	if diff := cmp.Diff(wantRoles, roles(a.Memory().Messages())); diff != "" {
		t.Errorf("memory roles (-want +got):\n%s", diff)
	}

	// The next-step directive is sent but never stored.
	first := m.seen[0]
	last := first[len(first)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, "Choose the next action") {
		t.Errorf("last message sent = %+v, want next-step directive", last)
	}
	for _, msg := range a.Memory().Messages() {
		if strings.Contains(msg.Content, "Choose the next action") {
			t.Errorf("directive stored in memory: %q", msg.Content)
		}
	}
}

func TestRunInvalidState(t *testing.T) {
	m := &fakeModel{reply: script(terminateReply("done"))}
	a := newTestAgent(t, m, &toolCounter{})
	a.setState(StateRunning)

	_, err := a.Run(context.Background(), "hello")
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
	if ise.State != StateRunning {
		t.Errorf("error state = %v, want RUNNING", ise.State)
	}
	if a.Memory().Len() != 0 {
		t.Errorf("memory len = %d, want 0", a.Memory().Len())
	}
	if m.steps() != 0 {
		t.Errorf("model called %d times, want 0", m.steps())
	}
}

func TestRunRepetitiveToolCalls(t *testing.T) {
	c := &toolCounter{}
	calls := []llm.ToolCall{
		llm.NewToolCall("c1", "echo", map[string]any{"text": "a"}),
		llm.NewToolCall("c2", "echo", map[string]any{"text": "b"}),
		llm.NewToolCall("c3", "echo", map[string]any{"text": "c"}),
	}
	m := &fakeModel{reply: script(&llm.Message{ToolCalls: calls})}
	a := newTestAgent(t, m, c)

	got, err := a.Run(context.Background(), "loop please")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != prompts.RepetitiveActions {
		t.Errorf("result = %q, want %q", got, prompts.RepetitiveActions)
	}
	if c.count("echo") != 2 {
		t.Errorf("echo calls = %d, want 2", c.count("echo"))
	}
	if r := a.LastRun().Reason; r != ReasonRepetitive {
		t.Errorf("reason = %q, want %q", r, ReasonRepetitive)
	}

	// The call that never ran still gets a result.
	msgs := a.Memory().Messages()
	tail := msgs[len(msgs)-1]
	if tail.Role != llm.RoleTool || tail.ToolCallID != "c3" || tail.Content != prompts.NotExecuted {
		t.Errorf("last message = %+v, want skipped result for c3", tail)
	}
}

func TestRunIdenticalResults(t *testing.T) {
	c := &toolCounter{}
	calls := []llm.ToolCall{
		llm.NewToolCall("c1", "echo", map[string]any{"text": "same"}),
		llm.NewToolCall("c2", "echo", map[string]any{"text": "same"}),
		llm.NewToolCall("c3", "echo", map[string]any{"text": "same"}),
	}
	m := &fakeModel{reply: script(&llm.Message{ToolCalls: calls})}
	cfg := DefaultConfig()
	cfg.RepeatToolLimit = 4
	a := newTestAgent(t, m, c, WithConfig(cfg))

	got, err := a.Run(context.Background(), "same thing thrice")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != prompts.RepeatedOutput {
		t.Errorf("result = %q, want %q", got, prompts.RepeatedOutput)
	}
	if c.count("echo") != 3 {
		t.Errorf("echo calls = %d, want 3", c.count("echo"))
	}
}

func TestRunConsecutiveErrors(t *testing.T) {
	m := &fakeModel{reply: func(int, []llm.Message) (*llm.Message, error) {
		return nil, errors.New("backend down")
	}}
	a := newTestAgent(t, m, &toolCounter{})

	got, err := a.Run(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, want := range []string{
		"Step 1 Error: model call: backend down",
		"Step 3 Error: model call: backend down",
		"Stopped after 3 consecutive errors",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("result missing %q:\n%s", want, got)
		}
	}
	info := a.LastRun()
	if info.Reason != ReasonErrors || info.Steps != 3 {
		t.Errorf("LastRun = %+v, want consecutive_errors after 3 steps", info)
	}
}

func TestRunErrorCounterResetsOnSuccess(t *testing.T) {
	fail := errors.New("flaky")
	replies := []struct {
		msg *llm.Message
		err error
	}{
		{err: fail},
		{err: fail},
		{msg: callReply("echo", map[string]any{"text": "ok"})},
		{err: fail},
		{err: fail},
		{msg: terminateReply("made it")},
	}
	m := &fakeModel{reply: func(n int, _ []llm.Message) (*llm.Message, error) {
		r := replies[min(n, len(replies)-1)]
		return r.msg, r.err
	}}
	a := newTestAgent(t, m, &toolCounter{})

	got, err := a.Run(context.Background(), "try hard")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasSuffix(got, "made it") {
		t.Errorf("result = %q, want it to end with the answer", got)
	}
	info := a.LastRun()
	if info.Reason != ReasonTerminated || info.Steps != 6 {
		t.Errorf("LastRun = %+v, want terminated after 6 steps", info)
	}
}

func TestRunStepPanicIsStepError(t *testing.T) {
	m := &fakeModel{reply: func(n int, _ []llm.Message) (*llm.Message, error) {
		if n == 0 {
			panic("model exploded")
		}
		return terminateReply("recovered"), nil
	}}
	a := newTestAgent(t, m, &toolCounter{})

	got, err := a.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(got, "Step 1 Error: step panicked: model exploded") {
		t.Errorf("result = %q, want step panic recorded", got)
	}
	if a.LastRun().Reason != ReasonTerminated {
		t.Errorf("reason = %q, want terminated", a.LastRun().Reason)
	}
}

func TestRunStuckEscalation(t *testing.T) {
	const reply = "Working on the requested research now, one moment."
	m := &fakeModel{reply: script(textReply(reply))}
	bus := events.New()
	ch := bus.Subscribe(256)
	a := newTestAgent(t, m, &toolCounter{}, WithBus(bus))

	got, err := a.Run(context.Background(), "summarize the report")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasSuffix(got, prompts.LoopDetected) {
		t.Errorf("result = %q, want loop-detected answer", got)
	}
	info := a.LastRun()
	if info.Reason != ReasonStuck || info.Stuck != 7 || info.Steps != 10 {
		t.Errorf("LastRun = %+v, want stuck after 10 steps and 7 verdicts", info)
	}

	// Step 3 follows the first verdict and carries the mild redirection.
	sent := m.seen[2]
	if last := sent[len(sent)-1].Content; !strings.HasPrefix(last, prompts.StuckPrompt(1)) {
		t.Errorf("step 3 directive = %q, want stuck prefix", last)
	}
	// After the reset at step 6 the request is still in context.
	after := m.seen[6]
	var haveRequest bool
	for _, msg := range after {
		if msg.Role == llm.RoleUser && msg.Content == "summarize the report" {
			haveRequest = true
		}
	}
	if !haveRequest {
		t.Error("request lost after memory reset")
	}

	bus.Unsubscribe(ch)
	counts := map[string]int{}
	for ev := range ch {
		counts[ev.Kind]++
	}
	if counts[events.KindStuck] != 7 {
		t.Errorf("stuck events = %d, want 7", counts[events.KindStuck])
	}
	if counts[events.KindMemoryReset] != 2 {
		t.Errorf("memory_reset events = %d, want 2", counts[events.KindMemoryReset])
	}
	if counts[events.KindRunStart] != 1 || counts[events.KindRunComplete] != 1 {
		t.Errorf("run events = %v, want one start and one complete", counts)
	}
}

func TestRunStuckForcedAnswer(t *testing.T) {
	m := &fakeModel{reply: script(&llm.Message{
		Content:   "Searching the web for the latest figures now.",
		ToolCalls: []llm.ToolCall{llm.NewToolCall("", searchTool, map[string]any{"query": "revenue"})},
	})}
	a := newTestAgent(t, m, &toolCounter{})

	got, err := a.Run(context.Background(), "latest revenue")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasSuffix(got, prompts.ForcedAnswer("Observed output of cmd `web_search` executed:\n"+longResult)) {
		t.Errorf("result does not end with the forced answer:\n%s", got)
	}
	if a.LastRun().Reason != ReasonStuck {
		t.Errorf("reason = %q, want stuck", a.LastRun().Reason)
	}
}

func TestRunStepCeiling(t *testing.T) {
	cycle := []string{"echo", "alpha", "beta"}
	tests := []struct {
		name       string
		tools      []string
		wantReason string
		wantSteps  int
		wantSuffix string
	}{
		{
			name:       "no progress",
			tools:      []string{"echo"},
			wantReason: ReasonNoProgress,
			wantSteps:  4,
			wantSuffix: prompts.NoProgress,
		},
		{
			name:       "progress runs to hard stop",
			tools:      cycle,
			wantReason: ReasonStepLimit,
			wantSteps:  8,
			wantSuffix: prompts.StepLimit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeModel{reply: func(n int, _ []llm.Message) (*llm.Message, error) {
				name := tt.tools[n%len(tt.tools)]
				return callReply(name, map[string]any{"text": fmt.Sprintf("result %d", n)}), nil
			}}
			cfg := DefaultConfig()
			cfg.MaxSteps = 4
			a := newTestAgent(t, m, &toolCounter{}, WithConfig(cfg))

			got, err := a.Run(context.Background(), "keep going")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !strings.HasSuffix(got, tt.wantSuffix) {
				t.Errorf("result = %q, want suffix %q", got, tt.wantSuffix)
			}
			info := a.LastRun()
			if info.Reason != tt.wantReason || info.Steps != tt.wantSteps {
				t.Errorf("LastRun = %+v, want %s after %d steps", info, tt.wantReason, tt.wantSteps)
			}
		})
	}
}

func TestRunRecoversCallsFromText(t *testing.T) {
	c := &toolCounter{}
	m := &fakeModel{reply: script(
		textReply(`I will call {"name": "echo", "arguments": {"text": "from text"}} now.`),
		terminateReply("done"),
	)}
	a := newTestAgent(t, m, c)

	if _, err := a.Run(context.Background(), "echo something"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.count("echo") != 1 {
		t.Fatalf("echo calls = %d, want 1", c.count("echo"))
	}
	if got := tools.StringArg(c.calls["echo"][0], "text"); got != "from text" {
		t.Errorf("echo text = %q, want %q", got, "from text")
	}

	// The recovered call is attached to the assistant message so the
	// tool result has a call to pair with.
	msgs := a.Memory().Messages()
	if len(msgs[1].ToolCalls) != 1 || msgs[2].ToolCallID != msgs[1].ToolCalls[0].ID {
		t.Errorf("recovered call not paired: %+v / %+v", msgs[1], msgs[2])
	}
}

func TestRunStopPhrase(t *testing.T) {
	m := &fakeModel{reply: script(textReply("That covers everything, I will stop here."))}
	a := newTestAgent(t, m, &toolCounter{})

	got, err := a.Run(context.Background(), "wrap up")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != tools.DefaultCompletion {
		t.Errorf("result = %q, want %q", got, tools.DefaultCompletion)
	}
	if a.LastRun().Reason != ReasonTerminated || a.LastRun().Steps != 1 {
		t.Errorf("LastRun = %+v, want terminated after 1 step", a.LastRun())
	}
}

func TestRunStopPhraseWithCalls(t *testing.T) {
	c := &toolCounter{}
	m := &fakeModel{reply: script(&llm.Message{
		Content:   "Here is the final echo, then I will stop.",
		ToolCalls: []llm.ToolCall{llm.NewToolCall("c1", "echo", map[string]any{"text": "last words"})},
	})}
	a := newTestAgent(t, m, c)

	got, err := a.Run(context.Background(), "echo and finish")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != tools.DefaultCompletion {
		t.Errorf("result = %q, want %q", got, tools.DefaultCompletion)
	}
	if info := a.LastRun(); info.Reason != ReasonTerminated || info.Steps != 1 {
		t.Errorf("LastRun = %+v, want terminated after 1 step", info)
	}
	if c.count("echo") != 1 || m.steps() != 1 {
		t.Errorf("echo calls = %d, model calls = %d, want 1 each", c.count("echo"), m.steps())
	}

	msgs := a.Memory().Messages()
	var names []string
	for _, call := range msgs[1].ToolCalls {
		names = append(names, call.Function.Name)
	}
	if diff := cmp.Diff([]string{"echo", tools.TerminateName}, names); diff != "" {
		t.Errorf("assistant calls (-want +got):\n%s", diff)
	}
}

func TestRunSurfacesLastResultPerStep(t *testing.T) {
	c := &toolCounter{}
	m := &fakeModel{reply: script(
		&llm.Message{ToolCalls: []llm.ToolCall{
			llm.NewToolCall("c1", "alpha", map[string]any{"text": "FIRST-RESULT"}),
			llm.NewToolCall("c2", "beta", map[string]any{"text": "SECOND-RESULT"}),
		}},
		terminateReply("done"),
	)}
	a := newTestAgent(t, m, c)

	got, err := a.Run(context.Background(), "two tools")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "Observed output of cmd `beta` executed:\nSECOND-RESULT\ndone"
	if got != want {
		t.Errorf("result = %q, want %q", got, want)
	}
	if c.count("alpha") != 1 || c.count("beta") != 1 {
		t.Errorf("alpha calls = %d, beta calls = %d, want 1 each", c.count("alpha"), c.count("beta"))
	}

	// The earlier result is still in memory for the model.
	var kept bool
	for _, msg := range a.Memory().Messages() {
		if msg.Role == llm.RoleTool && strings.Contains(msg.Content, "FIRST-RESULT") {
			kept = true
		}
	}
	if !kept {
		t.Error("first tool result missing from memory")
	}
}

func TestRunToolChoice(t *testing.T) {
	t.Run("required without calls is a step error", func(t *testing.T) {
		m := &fakeModel{reply: script(textReply("Let me think about it."))}
		cfg := DefaultConfig()
		cfg.ToolChoice = llm.ToolChoiceRequired
		a := newTestAgent(t, m, &toolCounter{}, WithConfig(cfg))

		got, err := a.Run(context.Background(), "do it")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !strings.Contains(got, errToolCallRequired.Error()) {
			t.Errorf("result = %q, want required-call error", got)
		}
		if a.LastRun().Reason != ReasonErrors {
			t.Errorf("reason = %q, want %q", a.LastRun().Reason, ReasonErrors)
		}
	})

	t.Run("none strips call syntax and finishes", func(t *testing.T) {
		c := &toolCounter{}
		m := &fakeModel{reply: script(textReply("Paris is the capital.\n```json\n{\"name\": \"echo\", \"arguments\": {\"text\": \"x\"}}\n```"))}
		cfg := DefaultConfig()
		cfg.ToolChoice = llm.ToolChoiceNone
		a := newTestAgent(t, m, c, WithConfig(cfg))

		got, err := a.Run(context.Background(), "capital of France?")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got != "Paris is the capital." {
			t.Errorf("result = %q, want stripped prose", got)
		}
		if c.count("echo") != 0 {
			t.Errorf("echo called %d times with tools disabled", c.count("echo"))
		}
	})

	t.Run("auto without calls or content", func(t *testing.T) {
		m := &fakeModel{reply: script(textReply(""), terminateReply("fine"))}
		a := newTestAgent(t, m, &toolCounter{})

		got, err := a.Run(context.Background(), "hm")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !strings.HasPrefix(got, prompts.NoAction) {
			t.Errorf("result = %q, want %q first", got, prompts.NoAction)
		}
	})
}

func TestRunCancelled(t *testing.T) {
	m := &fakeModel{reply: script(terminateReply("never"))}
	a := newTestAgent(t, m, &toolCounter{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Run(ctx, "too late")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if m.steps() != 0 {
		t.Errorf("model called %d times after cancel", m.steps())
	}
	if a.State() != StateIdle || a.LastRun().Reason != ReasonCancelled {
		t.Errorf("state %v reason %q, want IDLE/cancelled", a.State(), a.LastRun().Reason)
	}
}

func TestRunKeepsConversation(t *testing.T) {
	m := &fakeModel{reply: script(terminateReply("first"))}
	a := newTestAgent(t, m, &toolCounter{})

	if _, err := a.Run(context.Background(), "one"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := a.Run(context.Background(), "two"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	second := m.seen[1]
	if second[0].Content != "one" {
		t.Errorf("second run starts with %q, want earlier request", second[0].Content)
	}
	var requests []string
	for _, msg := range a.Memory().Messages() {
		if msg.Role == llm.RoleUser {
			requests = append(requests, msg.Content)
		}
	}
	if diff := cmp.Diff([]string{"one", "two"}, requests); diff != "" {
		t.Errorf("stored requests (-want +got):\n%s", diff)
	}
}

type cleanupHook struct {
	mu      sync.Mutex
	events  []string
	cleaned int
}

func (h *cleanupHook) HandleToolResult(_ context.Context, ev dispatch.ToolEvent) dispatch.HookOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev.Name)
	return dispatch.HookOutcome{}
}

func (h *cleanupHook) Cleanup(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleaned++
	return nil
}

func TestRunCleansUp(t *testing.T) {
	reg := testRegistry(&toolCounter{})
	var toolCleaned int
	reg.Register(&tools.Tool{
		Name:    "session",
		Handler: func(context.Context, map[string]any) (string, error) { return "opened", nil },
		Cleanup: func(context.Context) error {
			toolCleaned++
			return nil
		},
	})
	hook := &cleanupHook{}
	m := &fakeModel{reply: script(callReply("session", nil), terminateReply("bye"))}
	a := New(m, reg, WithHook(hook), WithLogger(quietLogger()))

	if _, err := a.Run(context.Background(), "open a session"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if toolCleaned != 1 {
		t.Errorf("tool cleanup ran %d times, want 1", toolCleaned)
	}
	if hook.cleaned != 1 {
		t.Errorf("hook cleanup ran %d times, want 1", hook.cleaned)
	}
	if diff := cmp.Diff([]string{"session", tools.TerminateName}, hook.events); diff != "" {
		t.Errorf("hook events (-want +got):\n%s", diff)
	}
}

func TestRunTranscript(t *testing.T) {
	store, err := memory.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := &fakeModel{reply: script(
		callReply("broken", nil),
		callReply("echo", map[string]any{"text": "ok"}),
		terminateReply("recorded"),
	)}
	a := newTestAgent(t, m, &toolCounter{}, WithTranscript(store), WithModelName("test-model"))

	if _, err := a.Run(context.Background(), "record this"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx := context.Background()
	runs, err := store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != memory.RunFinished || run.Steps != 3 || run.Model != "test-model" {
		t.Errorf("run = %+v, want finished, 3 steps, test-model", run)
	}
	if !strings.HasSuffix(run.Result, "recorded") {
		t.Errorf("run result = %q", run.Result)
	}

	msgs, err := store.Messages(ctx, run.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if diff := cmp.Diff(roles(a.Memory().Messages()), roles(msgs)); diff != "" {
		t.Errorf("transcript roles differ from memory (-memory +transcript):\n%s", diff)
	}

	stats, err := store.ToolStats(ctx, run.ID)
	if err != nil {
		t.Fatalf("ToolStats: %v", err)
	}
	// Each entry is {calls, failures}.
	want := map[string][2]int{
		"broken":            {1, 1},
		"echo":              {1, 0},
		tools.TerminateName: {1, 0},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("tool stats (-want +got):\n%s", diff)
	}
}

// runTagged records the run each model call is attributed to.
type runTagged struct {
	*fakeModel
	runs []string
}

func (r *runTagged) AskTool(ctx context.Context, msgs, system []llm.Message, schemas []map[string]any, choice llm.ToolChoice) (*llm.Message, error) {
	r.runs = append(r.runs, usage.RunFrom(ctx))
	return r.fakeModel.AskTool(ctx, msgs, system, schemas, choice)
}

func TestRunTagsModelCalls(t *testing.T) {
	m := &runTagged{fakeModel: &fakeModel{reply: script(terminateReply("done"))}}
	a := New(m, testRegistry(&toolCounter{}), WithLogger(quietLogger()), WithIDs(func() string { return "run-x" }))

	if _, err := a.Run(context.Background(), "tag me"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"run-x"}, m.runs); diff != "" {
		t.Errorf("model call runs (-want +got):\n%s", diff)
	}
}
