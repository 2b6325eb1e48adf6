package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/go-cmp/cmp"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/events"
)

type fakeSink struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (s *fakeSink) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, p)
	return &paho.PublishResponse{}, s.err
}

func (s *fakeSink) published() []*paho.Publish {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*paho.Publish(nil), s.msgs...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "steward", Requests: true}
}

func TestNewGeneratesClientID(t *testing.T) {
	p := New(testConfig(), events.New(), quietLogger())
	if !strings.HasPrefix(p.cfg.ClientID, "steward-") || len(p.cfg.ClientID) != len("steward-")+8 {
		t.Errorf("ClientID = %q", p.cfg.ClientID)
	}
	if p.requests != nil {
		t.Error("request queue created without a runner")
	}

	cfg := testConfig()
	cfg.ClientID = "fixed"
	p = New(cfg, events.New(), quietLogger(), WithRunner(func(context.Context, string) (string, error) { return "", nil }))
	if p.cfg.ClientID != "fixed" || p.requests == nil {
		t.Errorf("ClientID = %q, requests = %v", p.cfg.ClientID, p.requests)
	}
}

func TestForward(t *testing.T) {
	bus := events.New()
	p := New(testConfig(), bus, quietLogger())
	s := &fakeSink{}

	ch := bus.Subscribe(4)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Publish(events.Event{Timestamp: ts, Source: events.SourceAgent, Kind: events.KindRunStart, Data: map[string]any{"run_id": "r1"}})
	bus.Publish(events.Event{Timestamp: ts, Source: events.SourceAgent, Kind: events.KindRunComplete, Data: map[string]any{"run_id": "r1"}})
	bus.Unsubscribe(ch)

	p.forward(context.Background(), s, ch)

	msgs := s.published()
	var topics []string
	for _, m := range msgs {
		topics = append(topics, m.Topic)
	}
	if diff := cmp.Diff([]string{"steward/events/run_start", "steward/events/run_complete"}, topics); diff != "" {
		t.Fatalf("topics (-want +got):\n%s", diff)
	}

	var got events.Event
	if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
		t.Fatal(err)
	}
	want := events.Event{Timestamp: ts, Source: events.SourceAgent, Kind: events.KindRunStart, Data: map[string]any{"run_id": "r1"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
}

func TestForwardStopsOnCancel(t *testing.T) {
	p := New(testConfig(), events.New(), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		p.forward(ctx, &fakeSink{}, make(chan events.Event))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward did not return after cancel")
	}
}

func TestPublishAvailability(t *testing.T) {
	p := New(testConfig(), events.New(), quietLogger())
	s := &fakeSink{err: errors.New("not connected")}
	p.publishAvailability(context.Background(), s, "online")

	msgs := s.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "steward/availability" || string(m.Payload) != "online" || !m.Retain || m.QoS != 1 {
		t.Errorf("availability = %+v", m)
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Request
		ok      bool
	}{
		{"plain text", "  what is the capital of France? ", Request{Request: "what is the capital of France?"}, true},
		{"json", `{"id":"abc","request":"weather in Lisbon"}`, Request{ID: "abc", Request: "weather in Lisbon"}, true},
		{"json without id", `{"request":"hello"}`, Request{Request: "hello"}, true},
		{"broken json is text", `{"request":`, Request{Request: `{"request":`}, true},
		{"empty", "   ", Request{}, false},
		{"empty json request", `{"id":"x","request":" "}`, Request{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRequest([]byte(tt.payload))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.ID == "" {
				t.Error("ID not generated")
			}
			if tt.want.ID != "" && got.ID != tt.want.ID {
				t.Errorf("ID = %q, want %q", got.ID, tt.want.ID)
			}
			if got.Request != tt.want.Request {
				t.Errorf("Request = %q, want %q", got.Request, tt.want.Request)
			}
		})
	}
}

func TestRequestQueueServe(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	run := func(_ context.Context, req string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, req)
		if req == "fail" {
			return "", errors.New("model offline")
		}
		return "answer to " + req, nil
	}

	cfg := testConfig()
	p := New(cfg, events.New(), quietLogger(), WithRunner(run))
	for _, payload := range []string{`{"id":"1","request":"first"}`, `{"id":"2","request":"fail"}`} {
		if !p.handleInbound(&paho.Publish{Topic: "steward/request", Payload: []byte(payload)}) {
			t.Fatalf("request %s not handled", payload)
		}
	}
	if p.handleInbound(&paho.Publish{Topic: "other/topic", Payload: []byte("x")}) {
		t.Error("foreign topic reported handled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replies := make(chan Reply, 2)
	go p.requests.serve(ctx, func(r Reply) { replies <- r })

	var got []Reply
	for range 2 {
		select {
		case r := <-replies:
			r.Elapsed = ""
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for replies")
		}
	}
	want := []Reply{
		{ID: "1", Response: "answer to first"},
		{ID: "2", Error: "model offline"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies (-want +got):\n%s", diff)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"first", "fail"}, seen); diff != "" {
		t.Errorf("run order (-want +got):\n%s", diff)
	}
}

func TestRequestQueueRejects(t *testing.T) {
	q := newRequestQueue(func(context.Context, string) (string, error) { return "", nil }, quietLogger())

	for i := range requestBacklog {
		if reason := q.enqueue(Request{ID: "r", Request: "x"}); reason != "" {
			t.Fatalf("request %d rejected: %s", i, reason)
		}
	}
	if reason := q.enqueue(Request{Request: "x"}); reason != "request backlog full" {
		t.Errorf("reason = %q, want backlog full", reason)
	}
	// requestLimit is 10; the backlog of 8 plus one rejected used 9.
	q.enqueue(Request{Request: "x"})
	if reason := q.enqueue(Request{Request: "x"}); reason != "rate limit exceeded" {
		t.Errorf("reason = %q, want rate limit", reason)
	}
}

func TestRateLimiter(t *testing.T) {
	r := newRateLimiter(2, time.Hour, quietLogger())
	if !r.allow() || !r.allow() {
		t.Fatal("requests within the limit rejected")
	}
	if r.allow() {
		t.Error("third request allowed")
	}
	if r.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", r.dropped.Load())
	}
	r.reset()
	if !r.allow() {
		t.Error("request rejected after reset")
	}
}
