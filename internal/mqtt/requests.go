package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

const (
	// requestBacklog is how many accepted requests may wait for the
	// agent. Requests beyond it are rejected with an error reply.
	requestBacklog = 8

	// requestLimit caps inbound requests per requestInterval.
	requestLimit    = 10
	requestInterval = time.Minute
)

// RunFunc answers one task request. Calls are serialized.
type RunFunc func(ctx context.Context, request string) (string, error)

// Request is an inbound task. A plain-text payload is accepted as the
// request text with a generated ID.
type Request struct {
	ID      string `json:"id"`
	Request string `json:"request"`
}

// Reply is published to the result topic for every accepted or
// rejected request.
type Reply struct {
	ID       string `json:"id"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Elapsed  string `json:"elapsed,omitempty"`
}

// parseRequest decodes payload. It reports false for empty requests.
func parseRequest(payload []byte) (Request, bool) {
	var r Request
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &r) == nil {
		r.Request = strings.TrimSpace(r.Request)
	} else {
		r = Request{Request: trimmed}
	}
	if r.Request == "" {
		return Request{}, false
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return r, true
}

// requestQueue runs requests one at a time in arrival order.
type requestQueue struct {
	run     RunFunc
	pending chan Request
	limiter *rateLimiter
	logger  *slog.Logger
}

func newRequestQueue(run RunFunc, logger *slog.Logger) *requestQueue {
	return &requestQueue{
		run:     run,
		pending: make(chan Request, requestBacklog),
		limiter: newRateLimiter(requestLimit, requestInterval, logger),
		logger:  logger,
	}
}

// enqueue accepts r or returns the reason it was rejected.
func (q *requestQueue) enqueue(r Request) string {
	if !q.limiter.allow() {
		return "rate limit exceeded"
	}
	select {
	case q.pending <- r:
		return ""
	default:
		return "request backlog full"
	}
}

// serve runs queued requests until ctx is cancelled, passing each
// reply to publish.
func (q *requestQueue) serve(ctx context.Context, publish func(Reply)) {
	go q.limiter.start(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.pending:
			start := time.Now()
			q.logger.Info("mqtt request started", "id", r.ID, "request_len", len(r.Request))
			resp, err := q.run(ctx, r.Request)
			reply := Reply{ID: r.ID, Response: resp, Elapsed: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				reply.Error = err.Error()
			}
			q.logger.Info("mqtt request finished", "id", r.ID, "error", reply.Error, "elapsed", reply.Elapsed)
			publish(reply)
		}
	}
}

// handleInbound queues request-topic messages. It reports whether the
// message was handled.
func (p *Publisher) handleInbound(pkt *paho.Publish) bool {
	if pkt == nil || pkt.Topic != p.topic("request") {
		return false
	}
	r, ok := parseRequest(pkt.Payload)
	if !ok {
		p.logger.Debug("mqtt empty request ignored", "payload_size", len(pkt.Payload))
		return true
	}
	if reason := p.requests.enqueue(r); reason != "" {
		p.logger.Warn("mqtt request rejected", "id", r.ID, "reason", reason)
		if cm := p.conn(); cm != nil {
			go p.publishReply(context.Background(), cm, Reply{ID: r.ID, Error: reason})
		}
	}
	return true
}

func (p *Publisher) subscribeRequests(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.topic("request")
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", topic)
}

func (p *Publisher) publishReply(ctx context.Context, s sink, r Reply) {
	payload, err := json.Marshal(r)
	if err != nil {
		p.logger.Error("mqtt marshal reply", "id", r.ID, "error", err)
		return
	}
	if _, err := s.Publish(ctx, &paho.Publish{
		Topic:   p.topic("result"),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt reply publish failed", "id", r.ID, "error", err)
	}
}

// rateLimiter counts messages per interval and rejects those over the
// limit, using atomic counters on the hot path.
type rateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *rateLimiter {
	return &rateLimiter{limit: limit, interval: interval, logger: logger}
}

// start resets the counter every interval until ctx is cancelled.
func (r *rateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *rateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt requests dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

func (r *rateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
