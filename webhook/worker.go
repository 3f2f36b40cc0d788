package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const maxAttempts = 5

// Endpoint is a webhook subscriber. Events lists the event types it
// receives; empty means all.
type Endpoint struct {
	Name   string
	URL    string
	Secret string
	Events []string

	// RatePerMinute bounds deliveries to this endpoint; zero applies the
	// default of 60.
	RatePerMinute int

	limiter *rate.Limiter
}

func (e *Endpoint) wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// Worker drains the queue and delivers events to subscribed endpoints with
// signed payloads and exponential retry.
type Worker struct {
	queue     *Queue
	endpoints []*Endpoint
	client    *http.Client
	log       *slog.Logger
	nowFn     func() time.Time
}

// NewWorker wires a worker over the queue and static endpoint list.
func NewWorker(queue *Queue, endpoints []Endpoint, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	targets := make([]*Endpoint, 0, len(endpoints))
	for i := range endpoints {
		ep := endpoints[i]
		perMinute := ep.RatePerMinute
		if perMinute <= 0 {
			perMinute = 60
		}
		ep.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		targets = append(targets, &ep)
	}
	return &Worker{
		queue:     queue,
		endpoints: targets,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log,
		nowFn:     time.Now,
	}
}

// Run processes tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Endpoint == nil {
			w.expand(task)
			continue
		}
		w.deliver(ctx, task)
	}
}

// expand fans an unbound event out to every endpoint subscribed to its type.
func (w *Worker) expand(task Task) {
	for _, ep := range w.endpoints {
		if !ep.wants(task.Event.Type) {
			continue
		}
		w.queue.enqueueTask(Task{Event: task.Event, Endpoint: ep})
	}
}

func (w *Worker) deliver(ctx context.Context, task Task) {
	ep := task.Endpoint
	if !ep.limiter.Allow() {
		// Push past the rate window rather than blocking the drain loop.
		task.NotBefore = w.nowFn().Add(time.Second)
		w.queue.enqueueTask(task)
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"type":       task.Event.Type,
		"sequence":   task.Event.Sequence,
		"dealId":     task.Event.DealID,
		"bookingId":  task.Event.BookingID,
		"attributes": task.Event.Attributes,
		"timestamp":  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.log.Error("webhook payload marshal failed",
			slog.String("endpoint", ep.Name),
			slog.String("error", err.Error()))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		w.log.Error("webhook request build failed",
			slog.String("endpoint", ep.Name),
			slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", SignPayload(ep.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(task, resp.Status)
		return
	}
	w.log.Debug("webhook delivered",
		slog.String("endpoint", ep.Name),
		slog.String("type", task.Event.Type),
		slog.Int64("sequence", task.Event.Sequence))
}

func (w *Worker) retryLater(task Task, reason string) {
	attempt := task.Attempt + 1
	if attempt >= maxAttempts {
		w.log.Error("webhook delivery abandoned",
			slog.String("endpoint", task.Endpoint.Name),
			slog.String("type", task.Event.Type),
			slog.Int("attempts", attempt),
			slog.String("reason", reason))
		return
	}
	task.Attempt = attempt
	task.NotBefore = w.nowFn().Add(backoffDuration(attempt))
	w.queue.enqueueTask(task)
	w.log.Warn("webhook delivery failed, retrying",
		slog.String("endpoint", task.Endpoint.Name),
		slog.Int("attempt", attempt),
		slog.String("reason", reason))
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// SignPayload computes the hex HMAC-SHA256 signature carried in the
// X-Webhook-Signature header.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func formatAmount(v int64) string {
	return strconv.FormatInt(v, 10)
}
