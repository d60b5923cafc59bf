// Package audit carries structured events for every order transition and
// admission denial to external sinks without ever blocking the caller.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"kioskexchange/observability"
)

// Event types emitted by the engine.
const (
	TypeOrderCreated       = "order.created"
	TypeTransition         = "order.transition"
	TypeTransitionRejected = "order.transition_rejected"
	TypeLateSettlement     = "session.late_settlement_ignored"
	TypeRateLimited        = "admission.rate_limited"
	TypeFraudBlocked       = "admission.fraud_blocked"
	TypeFraudFlagged       = "admission.flagged"
	TypeLimiterDegraded    = "admission.limiter_degraded"
)

// Event is one audit record.
type Event struct {
	ID         string
	Type       string
	OrderType  string
	OrderCode  string
	From       string
	To         string
	Reason     string
	Timestamp  time.Time
	Attributes map[string]string
}

// Notifier accepts events. Implementations must return promptly.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}

// Sink delivers events to a destination such as the order database.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to sinks from a bounded queue. Notify never
// blocks: when the queue is full the event is dropped and counted.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	logger  *slog.Logger
	metrics *observability.EventMetrics
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDeliveryTimeout bounds each sink delivery.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates a dispatcher with the given queue size.
func NewDispatcher(buffer int, sinks []Sink, opts ...Option) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{
		queue:   make(chan Event, buffer),
		sinks:   sinks,
		logger:  slog.Default(),
		metrics: observability.Events(),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify enqueues ev, stamping an id and timestamp when missing.
func (d *Dispatcher) Notify(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
		d.metrics.RecordEmitted(ev.Type)
	default:
		d.metrics.RecordDropped()
		d.logger.Warn("audit queue full, dropping event",
			slog.String("type", ev.Type),
			slog.String("code", ev.OrderCode))
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.closeOnce.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.Deliver(ctx, ev)
		cancel()
		if err != nil {
			d.metrics.RecordSinkFailure(sink.Name())
			d.logger.Error("audit delivery failed",
				slog.String("sink", sink.Name()),
				slog.String("type", ev.Type),
				slog.Any("error", err))
		}
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("event_id", ev.ID),
		slog.String("type", ev.Type),
		slog.Time("event_time", ev.Timestamp),
	}
	if ev.OrderCode != "" {
		attrs = append(attrs, slog.String("code", ev.OrderCode), slog.String("order_type", ev.OrderType))
	}
	if ev.From != "" || ev.To != "" {
		attrs = append(attrs, slog.String("from", ev.From), slog.String("to", ev.To))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	for k, v := range ev.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Info("audit", attrs...)
	return nil
}

// Recorder keeps events in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
