package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/praxishq/eventpipe/internal/domain"
)

// SubscriberFunc handles one domain event. Subscribers must tolerate
// occasionally missing an event (best-effort delivery) and reconcile
// periodically rather than relying on the bus for strong guarantees.
type SubscriberFunc func(ctx context.Context, ev domain.DomainEvent) error

type subscriber struct {
	name string
	fn   SubscriberFunc
}

// AuditLog persists every published event before subscribers run.
type AuditLog interface {
	InsertDomainEvent(ctx context.Context, ev *domain.DomainEvent) error
}

// Bus is the in-process publish/subscribe registry. Subscriptions are
// configuration: each feature area registers during process initialization,
// then Freeze marks the registry immutable for steady-state operation.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]subscriber
	frozen      bool

	audit  AuditLog
	logger *slog.Logger
}

func NewBus(audit AuditLog, logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]subscriber),
		audit:       audit,
		logger:      logger,
	}
}

// Subscribe registers a named handler for an event type. Only valid during
// initialization; registering after Freeze is a programming error.
func (b *Bus) Subscribe(eventType, name string, fn SubscriberFunc) error {
	if _, ok := domain.KnownDomainEventTypes[eventType]; !ok {
		return fmt.Errorf("subscribing %q to unknown event type %q", name, eventType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return fmt.Errorf("subscribing %q after bus is frozen", name)
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{name: name, fn: fn})
	return nil
}

// Freeze marks the end of registration. Called once startup wiring is done.
func (b *Bus) Freeze() {
	b.mu.Lock()
	b.frozen = true
	b.mu.Unlock()
}

// Publish persists the event to the audit log, then invokes every subscriber
// registered for its type in registration order, each in its own supervised
// goroutine. A subscriber failure or panic is logged and never affects the
// publisher, the other subscribers, or the caller's already-committed state.
//
// The returned Result lets tests (and any caller that cares) wait for all
// subscribers to finish; production callers drop it.
func (b *Bus) Publish(ctx context.Context, ev *domain.DomainEvent) *Result {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Metadata.Timestamp.IsZero() {
		ev.Metadata.Timestamp = time.Now().UTC()
	}
	if ev.Metadata.CorrelationID == "" {
		ev.Metadata.CorrelationID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = ev.Metadata.Timestamp
	}

	// Subscribers outlive the caller's request/job context: the state change
	// this event describes has already committed.
	subCtx := context.WithoutCancel(ctx)

	if err := b.audit.InsertDomainEvent(ctx, ev); err != nil {
		// Best effort: the audit write failing must not suppress fan-out.
		b.logger.Error("failed to persist domain event",
			"error", err,
			"event_id", ev.ID,
			"event_type", ev.EventType,
		)
	}

	subs := b.subscribersFor(ev.EventType)
	res := newResult(len(subs))

	for _, sub := range subs {
		go b.invoke(subCtx, sub, *ev, res)
	}

	return res
}

func (b *Bus) subscribersFor(eventType string) []subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers[eventType]
}

// invoke runs one subscriber inside its own error boundary.
func (b *Bus) invoke(ctx context.Context, sub subscriber, ev domain.DomainEvent, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("subscriber panic: %v", r)
			b.logger.Error("subscriber panicked",
				"subscriber", sub.name,
				"event_id", ev.ID,
				"event_type", ev.EventType,
				"panic", r,
			)
			res.record(sub.name, err)
		}
	}()

	if err := sub.fn(ctx, ev); err != nil {
		b.logger.Error("subscriber failed",
			"error", err,
			"subscriber", sub.name,
			"event_id", ev.ID,
			"event_type", ev.EventType,
		)
		res.record(sub.name, err)
		return
	}

	res.record(sub.name, nil)
}

// SubscriberError identifies which subscriber failed and why.
type SubscriberError struct {
	Subscriber string
	Err        error
}

func (e SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s: %v", e.Subscriber, e.Err)
}

func (e SubscriberError) Unwrap() error { return e.Err }

// Result tracks completion of one publication's subscriber invocations.
type Result struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []SubscriberError
}

func newResult(n int) *Result {
	res := &Result{}
	res.wg.Add(n)
	return res
}

func (r *Result) record(name string, err error) {
	if err != nil {
		r.mu.Lock()
		r.errs = append(r.errs, SubscriberError{Subscriber: name, Err: err})
		r.mu.Unlock()
	}
	r.wg.Done()
}

// Wait blocks until every subscriber for this publication has returned, then
// reports any failures. Production code does not call it; tests do.
func (r *Result) Wait() []SubscriberError {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs
}
