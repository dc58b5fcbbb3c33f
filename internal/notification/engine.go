package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ankraft/acme-cse/internal/acp"
	"github.com/ankraft/acme-cse/internal/eventbus"
	"github.com/ankraft/acme-cse/internal/logging"
	"github.com/ankraft/acme-cse/internal/storage"
)

const consumerGroup = "notification-engine"

// Engine is the Subscription/Notification Engine (spec.md §4.6). It
// subscribes to the Event Bus, matches events against the subscription
// Index, and delivers notifications through per-subscription sticky
// worker queues so that one slow callback cannot reorder or stall
// another subscription's deliveries.
type Engine struct {
	index    *Index
	notifier *Notifier
	bus      eventbus.Bus
	store    storage.Store
	acpEval  *acp.Evaluator
	logger   *logging.Logger
	async    bool

	mu      sync.Mutex
	workers map[string]*subscriptionWorker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine constructs an Engine. async mirrors the
// asyncSubscriptionNotifications contract option (spec.md §6.5): when
// false, events are delivered synchronously on the bus-consumer goroutine.
// store and acpEval resolve a subscription's own acpi for the
// per-originator filter (spec.md §4.6).
func NewEngine(bus eventbus.Bus, notifier *Notifier, store storage.Store, acpEval *acp.Evaluator, async bool, logger *logging.Logger) *Engine {
	return &Engine{
		index:    NewIndex(),
		notifier: notifier,
		bus:      bus,
		store:    store,
		acpEval:  acpEval,
		logger:   logger,
		async:    async,
		workers:  make(map[string]*subscriptionWorker),
	}
}

// subscriptionWorker owns one subscription's sticky delivery queue and
// batch buffer. Of the states in spec.md §4.6's lifecycle, a worker is
// only ever ACTIVE (set when it is registered, after any verification)
// or DELETING (set on unregister); INITIAL, VERIFY_PENDING and BATCHING
// are not used.
type subscriptionWorker struct {
	sub   *Subscription
	state State

	mu      sync.Mutex
	jobs    chan *eventbus.Event
	batch   []*NotificationEvent
	flushAt time.Time
}

// Start begins consuming events published by the dispatcher. It runs
// until ctx is canceled.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	ch, err := e.bus.Subscribe(runCtx, consumerGroup, "engine")
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to event bus: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				e.dispatch(runCtx, event)
			}
		}
	}()
	return nil
}

// Stop cancels the Engine's background consumer and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// RegisterSubscription adds sub to the index, performing the verification
// handshake first when requested. Per spec.md §4.6: "on non-2000, reject
// creation" — a failed verification returns an error and the subscription
// is never indexed.
func (e *Engine) RegisterSubscription(ctx context.Context, sub *Subscription) error {
	if sub.VerificationRequested {
		notification := &Notification{SubscriptionReference: sub.RI, VerificationRequest: true}
		for _, target := range sub.NotificationURIs {
			status, err := e.notifier.Notify(ctx, target, notification)
			if err != nil || status != 200 {
				return fmt.Errorf("subscription verification failed for %s: %w", target, err)
			}
		}
	}

	e.mu.Lock()
	e.workers[sub.RI] = &subscriptionWorker{
		sub:   sub,
		state: StateActive,
		jobs:  make(chan *eventbus.Event, 64),
	}
	e.mu.Unlock()

	e.index.Put(sub)

	if e.async {
		w := e.workers[sub.RI]
		e.wg.Add(1)
		go e.runWorker(w)
	}
	return nil
}

// UnregisterSubscription transitions a subscription to DELETING, flushes
// any pending batch, and removes it from the index.
func (e *Engine) UnregisterSubscription(ri string) {
	e.index.Remove(ri)

	e.mu.Lock()
	w, ok := e.workers[ri]
	delete(e.workers, ri)
	e.mu.Unlock()

	if !ok {
		return
	}
	w.mu.Lock()
	w.state = StateDeleting
	pending := w.batch
	w.batch = nil
	close(w.jobs)
	w.mu.Unlock()

	if len(pending) > 0 {
		e.send(context.Background(), w.sub, &Notification{SubscriptionReference: w.sub.RI, BatchedEvents: pending})
	}
}

// RegisteredSubscriptionRIs returns the ri of every subscription the
// Engine currently holds a worker for, chiefly useful for tests and
// diagnostics that need to observe registration without reaching into
// the Engine's internals.
func (e *Engine) RegisteredSubscriptionRIs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.workers))
	for ri := range e.workers {
		out = append(out, ri)
	}
	return out
}

// dispatch matches event against the index and routes each matching
// subscription's notification onto its sticky worker (async) or delivers
// it inline (sync).
func (e *Engine) dispatch(ctx context.Context, event *eventbus.Event) {
	matcher := NewMatcher(e.index, e.store, e.acpEval)
	for _, sub := range matcher.Match(ctx, event) {
		e.mu.Lock()
		w, ok := e.workers[sub.RI]
		e.mu.Unlock()
		if !ok {
			continue // subscription deleted between match and delivery
		}

		if e.async {
			select {
			case w.jobs <- event:
			default:
				e.logger.Warn("subscription worker queue full, dropping event",
					zap.String("subscription_ri", sub.RI))
			}
			continue
		}
		e.deliverOne(ctx, w, event)
	}
}

func (e *Engine) runWorker(w *subscriptionWorker) {
	defer e.wg.Done()
	for event := range w.jobs {
		e.deliverOne(context.Background(), w, event)
	}
}

// deliverOne builds and sends (or batches) a single notification for one
// subscription's binding.
func (e *Engine) deliverOne(ctx context.Context, w *subscriptionWorker, event *eventbus.Event) {
	net := netForEventKind(event.Kind)
	nev := &NotificationEvent{
		NotificationEventType: net,
		Representation:        event.Snapshot,
		Timestamp:              event.Timestamp,
	}

	if w.sub.Batch != nil {
		e.enqueueBatch(ctx, w, nev)
		return
	}

	notification := &Notification{SubscriptionReference: w.sub.RI, NotificationEvent: nev}
	e.send(ctx, w.sub, notification)
}

// enqueueBatch implements spec.md §4.6's batch mode: accumulate per
// subscription up to bn.num messages or bn.dur seconds; flush as one
// notification carrying the list. The bn.dur deadline is checked only
// when a new event arrives: no timer flushes a batch on its own, so a
// batch whose deadline has passed waits for the next event. Backpressure
// drops the oldest entry once the buffer exceeds N·num (N=4, a generous
// multiplier that tolerates bursty producers without growing unbounded).
func (e *Engine) enqueueBatch(ctx context.Context, w *subscriptionWorker, nev *NotificationEvent) {
	const backpressureMultiplier = 4

	w.mu.Lock()
	if w.flushAt.IsZero() {
		w.flushAt = time.Now().Add(w.sub.Batch.Dur)
	}
	w.batch = append(w.batch, nev)

	limit := w.sub.Batch.Num * backpressureMultiplier
	overflow := len(w.batch) - limit
	if w.sub.Batch.Num > 0 && overflow > 0 {
		w.batch = w.batch[overflow:]
		batchBufferDropsTotal.Add(float64(overflow))
		e.logger.Warn("batch buffer overflow, dropping oldest notifications",
			zap.String("subscription_ri", w.sub.RI), zap.Int("dropped", overflow))
	}

	shouldFlush := (w.sub.Batch.Num > 0 && len(w.batch) >= w.sub.Batch.Num) || time.Now().After(w.flushAt)
	var toFlush []*NotificationEvent
	if shouldFlush {
		toFlush = w.batch
		w.batch = nil
		w.flushAt = time.Time{}
	}
	w.mu.Unlock()

	if toFlush != nil {
		notification := &Notification{SubscriptionReference: w.sub.RI, BatchedEvents: toFlush}
		e.send(ctx, w.sub, notification)
	}
}

// send delivers notification to every target URI of sub, recording
// per-target outcomes as statistics.
func (e *Engine) send(ctx context.Context, sub *Subscription, notification *Notification) {
	for _, target := range sub.NotificationURIs {
		start := time.Now()
		status, err := e.notifier.Notify(ctx, target, notification)
		duration := time.Since(start).Seconds()

		if err != nil {
			recordDelivered(DeliveryStatusFailed, duration)
			e.logger.LogNotification(sub.RI, target, 1, err)
			continue
		}
		recordDelivered(DeliveryStatusDelivered, duration)
		e.logger.LogNotification(sub.RI, target, 1, nil)
		_ = status
	}
}
