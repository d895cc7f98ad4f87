package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/logger"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull is returned when the dispatcher is too far behind to queue another event.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler means nobody listens for the type, so the event was dropped.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Cartable event types.
const (
	ItemStarted       = "item_started"
	ItemAdvanced      = "item_advanced"
	ItemFinished      = "item_finished"
	ItemRejected      = "item_rejected"
	ItemAssigned      = "item_assigned"
	DefinitionSaved   = "definition_saved"
	DefinitionSeeded  = "definition_seeded"
	DefinitionMissing = "definition_missing"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

// Event is a notification about a cartable item or a definition.
type Event struct {
	Type    string
	ItemID  string
	Module  string
	ActorID string
	Data    map[string]interface{}
	// Time is set by Publish when left zero.
	Time time.Time
}

// EventHandler reacts to a delivered event, e.g. by notifying the next role.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus delivers events to subscribers on a single dispatch goroutine.
// Handlers of one event run concurrently; events are dispatched in publish order.
type EventBus struct {
	handlers       map[string][]subscription
	nextID         uint64
	mu             sync.RWMutex
	eventCh        chan Event
	errHandler     func(event Event, err error)
	handlerTimeout time.Duration
	wg             sync.WaitGroup
	closed         bool
	closeMu        sync.RWMutex
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for dispatch.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler receives every handler failure. A nil handler keeps the logging default.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.errHandler = handler
		}
	}
}

// WithHandlerTimeout bounds how long the handlers of one event may run.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		eb.handlerTimeout = d
	}
}

// NewEventBus creates an EventBus and starts its dispatch goroutine.
// The default buffer size is 100, handlers get five seconds and their errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:       make(map[string][]subscription),
		eventCh:        make(chan Event, 100),
		errHandler:     defaultErrorHandler,
		handlerTimeout: 5 * time.Second,
	}

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers handler for eventType, or for every type with AllEvents.
// The returned function removes the subscription; calling it twice is harmless.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	eb.mu.Unlock()

	return func() { eb.unsubscribe(eventType, id) }
}

// SubscribeFunc is Subscribe for a plain function.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) (unsubscribe func()) {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

func (eb *EventBus) unsubscribe(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(eb.handlers[eventType]) == 0 {
		delete(eb.handlers, eventType)
	}
}

// HasSubscribers reports whether an event of eventType would reach any handler.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0 || len(eb.handlers[AllEvents]) > 0
}

func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[eventType]
	all := eb.handlers[AllEvents]
	out := make([]EventHandler, 0, len(subs)+len(all))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	for _, s := range all {
		out = append(out, s.handler)
	}
	return out
}

// Publish queues an event for asynchronous delivery.
// Returns an error if the context is canceled, the bus is closed, nobody
// listens for the type, or the buffer is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// hold the read lock across the send so Stop cannot close the channel under us
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop closes the bus and waits until every queued event has been delivered.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), eb.handlerTimeout)
		errs := executeHandlers(ctx, handlers, event)
		cancel()

		for _, err := range errs {
			eb.errHandler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
func executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

func defaultErrorHandler(event Event, err error) {
	logger.Error("event handler failed",
		zap.String("type", event.Type),
		zap.String("item", event.ItemID),
		zap.String("module", event.Module),
		zap.Error(err))
}
