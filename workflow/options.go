package workflow

import (
	"time"

	"github.com/songzhibin97/cmms-cartable/events"
	"github.com/songzhibin97/cmms-cartable/identity"
	"github.com/songzhibin97/cmms-cartable/rules"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithEvaluator sets the evaluator used for action conditions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *WorkflowEngine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithDirectory sets the user directory used to resolve INITIATOR steps.
func WithDirectory(dir identity.Directory) Option {
	return func(e *WorkflowEngine) {
		e.directory = dir
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(e *WorkflowEngine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEventBus replaces the engine's own event bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *WorkflowEngine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithDefinitionCacheTTL sets how long definitions stay cached.
// Zero or a negative TTL keeps them until the next save.
func WithDefinitionCacheTTL(ttl time.Duration) Option {
	return func(e *WorkflowEngine) {
		e.cacheTTL = ttl
	}
}

// WithPermissiveTransitions disables role checks on transitions and
// lets actions run on items that are no longer pending.
func WithPermissiveTransitions() Option {
	return func(e *WorkflowEngine) {
		e.permissive = true
	}
}

// WithoutBootstrap skips seeding the default WORK_ORDER definition.
func WithoutBootstrap() Option {
	return func(e *WorkflowEngine) {
		e.bootstrapped = true
	}
}
