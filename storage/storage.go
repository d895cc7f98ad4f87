package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/cmms-cartable/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDefinitionNotFound is returned for unknown workflow definition IDs.
	ErrDefinitionNotFound = fmt.Errorf("workflow definition %w", ErrNotFound)
	// ErrItemNotFound is returned for unknown cartable item IDs.
	ErrItemNotFound = fmt.Errorf("cartable item %w", ErrNotFound)
	// ErrMessageNotFound is returned for unknown message IDs.
	ErrMessageNotFound = fmt.Errorf("message %w", ErrNotFound)
	// ErrItemExists is returned when creating an item whose ID is taken.
	ErrItemExists = errors.New("cartable item already exists")
	// ErrVersionConflict is returned when an update's expected version is stale.
	ErrVersionConflict = errors.New("version conflict")
)

// ItemFilter selects cartable items. Zero fields match everything.
type ItemFilter struct {
	Module       string
	Status       types.ItemStatus
	AssigneeRole types.Role
	AssigneeID   string
	InitiatorID  string
}

// Match reports whether item passes the filter.
func (f ItemFilter) Match(item types.CartableItem) bool {
	if f.Module != "" && item.Module != f.Module {
		return false
	}
	if f.Status != "" && item.Status != f.Status {
		return false
	}
	if f.AssigneeRole != "" && item.AssigneeRole != f.AssigneeRole {
		return false
	}
	if f.AssigneeID != "" && item.AssigneeID != f.AssigneeID {
		return false
	}
	if f.InitiatorID != "" && item.InitiatorID != f.InitiatorID {
		return false
	}
	return true
}

// Storage persists workflow definitions, cartable items and their history.
type Storage interface {
	// SaveDefinition upserts a definition. A replaced definition keeps its list position.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error)

	// ListDefinitions returns all definitions in insertion order.
	ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error)

	// CreateItem stores a new item.
	CreateItem(ctx context.Context, item types.CartableItem) error

	// GetItem retrieves an item by ID.
	GetItem(ctx context.Context, id string) (types.CartableItem, error)

	// UpdateItem replaces an item if its stored version equals expectedVersion.
	UpdateItem(ctx context.Context, item types.CartableItem, expectedVersion int64) error

	// ListItems returns matching items in creation order.
	ListItems(ctx context.Context, filter ItemFilter) ([]types.CartableItem, error)

	// AppendHistory records a transition.
	AppendHistory(ctx context.Context, entry types.HistoryEntry) error

	// ListHistory returns an item's transitions, oldest first.
	ListHistory(ctx context.Context, itemID string) ([]types.HistoryEntry, error)
}

// MessageStore persists internal messages.
type MessageStore interface {
	// SaveMessage upserts a message.
	SaveMessage(ctx context.Context, msg types.Message) error

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id string) (types.Message, error)

	// ListMessages returns all messages in insertion order.
	ListMessages(ctx context.Context) ([]types.Message, error)

	// MarkMessageRead atomically adds userID to the message's ReadBy and
	// returns the result. Marking twice is a no-op.
	MarkMessageRead(ctx context.Context, id, userID string) (types.Message, error)
}

// addReader appends userID to msg.ReadBy unless present and reports whether it did.
func addReader(msg *types.Message, userID string) bool {
	for _, r := range msg.ReadBy {
		if r == userID {
			return false
		}
	}
	msg.ReadBy = append(msg.ReadBy, userID)
	return true
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
