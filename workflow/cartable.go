package workflow

import (
	"context"
	"fmt"

	"github.com/songzhibin97/cmms-cartable/storage"
	"github.com/songzhibin97/cmms-cartable/types"
)

// Query functions return copies; callers may modify them freely.

// GetMyCartable returns the pending items waiting on user: items routed to
// the user's role, initiator-owned items the user started, and items
// explicitly assigned to the user.
func (e *WorkflowEngine) GetMyCartable(ctx context.Context, user types.User) ([]types.CartableItem, error) {
	items, err := e.listItems(ctx, storage.ItemFilter{Status: types.StatusPending})
	if err != nil {
		return nil, err
	}
	out := make([]types.CartableItem, 0, len(items))
	for _, item := range items {
		if visibleTo(item, user) {
			out = append(out, item)
		}
	}
	return out, nil
}

// GetAllWorkOrders returns every WORK_ORDER item regardless of status.
func (e *WorkflowEngine) GetAllWorkOrders(ctx context.Context) ([]types.CartableItem, error) {
	return e.GetItemsByModule(ctx, ModuleWorkOrder)
}

// GetItemsByModule returns every item of module regardless of status.
func (e *WorkflowEngine) GetItemsByModule(ctx context.Context, module string) ([]types.CartableItem, error) {
	return e.listItems(ctx, storage.ItemFilter{Module: module})
}

// GetAllItems returns every item.
func (e *WorkflowEngine) GetAllItems(ctx context.Context) ([]types.CartableItem, error) {
	return e.listItems(ctx, storage.ItemFilter{})
}

// GetItem returns one item.
func (e *WorkflowEngine) GetItem(ctx context.Context, id string) (*types.CartableItem, error) {
	item, err := e.storage.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (e *WorkflowEngine) listItems(ctx context.Context, filter storage.ItemFilter) ([]types.CartableItem, error) {
	items, err := e.storage.ListItems(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}
