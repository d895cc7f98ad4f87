package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/cmms-cartable/types"
)

// MemoryStorage is an in-memory implementation of Storage and MessageStore.
// Every read and write copies item data so callers never share maps with the store.
type MemoryStorage struct {
	definitions map[string]types.WorkflowDefinition
	defOrder    []string
	items       map[string]types.CartableItem
	itemOrder   []string
	history     map[string][]types.HistoryEntry
	messages    map[string]types.Message
	msgOrder    []string
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.WorkflowDefinition),
		items:       make(map[string]types.CartableItem),
		history:     make(map[string][]types.HistoryEntry),
		messages:    make(map[string]types.Message),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error, clone func(T) T) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return clone(item), nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.definitions[def.ID]; !ok {
			s.defOrder = append(s.defOrder, def.ID)
		}
		s.definitions[def.ID] = def.Clone()
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound, types.WorkflowDefinition.Clone)
}

// ListDefinitions returns all definitions in insertion order.
func (s *MemoryStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowDefinition, 0, len(s.defOrder))
		for _, id := range s.defOrder {
			out = append(out, s.definitions[id].Clone())
		}
		return out, nil
	})
}

// CreateItem stores a new item.
func (s *MemoryStorage) CreateItem(ctx context.Context, item types.CartableItem) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.items[item.ID]; ok {
			return fmt.Errorf("%w: id=%s", ErrItemExists, item.ID)
		}
		s.items[item.ID] = item.Clone()
		s.itemOrder = append(s.itemOrder, item.ID)
		return nil
	})
}

// GetItem retrieves an item from memory.
func (s *MemoryStorage) GetItem(ctx context.Context, id string) (types.CartableItem, error) {
	return getItem(ctx, &s.mu, s.items, id, ErrItemNotFound, types.CartableItem.Clone)
}

// UpdateItem replaces an item when the stored version matches expectedVersion.
func (s *MemoryStorage) UpdateItem(ctx context.Context, item types.CartableItem, expectedVersion int64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.items[item.ID]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrItemNotFound, item.ID)
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: item %s is at version %d, expected %d", ErrVersionConflict, item.ID, current.Version, expectedVersion)
		}
		s.items[item.ID] = item.Clone()
		return nil
	})
}

// ListItems returns matching items in creation order.
func (s *MemoryStorage) ListItems(ctx context.Context, filter ItemFilter) ([]types.CartableItem, error) {
	return withContext(ctx, func() ([]types.CartableItem, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.CartableItem, 0)
		for _, id := range s.itemOrder {
			item := s.items[id]
			if filter.Match(item) {
				out = append(out, item.Clone())
			}
		}
		return out, nil
	})
}

// AppendHistory records a transition.
func (s *MemoryStorage) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.history[entry.ItemID] = append(s.history[entry.ItemID], entry)
		return nil
	})
}

// ListHistory returns an item's transitions, oldest first.
func (s *MemoryStorage) ListHistory(ctx context.Context, itemID string) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append(make([]types.HistoryEntry, 0, len(s.history[itemID])), s.history[itemID]...), nil
	})
}

// SaveMessage upserts a message.
func (s *MemoryStorage) SaveMessage(ctx context.Context, msg types.Message) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.messages[msg.ID]; !ok {
			s.msgOrder = append(s.msgOrder, msg.ID)
		}
		s.messages[msg.ID] = cloneMessage(msg)
		return nil
	})
}

// GetMessage retrieves a message by ID.
func (s *MemoryStorage) GetMessage(ctx context.Context, id string) (types.Message, error) {
	return getItem(ctx, &s.mu, s.messages, id, ErrMessageNotFound, cloneMessage)
}

// MarkMessageRead adds userID to the message's readers.
func (s *MemoryStorage) MarkMessageRead(ctx context.Context, id, userID string) (types.Message, error) {
	return withContext(ctx, func() (types.Message, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		msg, ok := s.messages[id]
		if !ok {
			return types.Message{}, fmt.Errorf("%w: id=%s", ErrMessageNotFound, id)
		}
		msg = cloneMessage(msg)
		if addReader(&msg, userID) {
			s.messages[id] = msg
		}
		return cloneMessage(msg), nil
	})
}

// ListMessages returns all messages in insertion order.
func (s *MemoryStorage) ListMessages(ctx context.Context) ([]types.Message, error) {
	return withContext(ctx, func() ([]types.Message, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Message, 0, len(s.msgOrder))
		for _, id := range s.msgOrder {
			out = append(out, cloneMessage(s.messages[id]))
		}
		return out, nil
	})
}

func cloneMessage(msg types.Message) types.Message {
	c := msg
	if msg.ReadBy != nil {
		c.ReadBy = append(make([]string, 0, len(msg.ReadBy)), msg.ReadBy...)
	}
	return c
}
