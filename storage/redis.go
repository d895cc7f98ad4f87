package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/cmms-cartable/types"
)

const (
	definitionsKey     = "definitions"
	definitionOrderKey = "definitions:order"
	itemPrefix         = "item:"
	itemOrderKey       = "items"
	historyPrefix      = "history:"
	messagesKey        = "messages"
	messageOrderKey    = "messages:order"

	mgetBatch = 200

	// upserts racing on the same hash retry this often before giving up
	maxTxAttempts = 50
)

// RedisStorage is a Redis-backed implementation of Storage and MessageStore.
//
// Definitions and messages live in hashes with a side list preserving
// insertion order. Items are one JSON string per key so updates can be
// guarded with WATCH.
type RedisStorage struct {
	client    *redis.Client
	namespace string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	Namespace    string // key prefix, e.g. "cartable:"
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := NewRedisClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageWithClient(client, opts.Namespace), nil
}

// NewRedisClient builds a client from options without connecting.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})
}

// NewRedisStorageWithClient wraps an existing client, e.g. one shared with a tracking sequence.
func NewRedisStorageWithClient(client *redis.Client, namespace string) *RedisStorage {
	return &RedisStorage{client: client, namespace: namespace}
}

// Client exposes the underlying client.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.namespace
	for _, p := range parts {
		k += p
	}
	return k
}

// getFromRedis retrieves and unmarshals a JSON string value.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// hgetFromRedis retrieves and unmarshals a JSON hash field.
func hgetFromRedis[T any](ctx context.Context, client *redis.Client, key, field string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.HGet(ctx, key, field).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: id=%s", errNotFound, field)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s[%s] from Redis: %w", key, field, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s[%s]: %w", key, field, err)
		}
		return result, nil
	})
}

// listOrderedHash returns hash values in the order recorded by orderKey.
// Fields missing from the order list follow in id order.
func listOrderedHash[T any](ctx context.Context, client *redis.Client, hashKey, orderKey string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		ids, err := client.LRange(ctx, orderKey, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", orderKey, err)
		}
		ids, err = withUnorderedFields(ctx, client, hashKey, ids)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(ids))
		if len(ids) == 0 {
			return out, nil
		}
		values, err := client.HMGet(ctx, hashKey, ids...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", hashKey, err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var result T
			if err := json.Unmarshal([]byte(raw), &result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s[%s]: %w", hashKey, ids[i], err)
			}
			out = append(out, result)
		}
		return out, nil
	})
}

// withUnorderedFields appends hash fields that never made it into the order list.
func withUnorderedFields(ctx context.Context, client *redis.Client, hashKey string, ids []string) ([]string, error) {
	n, err := client.HLen(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", hashKey, err)
	}
	if int(n) <= len(ids) {
		return ids, nil
	}
	fields, err := client.HKeys(ctx, hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s fields: %w", hashKey, err)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	var missing []string
	for _, f := range fields {
		if !seen[f] {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return append(ids, missing...), nil
}

// watch runs fn in a WATCH transaction on keys, retrying when a concurrent
// write to the keys aborts it.
func (s *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("too much contention on %v: %w", keys, redis.TxFailedErr)
}

// saveOrderedHash upserts a hash field and appends new IDs to the order list
// in the same transaction.
func (s *RedisStorage) saveOrderedHash(ctx context.Context, hashKey, orderKey, id string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s[%s]: %w", hashKey, id, err)
		}
		return s.watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.HExists(ctx, hashKey, id).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s[%s]: %w", hashKey, id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, hashKey, id, data)
				if !exists {
					pipe.RPush(ctx, orderKey, id)
				}
				return nil
			})
			if err != nil && !errors.Is(err, redis.TxFailedErr) {
				return fmt.Errorf("failed to save %s[%s] in Redis: %w", hashKey, id, err)
			}
			return err
		}, hashKey)
	})
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.saveOrderedHash(ctx, s.key(definitionsKey), s.key(definitionOrderKey), def.ID, def)
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	return hgetFromRedis[types.WorkflowDefinition](ctx, s.client, s.key(definitionsKey), id, ErrDefinitionNotFound)
}

// ListDefinitions returns all definitions in insertion order.
func (s *RedisStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return listOrderedHash[types.WorkflowDefinition](ctx, s.client, s.key(definitionsKey), s.key(definitionOrderKey))
}

// CreateItem stores a new item and indexes it in one transaction.
func (s *RedisStorage) CreateItem(ctx context.Context, item types.CartableItem) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item %s: %w", item.ID, err)
		}
		key := s.key(itemPrefix, item.ID)
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: id=%s", ErrItemExists, item.ID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.RPush(ctx, s.key(itemOrderKey), item.ID)
				return nil
			})
			return err
		}, key)
		// only a write to this item's key aborts the transaction
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%s", ErrItemExists, item.ID)
		}
		if err != nil && !errors.Is(err, ErrItemExists) {
			return fmt.Errorf("failed to create item %s: %w", item.ID, err)
		}
		return err
	})
}

// GetItem retrieves an item from Redis.
func (s *RedisStorage) GetItem(ctx context.Context, id string) (types.CartableItem, error) {
	return getFromRedis[types.CartableItem](ctx, s.client, s.key(itemPrefix, id), ErrItemNotFound)
}

// UpdateItem replaces an item inside a WATCH transaction so concurrent
// writers cannot both succeed against the same version.
func (s *RedisStorage) UpdateItem(ctx context.Context, item types.CartableItem, expectedVersion int64) error {
	return withContextError(ctx, func() error {
		key := s.key(itemPrefix, item.ID)
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item %s: %w", item.ID, err)
		}

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: id=%s", ErrItemNotFound, item.ID)
			} else if err != nil {
				return fmt.Errorf("failed to get %s from Redis: %w", key, err)
			}

			var current types.CartableItem
			if err := json.Unmarshal(raw, &current); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			if current.Version != expectedVersion {
				return fmt.Errorf("%w: item %s is at version %d, expected %d", ErrVersionConflict, item.ID, current.Version, expectedVersion)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: item %s changed during update", ErrVersionConflict, item.ID)
		}
		return err
	})
}

// ListItems returns matching items in creation order.
func (s *RedisStorage) ListItems(ctx context.Context, filter ItemFilter) ([]types.CartableItem, error) {
	return withContext(ctx, func() ([]types.CartableItem, error) {
		ids, err := s.client.LRange(ctx, s.key(itemOrderKey), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read item index: %w", err)
		}

		out := make([]types.CartableItem, 0)
		for start := 0; start < len(ids); start += mgetBatch {
			end := start + mgetBatch
			if end > len(ids) {
				end = len(ids)
			}
			keys := make([]string, 0, end-start)
			for _, id := range ids[start:end] {
				keys = append(keys, s.key(itemPrefix, id))
			}

			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read items: %w", err)
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var item types.CartableItem
				if err := json.Unmarshal([]byte(raw), &item); err != nil {
					return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
				}
				if filter.Match(item) {
					out = append(out, item)
				}
			}
		}
		return out, nil
	})
}

// AppendHistory records a transition.
func (s *RedisStorage) AppendHistory(ctx context.Context, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry %s: %w", entry.ID, err)
		}
		key := s.key(historyPrefix, entry.ItemID)
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append to %s: %w", key, err)
		}
		return nil
	})
}

// ListHistory returns an item's transitions, oldest first.
func (s *RedisStorage) ListHistory(ctx context.Context, itemID string) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		key := s.key(historyPrefix, itemID)
		raws, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		out := make([]types.HistoryEntry, 0, len(raws))
		for _, raw := range raws {
			var entry types.HistoryEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			out = append(out, entry)
		}
		return out, nil
	})
}

// SaveMessage upserts a message.
func (s *RedisStorage) SaveMessage(ctx context.Context, msg types.Message) error {
	return s.saveOrderedHash(ctx, s.key(messagesKey), s.key(messageOrderKey), msg.ID, msg)
}

// GetMessage retrieves a message by ID.
func (s *RedisStorage) GetMessage(ctx context.Context, id string) (types.Message, error) {
	return hgetFromRedis[types.Message](ctx, s.client, s.key(messagesKey), id, ErrMessageNotFound)
}

// MarkMessageRead adds userID to the message's readers under WATCH so
// concurrent readers on other processes are not lost.
func (s *RedisStorage) MarkMessageRead(ctx context.Context, id, userID string) (types.Message, error) {
	var msg types.Message
	err := withContextError(ctx, func() error {
		hashKey := s.key(messagesKey)
		return s.watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, hashKey, id).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: id=%s", ErrMessageNotFound, id)
			} else if err != nil {
				return fmt.Errorf("failed to get %s[%s] from Redis: %w", hashKey, id, err)
			}
			msg = types.Message{}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal %s[%s]: %w", hashKey, id, err)
			}
			if !addReader(&msg, userID) {
				return nil
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal %s[%s]: %w", hashKey, id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, hashKey, id, data)
				return nil
			})
			return err
		}, hashKey)
	})
	if err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

// ListMessages returns all messages in insertion order.
func (s *RedisStorage) ListMessages(ctx context.Context) ([]types.Message, error) {
	return listOrderedHash[types.Message](ctx, s.client, s.key(messagesKey), s.key(messageOrderKey))
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
