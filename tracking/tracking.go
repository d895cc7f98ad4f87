// Package tracking issues human-readable tracking codes such as W2610001.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/logger"
)

// Tracking code kinds used by the module adapters.
const (
	KindWorkOrder   = "W"
	KindPart        = "P"
	KindProject     = "J"
	KindMeeting     = "G"
	KindSuggestion  = "H"
	KindPurchase    = "K"
	KindShiftReport = "T"
)

const sequencePad = 3

// ErrEmptyPrefix is returned when Next is called without a prefix.
var ErrEmptyPrefix = errors.New("tracking prefix cannot be empty")

// Generator produces the next code for a prefix.
type Generator interface {
	Next(ctx context.Context, prefix string) (string, error)
}

// Prefix builds kind + two-digit year + two-digit month, e.g. "W2610".
func Prefix(kind string, t time.Time) string {
	return fmt.Sprintf("%s%02d%02d", kind, t.Year()%100, int(t.Month()))
}

func format(prefix string, n int64) string {
	return fmt.Sprintf("%s%0*d", prefix, sequencePad, n)
}

// RedisSequence keeps one INCR counter per prefix.
type RedisSequence struct {
	client    *redis.Client
	namespace string
}

// NewRedisSequence creates a sequence whose counters live under namespace + "tracking:".
func NewRedisSequence(client *redis.Client, namespace string) *RedisSequence {
	return &RedisSequence{client: client, namespace: namespace}
}

// Next increments the prefix counter and formats the result.
func (s *RedisSequence) Next(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", ErrEmptyPrefix
	}
	key := s.namespace + "tracking:" + prefix
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return format(prefix, n), nil
}

// MemorySequence is an in-process Generator.
type MemorySequence struct {
	counters map[string]int64
	mu       sync.Mutex
}

// NewMemorySequence creates an empty in-memory sequence.
func NewMemorySequence() *MemorySequence {
	return &MemorySequence{counters: make(map[string]int64)}
}

// Next increments the prefix counter and formats the result.
func (s *MemorySequence) Next(ctx context.Context, prefix string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if prefix == "" {
		return "", ErrEmptyPrefix
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[prefix]++
	return format(prefix, s.counters[prefix]), nil
}

type fallback struct {
	next Generator
	rnd  *rand.Rand
	mu   sync.Mutex
}

// WithFallback wraps gen so a failing sequence never blocks a submission.
// On error the code is prefix plus a random number in [1000, 9999].
func WithFallback(gen Generator) Generator {
	return &fallback{next: gen, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (f *fallback) Next(ctx context.Context, prefix string) (string, error) {
	code, err := f.next.Next(ctx, prefix)
	if err == nil {
		return code, nil
	}
	if errors.Is(err, ErrEmptyPrefix) {
		return "", err
	}
	logger.Warn("tracking sequence failed, using random code",
		zap.String("prefix", prefix),
		zap.Error(err))

	f.mu.Lock()
	n := f.rnd.Intn(9000) + 1000
	f.mu.Unlock()
	return fmt.Sprintf("%s%d", prefix, n), nil
}
