package tracking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/songzhibin97/cmms-cartable/logger"
)

func TestPrefix(t *testing.T) {
	tests := []struct {
		kind string
		at   time.Time
		want string
	}{
		{KindWorkOrder, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), "W2610"},
		{KindPurchase, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), "K2401"},
		{KindShiftReport, time.Date(2100, 12, 31, 0, 0, 0, 0, time.UTC), "T0012"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Prefix(tt.kind, tt.at))
		})
	}
}

func TestMemorySequence(t *testing.T) {
	ctx := context.Background()
	seq := NewMemorySequence()

	t.Run("CountsPerPrefix", func(t *testing.T) {
		code, err := seq.Next(ctx, "W2610")
		assert.NoError(t, err)
		assert.Equal(t, "W2610001", code)

		code, err = seq.Next(ctx, "W2610")
		assert.NoError(t, err)
		assert.Equal(t, "W2610002", code)

		code, err = seq.Next(ctx, "P2610")
		assert.NoError(t, err)
		assert.Equal(t, "P2610001", code)
	})

	t.Run("WidensPastPad", func(t *testing.T) {
		s := NewMemorySequence()
		s.counters["G2610"] = 999
		code, err := s.Next(ctx, "G2610")
		assert.NoError(t, err)
		assert.Equal(t, "G26101000", code)
	})

	t.Run("EmptyPrefix", func(t *testing.T) {
		_, err := seq.Next(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyPrefix)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		c, cancel := context.WithCancel(ctx)
		cancel()
		_, err := seq.Next(c, "W2610")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentCodesAreUnique", func(t *testing.T) {
		s := NewMemorySequence()
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				code, err := s.Next(ctx, "H2610")
				assert.NoError(t, err)
				mu.Lock()
				seen[code] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 50)
	})
}

type failingGenerator struct{ err error }

func (f failingGenerator) Next(context.Context, string) (string, error) {
	return "", f.err
}

func TestWithFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("PassesThrough", func(t *testing.T) {
		gen := WithFallback(NewMemorySequence())
		code, err := gen.Next(ctx, "W2610")
		assert.NoError(t, err)
		assert.Equal(t, "W2610001", code)
	})

	t.Run("RandomSuffixOnFailure", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		logger.Set(zap.New(core))
		defer logger.Set(zap.NewNop())

		gen := WithFallback(failingGenerator{err: errors.New("sequence down")})
		code, err := gen.Next(ctx, "K2610")
		require.NoError(t, err)
		require.Len(t, code, len("K2610")+4)
		assert.Equal(t, "K2610", code[:5])

		n, err := strconv.Atoi(code[5:])
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1000)
		assert.LessOrEqual(t, n, 9999)

		assert.Equal(t, 1, logs.FilterMessage("tracking sequence failed, using random code").Len())
	})

	t.Run("EmptyPrefixStillFails", func(t *testing.T) {
		gen := WithFallback(NewMemorySequence())
		_, err := gen.Next(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyPrefix)
	})
}

func TestRedisSequence(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	ns := fmt.Sprintf("cartable-test:%d:", time.Now().UnixNano())
	defer client.Del(ctx, ns+"tracking:W2610")

	seq := NewRedisSequence(client, ns)
	code, err := seq.Next(ctx, "W2610")
	assert.NoError(t, err)
	assert.Equal(t, "W2610001", code)

	code, err = seq.Next(ctx, "W2610")
	assert.NoError(t, err)
	assert.Equal(t, "W2610002", code)

	_, err = seq.Next(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyPrefix)
}
