package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marcelomtsv/telegram/internal/model"
	"github.com/marcelomtsv/telegram/internal/transport"
)

func countingLookup(info *transport.EntityInfo, err error, calls *int) LookupFunc {
	return func(ctx context.Context) (*transport.EntityInfo, error) {
		*calls++
		return info, err
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("hit within TTL skips lookup", func(t *testing.T) {
		c := New(time.Minute, 100)
		calls := 0
		lookup := countingLookup(&transport.EntityInfo{FirstName: "Ana"}, nil, &calls)

		assert.Equal(t, "Ana", c.Resolve(ctx, "s1", "u1", lookup))
		assert.Equal(t, "Ana", c.Resolve(ctx, "s1", "u1", lookup))
		assert.Equal(t, 1, calls)
	})

	t.Run("expired entry triggers a fresh lookup", func(t *testing.T) {
		c := New(20*time.Millisecond, 100)
		calls := 0
		lookup := countingLookup(&transport.EntityInfo{FirstName: "Ana"}, nil, &calls)

		c.Resolve(ctx, "s1", "u1", lookup)
		time.Sleep(30 * time.Millisecond)
		c.Resolve(ctx, "s1", "u1", lookup)
		assert.Equal(t, 2, calls)
	})

	t.Run("different sessions do not share entries", func(t *testing.T) {
		c := New(time.Minute, 100)
		calls := 0
		lookup := countingLookup(&transport.EntityInfo{FirstName: "Ana"}, nil, &calls)

		c.Resolve(ctx, "s1", "u1", lookup)
		c.Resolve(ctx, "s2", "u1", lookup)
		assert.Equal(t, 2, calls)
	})

	t.Run("lookup failure degrades to unknown and is cached", func(t *testing.T) {
		c := New(time.Minute, 100)
		calls := 0
		lookup := countingLookup(nil, fmt.Errorf("flood wait"), &calls)

		assert.Equal(t, model.UnknownSender, c.Resolve(ctx, "s1", "u1", lookup))
		assert.Equal(t, model.UnknownSender, c.Resolve(ctx, "s1", "u1", lookup))
		assert.Equal(t, 1, calls)
	})
}

func TestDeriveLabel(t *testing.T) {
	tests := []struct {
		name string
		info transport.EntityInfo
		want string
	}{
		{"personal name wins", transport.EntityInfo{FirstName: "Ana", LastName: "Silva", Title: "Chat", Username: "ana"}, "Ana Silva"},
		{"first name only", transport.EntityInfo{FirstName: "Ana"}, "Ana"},
		{"group title next", transport.EntityInfo{Title: "Friends", Username: "friends"}, "Friends"},
		{"handle last", transport.EntityInfo{Username: "ana"}, "ana"},
		{"nothing known", transport.EntityInfo{}, model.UnknownSender},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveLabel(&tt.info))
		})
	}
}

func TestEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("entry count never exceeds the ceiling", func(t *testing.T) {
		c := New(time.Minute, 3)
		calls := 0

		for i := 0; i < 10; i++ {
			ref := fmt.Sprintf("u%d", i)
			c.Resolve(ctx, "s1", ref, countingLookup(&transport.EntityInfo{Username: ref}, nil, &calls))
			assert.LessOrEqual(t, c.Len(), 3)
		}
	})

	t.Run("oldest inserted entry is evicted first", func(t *testing.T) {
		c := New(time.Minute, 2)
		calls := 0
		lookup := countingLookup(&transport.EntityInfo{Username: "x"}, nil, &calls)

		c.Resolve(ctx, "s1", "u1", lookup)
		c.Resolve(ctx, "s1", "u2", lookup)
		c.Resolve(ctx, "s1", "u3", lookup) // evicts u1
		assert.Equal(t, 3, calls)

		c.Resolve(ctx, "s1", "u2", lookup) // still cached
		assert.Equal(t, 3, calls)

		c.Resolve(ctx, "s1", "u1", lookup) // gone, refetched
		assert.Equal(t, 4, calls)
	})

	t.Run("overwriting a key does not inflate the order queue", func(t *testing.T) {
		c := New(time.Nanosecond, 2)
		calls := 0
		lookup := countingLookup(&transport.EntityInfo{Username: "x"}, nil, &calls)

		// Every resolve misses due to the tiny TTL and overwrites in place.
		for i := 0; i < 5; i++ {
			c.Resolve(ctx, "s1", "u1", lookup)
		}
		assert.Equal(t, 1, c.Len())
	})
}

func TestDeleteStale(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, 100)
	calls := 0
	lookup := countingLookup(&transport.EntityInfo{Username: "x"}, nil, &calls)

	c.Resolve(ctx, "s1", "u1", lookup)
	c.Resolve(ctx, "s1", "u2", lookup)

	assert.Equal(t, 0, c.DeleteStale(time.Minute))
	assert.Equal(t, 2, c.Len())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, c.DeleteStale(10*time.Millisecond))
	assert.Equal(t, 0, c.Len())
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, 100)
	calls := 0
	lookup := countingLookup(&transport.EntityInfo{Username: "x"}, nil, &calls)

	c.Resolve(ctx, "s1", "u1", lookup)
	c.Clear()
	assert.Equal(t, 0, c.Len())

	c.Resolve(ctx, "s1", "u1", lookup)
	assert.Equal(t, 2, calls)
}
