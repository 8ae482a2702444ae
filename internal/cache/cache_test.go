package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	a := Key("analysis", "What's the  pricing?")
	b := Key("analysis", "what's the pricing?")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Key("analysis", "what's the price?"))
	assert.NotEqual(t, a, Key("other", "what's the pricing?"))
	assert.Contains(t, a, "analysis:")
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(2, time.Hour)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	v := []byte("one")
	c.Set(ctx, "a", v, 0)
	v[0] = 'X'
	got, ok := c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, []byte("one"), got)

	got[0] = 'Y'
	again, _ := c.Get(ctx, "a")
	assert.Equal(t, []byte("one"), again)

	c.Set(ctx, "b", []byte("two"), 0)
	c.Set(ctx, "c", []byte("three"), 0)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok, "least recently used entry evicted")
}

func TestLRUCache_Expires(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(4, 20*time.Millisecond)
	c.Set(ctx, "a", []byte("x"), 0)
	assert.Eventually(t, func() bool {
		_, ok := c.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestNoop(t *testing.T) {
	var c Cache = Noop{}
	c.Set(context.Background(), "a", []byte("x"), time.Minute)
	_, ok := c.Get(context.Background(), "a")
	assert.False(t, ok)
}
