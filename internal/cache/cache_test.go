package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(ttl time.Duration, max int) (*Cache[string, int], *clock) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	c := New[string, int](ttl, max)
	c.now = clk.now
	return c, clk
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newTestCache(time.Minute, 0)
	c.Set("a", 1)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entries are dropped on access")
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, clk := newTestCache(time.Hour, 2)
	c.Set("a", 1)
	clk.advance(time.Second)
	c.Set("b", 2)
	clk.advance(time.Second)
	c.Get("a")
	clk.advance(time.Second)

	c.Set("c", 3)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("b")
	assert.False(t, ok, "b was used least recently")
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestCache_EvictsExpiredFirst(t *testing.T) {
	c, clk := newTestCache(time.Minute, 2)
	c.Set("a", 1)
	clk.advance(30 * time.Second)
	c.Set("b", 2)
	clk.advance(45 * time.Second)

	c.Set("c", 3)
	_, ok := c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(time.Hour, 1)
	c.Set("a", 1)
	c.Set("a", 2)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c.Delete("a")
	assert.Equal(t, 0, c.Len())
}
