package cache

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/mathdee/coordnode/internal/metrics"
)

func newTestCache(capacity int) *Cache {
	return New("n1", nil, capacity, metrics.New(), zerolog.Nop())
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := newTestCache(10)
	c.Set("k", "v1")
	v, err := c.Get("k")
	if err != nil {
		t.Fatalf("unexpected miss: %v", err)
	}
	if v != "v1" {
		t.Fatalf("expected v1, got %s", v)
	}
}

func TestInvalidateThenGetMisses(t *testing.T) {
	c := newTestCache(10)
	c.Set("k", "v1")
	c.Invalidate("k")
	if _, err := c.Get("k"); err != ErrMiss {
		t.Fatalf("expected ErrMiss after invalidate, got %v", err)
	}
}

func TestInvalidateUnknownKeyIsNoop(t *testing.T) {
	c := newTestCache(10)
	c.Invalidate("never-set") // must not panic
}

func TestCapacityEnforcedWithLRUEviction(t *testing.T) {
	c := newTestCache(2)
	c.Set("a", "1")
	c.Set("b", "2")
	// touch "a" so "b" becomes the least-recently-used entry
	c.Get("a")
	c.Set("c", "3")

	if c.Len() != 2 {
		t.Fatalf("expected capacity to cap entries at 2, got %d", c.Len())
	}
	if _, err := c.Get("b"); err != ErrMiss {
		t.Fatalf("expected b to be evicted as least-recently-used")
	}
	if _, err := c.Get("a"); err != nil {
		t.Fatalf("expected a to survive eviction, got %v", err)
	}
	if _, err := c.Get("c"); err != nil {
		t.Fatalf("expected c to be present, got %v", err)
	}
}
