package exposure

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCache(t *testing.T, maxItems int, ttl time.Duration) *Cache {
	t.Helper()
	c := NewCache(maxItems, ttl, zap.NewNop())
	t.Cleanup(c.Stop)
	return c
}

func TestAddAndGetShown(t *testing.T) {
	c := newTestCache(t, 50, time.Hour)
	key := UserKey("+5541999")

	c.AddShown(key, []string{"a", "b"})

	got := c.GetShown(key)
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("GetShown() = %v, want most recent first [b a]", got)
	}
}

func TestAddShownDeduplicates(t *testing.T) {
	c := newTestCache(t, 50, time.Hour)
	key := UserKey("u1")

	c.AddShown(key, []string{"a", "b"})
	c.AddShown(key, []string{"b", "c", "c"})

	got := c.GetShown(key)
	if len(got) != 3 {
		t.Fatalf("GetShown() returned %d items, want 3: %v", len(got), got)
	}
}

func TestBoundedToMostRecent(t *testing.T) {
	const max = 5
	c := newTestCache(t, max, time.Hour)
	key := UserKey("u1")

	for i := 0; i < max+1; i++ {
		c.AddShown(key, []string{fmt.Sprintf("item-%d", i)})
	}

	got := c.GetShown(key)
	if len(got) != max {
		t.Fatalf("GetShown() returned %d items, want %d", len(got), max)
	}
	// Oldest entry dropped, newest kept and returned first
	for _, id := range got {
		if id == "item-0" {
			t.Error("oldest item should have been dropped")
		}
	}
	if got[0] != fmt.Sprintf("item-%d", max) {
		t.Errorf("newest item not first, head = %s", got[0])
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	c := newTestCache(t, 50, time.Hour)
	key := UserKey("u1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			c.AddShown(key, []string{fmt.Sprintf("item-%d", i)})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				c.GetShown(key)
			}
		}()
	}
	wg.Wait()

	got := c.GetShown(key)
	if len(got) != 50 {
		t.Fatalf("final exposure set size = %d, want 50", len(got))
	}
	if got[0] != "item-1999" {
		t.Errorf("most recent item not first after concurrent writes: %s", got[0])
	}
}

func TestTTLExpiryTreatedAsEmpty(t *testing.T) {
	c := newTestCache(t, 50, 10*time.Millisecond)
	key := UserKey("u1")

	c.AddShown(key, []string{"a"})
	time.Sleep(20 * time.Millisecond)

	if got := c.GetShown(key); len(got) != 0 {
		t.Errorf("expired entry should read as empty, got %v", got)
	}
	// Lazy removal happened
	if stats := c.Stats(); stats["users"] != 0 {
		t.Errorf("expired entry not removed lazily: %v", stats)
	}
}

func TestAddRefreshesTTL(t *testing.T) {
	c := newTestCache(t, 50, 40*time.Millisecond)
	key := UserKey("u1")

	c.AddShown(key, []string{"a"})
	time.Sleep(25 * time.Millisecond)
	c.AddShown(key, []string{"b"})
	time.Sleep(25 * time.Millisecond)

	if got := c.GetShown(key); len(got) != 2 {
		t.Errorf("refreshed entry expired early, got %v", got)
	}
}

func TestClearAndClearAll(t *testing.T) {
	c := newTestCache(t, 50, time.Hour)
	keyA, keyB := UserKey("a"), UserKey("b")

	c.AddShown(keyA, []string{"1"})
	c.AddShown(keyB, []string{"2"})

	c.Clear(keyA)
	if got := c.GetShown(keyA); len(got) != 0 {
		t.Errorf("Clear() left entries: %v", got)
	}
	if got := c.GetShown(keyB); len(got) != 1 {
		t.Errorf("Clear() removed the wrong user: %v", got)
	}

	c.ClearAll()
	if got := c.GetShown(keyB); len(got) != 0 {
		t.Errorf("ClearAll() left entries: %v", got)
	}
}

func TestUserKeyIsStableAndOpaque(t *testing.T) {
	if UserKey("+5541999") != UserKey("+5541999") {
		t.Error("UserKey not deterministic")
	}
	if UserKey("+5541999") == "+5541999" {
		t.Error("UserKey must not expose the raw identifier")
	}
}
