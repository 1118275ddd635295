package knownchats

import (
	"testing"
	"time"
)

func newClockedCache(max int) (*Cache, *time.Time) {
	c := New(max)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestObserveAndList(t *testing.T) {
	c, now := newClockedCache(10)

	c.Observe(1, "one", "group")
	*now = now.Add(time.Second)
	c.Observe(2, "two", "supergroup")
	*now = now.Add(time.Second)
	c.Observe(1, "one renamed", "group")

	list := c.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(list))
	}
	if list[0].ID != 1 || list[0].Title != "one renamed" {
		t.Fatalf("expected refreshed chat 1 first, got %+v", list[0])
	}
	if chat, ok := c.Get(2); !ok || chat.Type != "supergroup" {
		t.Fatalf("unexpected Get result %+v ok=%v", chat, ok)
	}
}

func TestEvictsLeastRecentlySeen(t *testing.T) {
	c, now := newClockedCache(2)

	c.Observe(1, "a", "group")
	*now = now.Add(time.Second)
	c.Observe(2, "b", "group")
	*now = now.Add(time.Second)
	c.Observe(1, "a", "group")
	*now = now.Add(time.Second)
	c.Observe(3, "c", "group")

	if c.Len() != 2 {
		t.Fatalf("expected cap of 2, got %d", c.Len())
	}
	if _, ok := c.Get(2); ok {
		t.Fatalf("chat 2 was least recently seen and should be evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Fatalf("chat 1 should remain")
	}
}

func TestFreshCacheIsEmpty(t *testing.T) {
	c := New(0)
	if c.Len() != 0 || len(c.List()) != 0 {
		t.Fatalf("new cache must start empty")
	}
	c.Observe(5, "x", "channel")
	c.Forget(5)
	if _, ok := c.Get(5); ok {
		t.Fatalf("forgotten chat still present")
	}
}

func TestListForOnlyReturnsChatsTheUserPostedIn(t *testing.T) {
	c, now := newClockedCache(10)

	c.Observe(1, "team", "supergroup")
	*now = now.Add(time.Second)
	c.Observe(2, "other tenant", "group")
	*now = now.Add(time.Second)
	c.Observe(3, "ops", "group")

	c.ObserveMember(1, 42)
	c.ObserveMember(3, 42)
	c.ObserveMember(2, 7)
	// unknown chats are not tracked
	c.ObserveMember(99, 42)

	list := c.ListFor(42)
	if len(list) != 2 || list[0].ID != 3 || list[1].ID != 1 {
		t.Fatalf("expected chats [3 1] for user 42, got %+v", list)
	}
	if got := c.ListFor(8); len(got) != 0 {
		t.Fatalf("user 8 was never seen, got %+v", got)
	}

	c.Forget(3)
	c.Observe(3, "ops", "group")
	if list := c.ListFor(42); len(list) != 1 || list[0].ID != 1 {
		t.Fatalf("forgetting a chat must drop its members, got %+v", list)
	}
}
