// Package knownchats remembers chats the bot has seen so users can pick them from
// a list instead of forwarding a message. It lives in memory only and starts empty
// after every restart; nothing may rely on an entry being present.
package knownchats

import (
	"sort"
	"sync"
	"time"
)

const DefaultMaxEntries = 500

// maxMembersPerChat bounds how many posting users are remembered per chat.
const maxMembersPerChat = 1000

type Chat struct {
	ID       int64
	Title    string
	Type     string
	LastSeen time.Time
}

type Cache struct {
	mu    sync.RWMutex
	chats map[int64]Chat
	// members holds, per chat, the users seen posting in it
	members    map[int64]map[int64]struct{}
	maxEntries int
	now        func() time.Time
}

func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		chats:      make(map[int64]Chat),
		members:    make(map[int64]map[int64]struct{}),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Observe records or refreshes a chat. When full, the least recently seen chat is dropped.
func (c *Cache) Observe(id int64, title, chatType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.chats[id]; !exists && len(c.chats) >= c.maxEntries {
		c.evictOldest()
	}
	c.chats[id] = Chat{ID: id, Title: title, Type: chatType, LastSeen: c.now()}
}

func (c *Cache) evictOldest() {
	var (
		oldestID int64
		oldest   time.Time
		first    = true
	)
	for id, chat := range c.chats {
		if first || chat.LastSeen.Before(oldest) {
			oldestID, oldest, first = id, chat.LastSeen, false
		}
	}
	if !first {
		delete(c.chats, oldestID)
		delete(c.members, oldestID)
	}
}

func (c *Cache) Get(id int64) (Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chat, ok := c.chats[id]
	return chat, ok
}

func (c *Cache) Forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, id)
	delete(c.members, id)
}

// ObserveMember records that userID posted in a known chat. Unknown chats are ignored.
func (c *Cache) ObserveMember(chatID, userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, known := c.chats[chatID]; !known {
		return
	}
	seen := c.members[chatID]
	if seen == nil {
		seen = make(map[int64]struct{})
		c.members[chatID] = seen
	}
	if _, ok := seen[userID]; !ok && len(seen) >= maxMembersPerChat {
		return
	}
	seen[userID] = struct{}{}
}

// List returns the known chats, most recently seen first.
func (c *Cache) List() []Chat {
	c.mu.RLock()
	out := make([]Chat, 0, len(c.chats))
	for _, chat := range c.chats {
		out = append(out, chat)
	}
	c.mu.RUnlock()

	sortRecentFirst(out)
	return out
}

// ListFor returns the known chats userID has been seen posting in, most recently seen first.
func (c *Cache) ListFor(userID int64) []Chat {
	c.mu.RLock()
	out := make([]Chat, 0)
	for id, seen := range c.members {
		if _, ok := seen[userID]; ok {
			out = append(out, c.chats[id])
		}
	}
	c.mu.RUnlock()

	sortRecentFirst(out)
	return out
}

func sortRecentFirst(out []Chat) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.chats)
}
