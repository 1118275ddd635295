package session

import (
	"crypto/subtle"
	"sync"
)

// Gate remembers which users have entered the bot password during this process
// lifetime. An empty password lets everyone through.
type Gate struct {
	password []byte
	mu       sync.RWMutex
	users    map[int64]struct{}
}

func NewGate(password string) *Gate {
	return &Gate{
		password: []byte(password),
		users:    make(map[int64]struct{}),
	}
}

func (g *Gate) Enabled() bool {
	return len(g.password) > 0
}

// Login marks userID as authenticated when password matches.
func (g *Gate) Login(userID int64, password string) bool {
	if !g.Enabled() {
		return true
	}
	if subtle.ConstantTimeCompare(g.password, []byte(password)) != 1 {
		return false
	}
	g.mu.Lock()
	g.users[userID] = struct{}{}
	g.mu.Unlock()
	return true
}

func (g *Gate) IsAuthenticated(userID int64) bool {
	if !g.Enabled() {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.users[userID]
	return ok
}

func (g *Gate) Logout(userID int64) {
	g.mu.Lock()
	delete(g.users, userID)
	g.mu.Unlock()
}
