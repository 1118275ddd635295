package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xaenox/relay-bot/internal/models"
)

type memoryUser struct {
	base         *models.ChatRef
	state        models.WorkflowState
	destinations []models.Destination
	updatedAt    time.Time
}

// MemoryStorage keeps everything in process memory behind a single lock, so each
// check-and-set is trivially atomic. Nothing survives a restart.
type MemoryStorage struct {
	mu    sync.RWMutex
	users map[int64]*memoryUser
	// bases indexes base chat id -> owning user
	bases map[int64]int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users: make(map[int64]*memoryUser),
		bases: make(map[int64]int64),
	}
}

// user returns the row for userID, creating it if needed. Caller holds the write lock.
func (s *MemoryStorage) user(userID int64) *memoryUser {
	u, exists := s.users[userID]
	if !exists {
		u = &memoryUser{updatedAt: time.Now()}
		s.users[userID] = u
	}
	return u
}

func (s *MemoryStorage) SetBaseGroup(ctx context.Context, userID int64, chat models.ChatRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setBaseLocked(userID, chat); err != nil {
		return fmt.Errorf("set base group %d: %w", chat.ID, err)
	}
	return nil
}

func (s *MemoryStorage) setBaseLocked(userID int64, chat models.ChatRef) error {
	if owner, taken := s.bases[chat.ID]; taken && owner != userID {
		return models.ErrConflict
	}
	if u, exists := s.users[userID]; exists {
		for _, d := range u.destinations {
			if d.Chat.ID == chat.ID {
				return models.ErrSelfReference
			}
		}
	}

	u := s.user(userID)
	if u.base != nil {
		delete(s.bases, u.base.ID)
	}
	base := chat
	u.base = &base
	u.state = models.StateIdle
	u.updatedAt = time.Now()
	s.bases[chat.ID] = userID
	return nil
}

func (s *MemoryStorage) ClearBaseGroup(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[userID]
	if !exists || u.base == nil {
		return nil
	}
	delete(s.bases, u.base.ID)
	u.base = nil
	u.updatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) GetBaseGroup(ctx context.Context, userID int64) (*models.ChatRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, exists := s.users[userID]; exists && u.base != nil {
		base := *u.base
		return &base, nil
	}
	return nil, nil
}

func (s *MemoryStorage) AddDestination(ctx context.Context, userID int64, chat models.ChatRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.addDestinationLocked(userID, chat); err != nil {
		return fmt.Errorf("add destination %d: %w", chat.ID, err)
	}
	return nil
}

func (s *MemoryStorage) addDestinationLocked(userID int64, chat models.ChatRef) error {
	if u := s.users[userID]; u != nil {
		if u.base != nil && u.base.ID == chat.ID {
			return models.ErrSelfReference
		}
		for _, d := range u.destinations {
			if d.Chat.ID == chat.ID {
				return models.ErrDuplicate
			}
		}
		if u.base != nil {
			if owner, found := s.edgeOwner(u.base.ID, chat.ID); found && owner != userID {
				return models.ErrEdgeConflict
			}
		}
	}

	u := s.user(userID)
	now := time.Now()
	u.destinations = append(u.destinations, models.Destination{
		UserID:    userID,
		Chat:      chat,
		CreatedAt: now,
	})
	u.state = models.StateIdle
	u.updatedAt = now
	return nil
}

func (s *MemoryStorage) RemoveDestination(ctx context.Context, userID int64, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[userID]
	if !exists {
		return false, nil
	}
	for i, d := range u.destinations {
		if d.Chat.ID == chatID {
			u.destinations = append(u.destinations[:i:i], u.destinations[i+1:]...)
			u.updatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) ListDestinations(ctx context.Context, userID int64) ([]models.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[userID]
	if !exists {
		return []models.Destination{}, nil
	}
	out := make([]models.Destination, len(u.destinations))
	copy(out, u.destinations)
	return out, nil
}

func (s *MemoryStorage) DeleteUser(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[userID]
	if !exists {
		return false, nil
	}
	if u.base != nil {
		delete(s.bases, u.base.ID)
	}
	delete(s.users, userID)
	return true, nil
}

func (s *MemoryStorage) SetWorkflowState(ctx context.Context, userID int64, state models.WorkflowState) error {
	if !state.Valid() {
		return fmt.Errorf("set workflow state: invalid state %q", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	u.state = state
	u.updatedAt = time.Now()
	return nil
}

func (s *MemoryStorage) GetWorkflowState(ctx context.Context, userID int64) (models.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stateLocked(userID), nil
}

func (s *MemoryStorage) CompareAndSetWorkflowState(ctx context.Context, userID int64, expected, next models.WorkflowState) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("set workflow state: invalid state %q", next)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stateLocked(userID) != expected {
		return false, nil
	}
	u := s.user(userID)
	u.state = next
	u.updatedAt = time.Now()
	return true, nil
}

func (s *MemoryStorage) AnswerBase(ctx context.Context, userID int64, chat models.ChatRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.answerLocked(userID, models.StateAwaitingBase, func(u *memoryUser) error {
		return s.setBaseLocked(userID, chat)
	}); err != nil {
		return fmt.Errorf("answer base group %d: %w", chat.ID, err)
	}
	return nil
}

func (s *MemoryStorage) AnswerDestination(ctx context.Context, userID int64, chat models.ChatRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.answerLocked(userID, models.StateAwaitingDestination, func(u *memoryUser) error {
		if u.base == nil {
			return models.ErrNoBaseGroup
		}
		return s.addDestinationLocked(userID, chat)
	}); err != nil {
		return fmt.Errorf("answer destination %d: %w", chat.ID, err)
	}
	return nil
}

// answerLocked runs write only if the user is in expected. The write helpers
// check before they mutate, so a rejection leaves nothing behind but the
// closed question.
func (s *MemoryStorage) answerLocked(userID int64, expected models.WorkflowState, write func(u *memoryUser) error) error {
	if state := s.stateLocked(userID); state != expected {
		return fmt.Errorf("%w: user is %q", models.ErrNotAwaiting, state)
	}
	u := s.users[userID]
	err := write(u)
	if err != nil && models.IsRejection(err) {
		u.state = models.StateIdle
		u.updatedAt = time.Now()
	}
	return err
}

func (s *MemoryStorage) stateLocked(userID int64) models.WorkflowState {
	if u, exists := s.users[userID]; exists {
		return u.state
	}
	return models.StateUnset
}

func (s *MemoryStorage) EdgeOwner(ctx context.Context, base, dest int64) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, found := s.edgeOwner(base, dest)
	return owner, found, nil
}

func (s *MemoryStorage) edgeOwner(base, dest int64) (int64, bool) {
	owner, exists := s.bases[base]
	if !exists {
		return 0, false
	}
	for _, d := range s.users[owner].destinations {
		if d.Chat.ID == dest {
			return owner, true
		}
	}
	return 0, false
}

func (s *MemoryStorage) AllRoutes(ctx context.Context) (map[int64][]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	routes := make(map[int64][]int64, len(s.bases))
	for base, owner := range s.bases {
		u := s.users[owner]
		if len(u.destinations) == 0 {
			continue
		}
		dests := make([]int64, 0, len(u.destinations))
		for _, d := range u.destinations {
			dests = append(dests, d.Chat.ID)
		}
		routes[base] = dests
	}
	return routes, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
