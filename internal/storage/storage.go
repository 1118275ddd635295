package storage

import (
	"context"

	"github.com/xaenox/relay-bot/internal/models"
)

// Storage is the configuration store shared by every tenant. Invariant checks and the
// writes they guard happen as one unit in every implementation.
type Storage interface {
	ConfigStorage
	WorkflowStorage

	// AllRoutes returns base chat -> destination chats for every user with a base.
	AllRoutes(ctx context.Context) (map[int64][]int64, error)

	// EdgeOwner returns the user relaying base to dest, if any.
	EdgeOwner(ctx context.Context, base, dest int64) (int64, bool, error)

	Close() error
}

type ConfigStorage interface {
	SetBaseGroup(ctx context.Context, userID int64, chat models.ChatRef) error
	ClearBaseGroup(ctx context.Context, userID int64) error
	GetBaseGroup(ctx context.Context, userID int64) (*models.ChatRef, error)

	AddDestination(ctx context.Context, userID int64, chat models.ChatRef) error
	RemoveDestination(ctx context.Context, userID int64, chatID int64) (bool, error)
	ListDestinations(ctx context.Context, userID int64) ([]models.Destination, error)

	// DeleteUser removes the user's configuration and all of their destinations.
	DeleteUser(ctx context.Context, userID int64) (bool, error)
}

type WorkflowStorage interface {
	SetWorkflowState(ctx context.Context, userID int64, state models.WorkflowState) error
	// GetWorkflowState returns models.StateUnset for unknown users.
	GetWorkflowState(ctx context.Context, userID int64) (models.WorkflowState, error)
	// CompareAndSetWorkflowState moves the user from expected to next and reports
	// whether it did. Nothing changes when the current state differs.
	CompareAndSetWorkflowState(ctx context.Context, userID int64, expected, next models.WorkflowState) (bool, error)

	// AnswerBase sets chat as the user's base only while the user is awaiting a
	// base, and leaves them idle whether the chat is accepted or rejected. It
	// fails with models.ErrNotAwaiting, changing nothing, in any other state.
	AnswerBase(ctx context.Context, userID int64, chat models.ChatRef) error
	// AnswerDestination is AnswerBase for an awaited destination. A user without
	// a base is rejected with models.ErrNoBaseGroup.
	AnswerDestination(ctx context.Context, userID int64, chat models.ChatRef) error
}
