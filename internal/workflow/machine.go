// Package workflow drives the per-user configuration dialogue: an intent opens a
// question (which chat is the base, which chat to add as destination), and the
// next identified chat answers it. Every answer, accepted or not, puts the user
// back to idle in the same store operation that checked the question was open.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/storage"
)

type Intent int

const (
	IntentSetBase Intent = iota + 1
	IntentAddDestination
	IntentCancel
)

func (i Intent) String() string {
	switch i {
	case IntentSetBase:
		return "set_base"
	case IntentAddDestination:
		return "add_destination"
	case IntentCancel:
		return "cancel"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

type OutcomeKind int

const (
	// OutcomeUnsolicited means a chat arrived while no question was open.
	OutcomeUnsolicited OutcomeKind = iota
	OutcomeApplied
	OutcomeRejected
)

// Outcome describes how a chat-identified event was handled.
type Outcome struct {
	Kind OutcomeKind
	// Answered is the state the event was answering; empty when unsolicited.
	Answered models.WorkflowState
	Chat     models.ChatRef
}

// Store is what the machine needs from the configuration store.
type Store interface {
	storage.ConfigStorage
	storage.WorkflowStorage
}

// Validator classifies a candidate destination before it is written.
type Validator interface {
	Validate(ctx context.Context, userID, base, dest int64) error
}

// Snapshot is a user's configuration as seen right now.
type Snapshot struct {
	Base         *models.ChatRef
	Destinations []models.Destination
	State        models.WorkflowState
}

// Machine holds no per-user state of its own; every call re-reads the store.
type Machine struct {
	store     Store
	validator Validator
	logger    *zap.Logger
}

func New(store Store, validator Validator, logger *zap.Logger) *Machine {
	return &Machine{
		store:     store,
		validator: validator,
		logger:    logger,
	}
}

// Register puts a first-time user into idle. Known users are left alone.
func (m *Machine) Register(ctx context.Context, userID int64) error {
	state, err := m.store.GetWorkflowState(ctx, userID)
	if err != nil {
		return err
	}
	if state != models.StateUnset {
		return nil
	}
	return m.store.SetWorkflowState(ctx, userID, models.StateIdle)
}

// Intent opens (or cancels) a configuration question and returns the new state.
// Asking for a destination without a base fails with ErrNoBaseGroup and leaves
// the state as it was.
func (m *Machine) Intent(ctx context.Context, userID int64, intent Intent) (models.WorkflowState, error) {
	var next models.WorkflowState
	switch intent {
	case IntentSetBase:
		next = models.StateAwaitingBase
	case IntentAddDestination:
		base, err := m.store.GetBaseGroup(ctx, userID)
		if err != nil {
			return models.StateUnset, err
		}
		if base == nil {
			m.logger.Info("Destination intent without base group", zap.Int64("user_id", userID))
			return m.currentState(ctx, userID), models.ErrNoBaseGroup
		}
		next = models.StateAwaitingDestination
	case IntentCancel:
		next = models.StateIdle
	default:
		return models.StateUnset, fmt.Errorf("unknown intent %v", intent)
	}

	if err := m.store.SetWorkflowState(ctx, userID, next); err != nil {
		return models.StateUnset, err
	}
	m.logger.Debug("Workflow intent accepted",
		zap.Int64("user_id", userID),
		zap.Stringer("intent", intent),
		zap.String("state", string(next)))
	return next, nil
}

// ChatIdentified answers the user's open question with chat. The returned error
// carries the rejection kind (ErrConflict, ErrDuplicate, ErrEdgeConflict,
// ErrSelfReference, ErrNoBaseGroup) or a store failure. The state check, the
// write and the return to idle are one store operation, so of two concurrent
// answers to the same question only one is consumed; the other is reported as
// unsolicited.
func (m *Machine) ChatIdentified(ctx context.Context, userID int64, chat models.ChatRef) (Outcome, error) {
	state, err := m.store.GetWorkflowState(ctx, userID)
	if err != nil {
		return Outcome{Kind: OutcomeRejected, Chat: chat}, err
	}
	if !state.Awaiting() {
		return m.unsolicited(userID, chat, state), nil
	}

	out := Outcome{Answered: state, Chat: chat}
	var applyErr error
	if state == models.StateAwaitingBase {
		applyErr = m.store.AnswerBase(ctx, userID, chat)
	} else {
		applyErr = m.answerDestination(ctx, userID, chat)
	}

	switch {
	case errors.Is(applyErr, models.ErrNotAwaiting):
		return m.unsolicited(userID, chat, state), nil
	case applyErr != nil:
		out.Kind = OutcomeRejected
		m.logger.Warn("Chat rejected",
			zap.Error(applyErr),
			zap.Int64("user_id", userID),
			zap.Int64("chat_id", chat.ID),
			zap.String("answered", string(state)))
		return out, applyErr
	}

	out.Kind = OutcomeApplied
	m.logger.Info("Chat applied",
		zap.Int64("user_id", userID),
		zap.Int64("chat_id", chat.ID),
		zap.String("chat_name", chat.Name),
		zap.String("answered", string(state)))
	return out, nil
}

func (m *Machine) unsolicited(userID int64, chat models.ChatRef, state models.WorkflowState) Outcome {
	m.logger.Info("Unsolicited chat",
		zap.Int64("user_id", userID),
		zap.Int64("chat_id", chat.ID),
		zap.String("state", string(state)))
	return Outcome{Kind: OutcomeUnsolicited, Chat: chat}
}

// ChatUnresolvable closes an open question when a forwarded message could not be turned
// into a chat. In idle it changes nothing.
func (m *Machine) ChatUnresolvable(ctx context.Context, userID int64) (Outcome, error) {
	state, err := m.store.GetWorkflowState(ctx, userID)
	if err != nil {
		return Outcome{Kind: OutcomeRejected}, err
	}
	if !state.Awaiting() {
		return Outcome{Kind: OutcomeUnsolicited}, nil
	}
	closed, err := m.store.CompareAndSetWorkflowState(ctx, userID, state, models.StateIdle)
	if err != nil {
		return Outcome{Kind: OutcomeRejected, Answered: state}, err
	}
	if !closed {
		return Outcome{Kind: OutcomeUnsolicited}, nil
	}
	return Outcome{Kind: OutcomeRejected, Answered: state}, models.ErrNotResolvable
}

// answerDestination classifies the candidate first so rejections are reported
// by kind before anything is written. The store repeats the checks under its
// own lock.
func (m *Machine) answerDestination(ctx context.Context, userID int64, chat models.ChatRef) error {
	base, err := m.store.GetBaseGroup(ctx, userID)
	if err != nil {
		return err
	}
	if base != nil {
		if err := m.validator.Validate(ctx, userID, base.ID, chat.ID); err != nil {
			if !models.IsRejection(err) {
				return err
			}
			return m.closeRejected(ctx, userID, models.StateAwaitingDestination, err)
		}
	}
	return m.store.AnswerDestination(ctx, userID, chat)
}

// closeRejected returns the user to idle only if the question answered is still
// the open one. A newer intent issued in between is left alone and the answer
// counts as unsolicited.
func (m *Machine) closeRejected(ctx context.Context, userID int64, answered models.WorkflowState, rejection error) error {
	closed, err := m.store.CompareAndSetWorkflowState(ctx, userID, answered, models.StateIdle)
	if err != nil {
		return err
	}
	if !closed {
		return models.ErrNotAwaiting
	}
	return rejection
}

func (m *Machine) currentState(ctx context.Context, userID int64) models.WorkflowState {
	state, err := m.store.GetWorkflowState(ctx, userID)
	if err != nil {
		return models.StateUnset
	}
	return state
}

func (m *Machine) ClearBase(ctx context.Context, userID int64) error {
	if err := m.store.ClearBaseGroup(ctx, userID); err != nil {
		return err
	}
	m.logger.Info("Cleared base group", zap.Int64("user_id", userID))
	return nil
}

// RemoveDestination reports whether a destination was actually removed.
func (m *Machine) RemoveDestination(ctx context.Context, userID, chatID int64) (bool, error) {
	removed, err := m.store.RemoveDestination(ctx, userID, chatID)
	if err != nil {
		return false, err
	}
	if removed {
		m.logger.Info("Removed destination group", zap.Int64("user_id", userID), zap.Int64("chat_id", chatID))
	} else {
		m.logger.Warn("Destination group not found", zap.Int64("user_id", userID), zap.Int64("chat_id", chatID))
	}
	return removed, nil
}

// Reset forgets everything about the user.
func (m *Machine) Reset(ctx context.Context, userID int64) (bool, error) {
	deleted, err := m.store.DeleteUser(ctx, userID)
	if err != nil {
		return false, err
	}
	m.logger.Info("User configuration reset", zap.Int64("user_id", userID), zap.Bool("existed", deleted))
	return deleted, nil
}

func (m *Machine) Snapshot(ctx context.Context, userID int64) (Snapshot, error) {
	base, err := m.store.GetBaseGroup(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	dests, err := m.store.ListDestinations(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	state, err := m.store.GetWorkflowState(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Base: base, Destinations: dests, State: state}, nil
}
