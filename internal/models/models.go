package models

import "time"

// WorkflowState marks which configuration question, if any, is outstanding for a user
type WorkflowState string

const (
	// StateUnset is returned for users the store has never seen. It is not the same as idle.
	StateUnset               WorkflowState = ""
	StateIdle                WorkflowState = "idle"
	StateAwaitingBase        WorkflowState = "awaiting_base"
	StateAwaitingDestination WorkflowState = "awaiting_destination"
)

// Valid reports whether s is a state that may be persisted.
func (s WorkflowState) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingBase, StateAwaitingDestination:
		return true
	}
	return false
}

// Awaiting reports whether a chat-identified event would be consumed in this state.
func (s WorkflowState) Awaiting() bool {
	return s == StateAwaitingBase || s == StateAwaitingDestination
}

// ChatRef identifies a chat together with the name shown to users
type ChatRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UserConfig is the per-tenant configuration row
type UserConfig struct {
	UserID    int64         `json:"user_id"`
	BaseGroup *ChatRef      `json:"base_group,omitempty"`
	State     WorkflowState `json:"state"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Destination is one relay target owned by a user
type Destination struct {
	UserID    int64     `json:"user_id"`
	Chat      ChatRef   `json:"chat"`
	CreatedAt time.Time `json:"created_at"`
}

// Edge is a single base -> destination relay rule
type Edge struct {
	Base int64 `json:"base"`
	Dest int64 `json:"dest"`
}

// Membership is the bot's standing in a chat as reported by the platform
type Membership int

const (
	MembershipUnknown Membership = iota
	MembershipMember
	MembershipNotMember
)

func (m Membership) String() string {
	switch m {
	case MembershipMember:
		return "member"
	case MembershipNotMember:
		return "not_member"
	default:
		return "unknown"
	}
}
