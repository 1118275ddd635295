package routing

import (
	"context"
	"fmt"

	"github.com/xaenox/relay-bot/internal/models"
)

// EdgeLookup is the slice of the store the checker needs.
type EdgeLookup interface {
	EdgeOwner(ctx context.Context, base, dest int64) (int64, bool, error)
}

// Checker answers whether a base -> destination edge would collide with an
// existing one. It only reads committed state; the store still enforces the
// same rules on write.
type Checker struct {
	edges EdgeLookup
}

func NewChecker(edges EdgeLookup) *Checker {
	return &Checker{edges: edges}
}

// WouldConflict reports whether any user already relays base to dest.
func (c *Checker) WouldConflict(ctx context.Context, base, dest int64) (bool, error) {
	_, found, err := c.edges.EdgeOwner(ctx, base, dest)
	if err != nil {
		return false, fmt.Errorf("check edge %d->%d: %w", base, dest, err)
	}
	return found, nil
}

// Validate classifies a candidate destination for userID whose base is base.
// It returns ErrSelfReference, ErrDuplicate when the user already owns the edge,
// ErrEdgeConflict when someone else does, or nil.
func (c *Checker) Validate(ctx context.Context, userID, base, dest int64) error {
	if base == dest {
		return models.ErrSelfReference
	}
	owner, found, err := c.edges.EdgeOwner(ctx, base, dest)
	if err != nil {
		return fmt.Errorf("check edge %d->%d: %w", base, dest, err)
	}
	if !found {
		return nil
	}
	if owner == userID {
		return models.ErrDuplicate
	}
	return models.ErrEdgeConflict
}
