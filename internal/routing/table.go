package routing

import (
	"context"
	"fmt"
	"sort"
)

// RouteSource yields base -> destinations aggregated over every user.
type RouteSource interface {
	AllRoutes(ctx context.Context) (map[int64][]int64, error)
}

// Table is a read-only snapshot of base chat -> destination chats. Build a new one
// for every dispatch decision; a stale table would relay by outdated rules.
type Table struct {
	routes map[int64][]int64
}

// Build aggregates the current routes, dropping duplicate destinations per base
// while keeping the first-seen order.
func Build(ctx context.Context, src RouteSource) (Table, error) {
	all, err := src.AllRoutes(ctx)
	if err != nil {
		return Table{}, fmt.Errorf("load routes: %w", err)
	}

	routes := make(map[int64][]int64, len(all))
	for base, dests := range all {
		seen := make(map[int64]struct{}, len(dests))
		unique := make([]int64, 0, len(dests))
		for _, d := range dests {
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			unique = append(unique, d)
		}
		if len(unique) > 0 {
			routes[base] = unique
		}
	}
	return Table{routes: routes}, nil
}

// Destinations returns a copy of the destinations for base, or nil.
func (t Table) Destinations(base int64) []int64 {
	dests, ok := t.routes[base]
	if !ok {
		return nil
	}
	out := make([]int64, len(dests))
	copy(out, dests)
	return out
}

// Bases lists every configured base in ascending order.
func (t Table) Bases() []int64 {
	bases := make([]int64, 0, len(t.routes))
	for b := range t.routes {
		bases = append(bases, b)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases
}

func (t Table) Len() int {
	return len(t.routes)
}
