// Package leader answers whether this node is currently the cluster
// coordinator allowed to create reader groups.
package leader

import "context"

// Gate is queried synchronously every time leadership matters. Answers are
// never cached.
type Gate interface {
	IsLeader(ctx context.Context) bool
}

// Static always gives the same answer. A single-node deployment is its own
// leader.
type Static bool

func (s Static) IsLeader(context.Context) bool { return bool(s) }

// Func adapts a function to Gate.
type Func func(ctx context.Context) bool

func (f Func) IsLeader(ctx context.Context) bool { return f(ctx) }
