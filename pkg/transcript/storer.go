package transcript

import (
	"cmp"
	"context"
	"slices"
	"strings"
)

// Storer persists transcript nodes. Put is idempotent: storing a node whose
// hash already exists is a no-op.
type Storer interface {
	// Put stores a node and reports whether it was new.
	Put(ctx context.Context, node *Node) (bool, error)

	// Get retrieves a node by hash, or ErrNotFound.
	Get(ctx context.Context, hash string) (*Node, error)

	// Has reports whether a node exists.
	Has(ctx context.Context, hash string) (bool, error)

	// Children returns the nodes whose parent is parentHash. Nil returns roots.
	Children(ctx context.Context, parentHash *string) ([]*Node, error)

	// List returns every node.
	List(ctx context.Context) ([]*Node, error)

	// Roots returns nodes without a parent.
	Roots(ctx context.Context) ([]*Node, error)

	// Leaves returns nodes without children, i.e. the latest turn of each
	// recorded conversation.
	Leaves(ctx context.Context) ([]*Node, error)

	// Ancestry returns the chain from hash back to its root (node first).
	Ancestry(ctx context.Context, hash string) ([]*Node, error)

	Close() error
}

// ErrNotFound is returned when a node doesn't exist in the store.
type ErrNotFound struct {
	Hash string
}

func (e ErrNotFound) Error() string {
	if e.Hash == "" {
		return "transcript node not found"
	}
	return "transcript node not found: " + e.Hash
}

// History returns the turns leading to hash in chronological order.
func History(ctx context.Context, s Storer, hash string) ([]*Node, error) {
	ancestry, err := s.Ancestry(ctx, hash)
	if err != nil {
		return nil, err
	}

	out := make([]*Node, len(ancestry))
	for i, n := range ancestry {
		out[len(ancestry)-1-i] = n
	}
	return out, nil
}

// ParentFirst returns nodes ordered so that each node follows its parent
// whenever the parent is among them. Nodes of equal depth are ordered by
// hash. Copying nodes in this order never leaves a child without its parent
// if the copy stops halfway.
func ParentFirst(nodes []*Node) []*Node {
	byHash := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		byHash[n.Hash] = n
	}

	depth := make(map[string]int, len(nodes))
	var depthOf func(n *Node) int
	depthOf = func(n *Node) int {
		if d, ok := depth[n.Hash]; ok {
			return d
		}
		// placeholder stops a corrupt parent cycle from recursing forever
		depth[n.Hash] = 0

		d := 0
		if n.ParentHash != nil {
			if parent, ok := byHash[*n.ParentHash]; ok {
				d = depthOf(parent) + 1
			}
		}
		depth[n.Hash] = d
		return d
	}

	out := slices.Clone(nodes)
	for _, n := range out {
		depthOf(n)
	}
	slices.SortFunc(out, func(a, b *Node) int {
		if c := cmp.Compare(depth[a.Hash], depth[b.Hash]); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	})
	return out
}
