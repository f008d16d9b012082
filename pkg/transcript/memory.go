package transcript

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStorer keeps nodes in a map. Safe for concurrent use.
type MemoryStorer struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	children map[string]int
}

// NewMemoryStorer returns an empty MemoryStorer.
func NewMemoryStorer() *MemoryStorer {
	return &MemoryStorer{
		nodes:    make(map[string]*Node),
		children: make(map[string]int),
	}
}

func (m *MemoryStorer) Put(ctx context.Context, node *Node) (bool, error) {
	if node == nil {
		return false, errors.New("cannot store nil node")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[node.Hash]; ok {
		return false, nil
	}
	m.nodes[node.Hash] = node
	if node.ParentHash != nil {
		m.children[*node.ParentHash]++
	}
	return true, nil
}

func (m *MemoryStorer) Get(ctx context.Context, hash string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[hash]
	if !ok {
		return nil, ErrNotFound{Hash: hash}
	}
	return n, nil
}

func (m *MemoryStorer) Has(ctx context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.nodes[hash]
	return ok, nil
}

func (m *MemoryStorer) Children(ctx context.Context, parentHash *string) ([]*Node, error) {
	return m.filter(func(n *Node) bool {
		if parentHash == nil {
			return n.ParentHash == nil
		}
		return n.ParentHash != nil && *n.ParentHash == *parentHash
	}), nil
}

func (m *MemoryStorer) List(ctx context.Context) ([]*Node, error) {
	return m.filter(func(*Node) bool { return true }), nil
}

func (m *MemoryStorer) Roots(ctx context.Context) ([]*Node, error) {
	return m.Children(ctx, nil)
}

func (m *MemoryStorer) Leaves(ctx context.Context) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, 0)
	for hash, n := range m.nodes {
		if m.children[hash] == 0 {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out, nil
}

func (m *MemoryStorer) Ancestry(ctx context.Context, hash string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Node
	for current := &hash; current != nil; {
		n, ok := m.nodes[*current]
		if !ok {
			return nil, ErrNotFound{Hash: *current}
		}
		out = append(out, n)
		current = n.ParentHash
	}
	return out, nil
}

func (m *MemoryStorer) Close() error {
	return nil
}

func (m *MemoryStorer) filter(keep func(*Node) bool) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, 0)
	for _, n := range m.nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Hash < nodes[j].Hash })
}
