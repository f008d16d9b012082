package transcript

import (
	"context"
	"fmt"

	"github.com/papercomputeco/flowchat/pkg/conversation"
)

// Recorder writes whole turn logs into a Storer. It keeps no per-session
// state: replaying the full log each time is cheap because already stored
// prefixes deduplicate by hash.
type Recorder struct {
	storer Storer
}

// NewRecorder creates a Recorder writing to storer.
func NewRecorder(storer Storer) *Recorder {
	return &Recorder{storer: storer}
}

// Record stores the chain for turns and returns the hash of its last node.
// The session ID is not part of the hash, so equal conversations from
// different sessions share one chain.
func (r *Recorder) Record(ctx context.Context, sessionID string, turns []conversation.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var parent *Node
	for i, t := range turns {
		node := NewNode(t, parent)
		if _, err := r.storer.Put(ctx, node); err != nil {
			return "", fmt.Errorf("storing turn %d: %w", i, err)
		}
		parent = node
	}
	return parent.Hash, nil
}
