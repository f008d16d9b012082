// Package transcript records finished conversations as content-addressed
// chains of turns. Identical histories share nodes; a different reply to the
// same history branches from their common prefix.
package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/papercomputeco/flowchat/pkg/conversation"
)

// Node is one turn in a transcript chain.
type Node struct {
	// Hash is the content-addressed identifier (SHA-256, hex-encoded)
	Hash string `json:"hash"`

	// ParentHash links to the previous turn. Nil for the first turn.
	ParentHash *string `json:"parent_hash"`

	Turn conversation.Turn `json:"turn"`
}

type hashInput struct {
	Parent  string `json:"parent,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewNode creates the node for turn following parent (nil for a first turn).
func NewNode(turn conversation.Turn, parent *Node) *Node {
	n := &Node{Turn: turn}
	if parent != nil {
		h := parent.Hash
		n.ParentHash = &h
	}
	n.Hash = n.computeHash()
	return n
}

// Verify reports whether Hash matches the node's parent and turn. Nodes
// received from elsewhere are checked before they are stored.
func (n *Node) Verify() bool {
	return n != nil && n.Hash == n.computeHash()
}

func (n *Node) computeHash() string {
	in := hashInput{
		Role:    string(n.Turn.Role),
		Content: n.Turn.Content,
	}
	if n.ParentHash != nil {
		in.Parent = *n.ParentHash
	}

	// struct field order keeps the encoding canonical
	data, err := json.Marshal(in)
	if err != nil {
		panic("failed to marshal hash input: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
