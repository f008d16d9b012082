package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/pkg/transcript"
)

// PutNodesResponse counts the outcome of POST /api/transcripts/nodes.
type PutNodesResponse struct {
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
	Errors    int `json:"errors"`
}

// TranscriptResponse is one recorded conversation, oldest turn first.
type TranscriptResponse struct {
	// HeadHash is the hash of the last turn
	HeadHash string `json:"head_hash"`

	Depth int `json:"depth"`

	Turns []TranscriptTurn `json:"turns"`
}

// TranscriptTurn is a turn together with its position in the chain.
type TranscriptTurn struct {
	Hash       string  `json:"hash"`
	ParentHash *string `json:"parent_hash,omitempty"`
	Role       string  `json:"role"`
	Content    string  `json:"content"`
}

// WithTranscripts exposes the recorded transcripts in storer under
// /api/transcripts.
func WithTranscripts(storer transcript.Storer) Option {
	return func(s *Server) {
		h := &transcriptHandlers{storer: storer, logger: s.logger}

		group := s.app.Group("/api/transcripts")
		group.Get("/", h.handleList)
		group.Get("/stats", h.handleStats)
		group.Post("/nodes", h.handlePutNodes)
		group.Get("/:hash", h.handleGet)
	}
}

type transcriptHandlers struct {
	storer transcript.Storer
	logger *zap.Logger
}

func (h *transcriptHandlers) handleStats(c *fiber.Ctx) error {
	ctx := c.UserContext()

	nodes, err := h.storer.List(ctx)
	if err != nil {
		return err
	}
	roots, err := h.storer.Roots(ctx)
	if err != nil {
		return err
	}
	leaves, err := h.storer.Leaves(ctx)
	if err != nil {
		return err
	}

	return c.JSON(map[string]any{
		"total_turns":      len(nodes),
		"root_count":       len(roots),
		"transcript_count": len(leaves),
	})
}

// handleList returns one transcript per leaf.
func (h *transcriptHandlers) handleList(c *fiber.Ctx) error {
	ctx := c.UserContext()

	leaves, err := h.storer.Leaves(ctx)
	if err != nil {
		return err
	}

	transcripts := make([]TranscriptResponse, 0, len(leaves))
	for _, leaf := range leaves {
		t, err := buildTranscript(ctx, h.storer, leaf.Hash)
		if err != nil {
			h.logger.Warn("failed to build transcript for leaf", zap.String("hash", leaf.Hash), zap.Error(err))
			continue
		}
		transcripts = append(transcripts, t)
	}

	return c.JSON(map[string]any{
		"count":       len(transcripts),
		"transcripts": transcripts,
	})
}

// handlePutNodes stores nodes pushed from another flowchat database. Nodes
// whose hash does not match their content are counted as errors.
func (h *transcriptHandlers) handlePutNodes(c *fiber.Ctx) error {
	var nodes []*transcript.Node
	if err := c.BodyParser(&nodes); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var resp PutNodesResponse
	for _, n := range nodes {
		if !n.Verify() {
			resp.Errors++
			continue
		}
		isNew, err := h.storer.Put(c.UserContext(), n)
		if err != nil {
			h.logger.Warn("failed to store pushed node", zap.String("hash", n.Hash), zap.Error(err))
			resp.Errors++
			continue
		}
		if isNew {
			resp.New++
		} else {
			resp.Duplicate++
		}
	}

	h.logger.Info("stored pushed nodes",
		zap.Int("new", resp.New),
		zap.Int("duplicate", resp.Duplicate),
		zap.Int("errors", resp.Errors),
	)
	return c.JSON(resp)
}

func (h *transcriptHandlers) handleGet(c *fiber.Ctx) error {
	t, err := buildTranscript(c.UserContext(), h.storer, c.Params("hash"))
	if err != nil {
		var notFound transcript.ErrNotFound
		if errors.As(err, &notFound) {
			return fiber.NewError(fiber.StatusNotFound, "transcript not found")
		}
		return err
	}
	return c.JSON(t)
}

func buildTranscript(ctx context.Context, storer transcript.Storer, hash string) (TranscriptResponse, error) {
	nodes, err := transcript.History(ctx, storer, hash)
	if err != nil {
		return TranscriptResponse{}, err
	}

	turns := make([]TranscriptTurn, len(nodes))
	for i, n := range nodes {
		turns[i] = TranscriptTurn{
			Hash:       n.Hash,
			ParentHash: n.ParentHash,
			Role:       string(n.Turn.Role),
			Content:    n.Turn.Content,
		}
	}

	return TranscriptResponse{
		HeadHash: hash,
		Depth:    len(turns),
		Turns:    turns,
	}, nil
}
