package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/papercomputeco/flowchat/pkg/flow"
)

// Stage says whose move it is.
type Stage string

const (
	// StageAwaitingUserInput is the initial stage.
	StageAwaitingUserInput Stage = "awaiting_user_input"

	StageAwaitingBotResponse Stage = "awaiting_bot_response"
)

var (
	// ErrNotAwaitingBot is returned by Respond when the user has the turn.
	ErrNotAwaitingBot = errors.New("conversation is not awaiting a bot response")

	// ErrInvalidState is wrapped by Validate failures.
	ErrInvalidState = errors.New("invalid conversation state")
)

// State is the full conversation: the ordered turn log and the current stage.
// Transitions never mutate their input; they return a new State.
type State struct {
	Turns []Turn `json:"turns"`
	Stage Stage  `json:"stage"`
}

// New returns an empty conversation awaiting user input.
func New() State {
	return State{
		Turns: []Turn{},
		Stage: StageAwaitingUserInput,
	}
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	return State{Turns: turns, Stage: s.Stage}
}

// LastTurn returns the most recent turn, if any.
func (s State) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// Validate checks that the turn log agrees with the stage: a pending bot
// response follows a user turn, and user input is awaited only on an empty
// log or after a bot turn.
func (s State) Validate() error {
	last, ok := s.LastTurn()

	switch s.Stage {
	case StageAwaitingUserInput:
		if ok && last.Role != RoleBot {
			return fmt.Errorf("%w: awaiting user input after a %s turn", ErrInvalidState, last.Role)
		}
	case StageAwaitingBotResponse:
		if !ok || last.Role != RoleUser {
			return fmt.Errorf("%w: awaiting bot response without a pending user turn", ErrInvalidState)
		}
	default:
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidState, s.Stage)
	}

	for i, t := range s.Turns {
		if t.Role != RoleUser && t.Role != RoleBot {
			return fmt.Errorf("%w: turn %d has unknown role %q", ErrInvalidState, i, t.Role)
		}
	}

	return nil
}

// IsBlank reports whether input would be ignored by Submit.
func IsBlank(input string) bool {
	return strings.TrimSpace(input) == ""
}

// Submit records input as a user turn and hands the move to the bot. Blank
// input, or input while a bot response is pending, leaves the state untouched
// and reports false.
func Submit(s State, input string) (State, bool) {
	if s.Stage != StageAwaitingUserInput || IsBlank(input) {
		return s, false
	}

	next := s.Clone()
	next.Turns = append(next.Turns, Turn{Role: RoleUser, Content: input})
	next.Stage = StageAwaitingBotResponse
	return next, true
}

// Respond sends the pending user turn through sender, appends the reply as a
// bot turn and hands the move back to the user. A failed flow call does not
// fail Respond: its user-facing message becomes the bot turn instead.
func Respond(ctx context.Context, s State, sender flow.Sender) (State, error) {
	if s.Stage != StageAwaitingBotResponse {
		return s, ErrNotAwaitingBot
	}

	last, ok := s.LastTurn()
	if !ok || last.Role != RoleUser {
		return s, fmt.Errorf("%w: no pending user turn", ErrInvalidState)
	}

	content, err := sender.Send(ctx, last.Content)
	if err != nil {
		content = flow.UserMessage(err)
	}

	next := s.Clone()
	next.Turns = append(next.Turns, Turn{Role: RoleBot, Content: content})
	next.Stage = StageAwaitingUserInput
	return next, nil
}
