package askcmder

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/flowchat/cmd/flowchat/app"
	"github.com/papercomputeco/flowchat/pkg/conversation"
)

const askLongDesc string = `Send one message to the flow and print the reply.

The message is taken from the arguments, or read from stdin when no
arguments are given. A failed flow call prints the same message the chat
would show; only configuration problems make the command fail.

Each run starts a new conversation unless --session names an existing one.
Sessions outlive the process only in the Redis store, so continuing a
conversation across runs needs FLOWCHAT_REDIS_URL (or redis_url) to be set.

Examples:
  flowchat ask "What are your opening hours?"
  FLOWCHAT_REDIS_URL=redis://localhost:6379/0 flowchat ask --session support-42 "And on Sundays?"
  cat question.txt | flowchat ask`

const askShortDesc string = "Send a single message"

type askCommander struct {
	sessionID string
}

func NewAskCmd() *cobra.Command {
	cmder := &askCommander{}

	cmd := &cobra.Command{
		Use:   "ask [message...]",
		Short: askShortDesc,
		Long:  askLongDesc,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVarP(&cmder.sessionID, "session", "s", "", "Session ID to continue (default: a new one)")

	return cmd
}

func (c *askCommander) run(ctx context.Context, cmd *cobra.Command, args []string) error {
	message := strings.Join(args, " ")
	if len(args) == 0 {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("could not read message from stdin: %w", err)
		}
		message = strings.TrimRight(string(raw), "\r\n")
	}
	if conversation.IsBlank(message) {
		return fmt.Errorf("message must not be blank")
	}

	cfg, _, err := app.LoadConfig(cmd)
	if err != nil {
		return err
	}

	logger := app.NewLogger(cfg, cmd.ErrOrStderr())
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := c.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	state, err := a.Manager.Send(ctx, sessionID, message)
	if err != nil {
		return err
	}

	reply, ok := state.LastTurn()
	if !ok || reply.Role != conversation.RoleBot {
		return fmt.Errorf("no reply received")
	}

	fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
	return nil
}
