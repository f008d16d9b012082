package chatcmder

import (
	"context"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/papercomputeco/flowchat/cmd/flowchat/app"
	"github.com/papercomputeco/flowchat/pkg/tui"
)

const chatLongDesc string = `Chat with the flow in the terminal.

On an interactive terminal this opens a full-screen chat. Bot replies are
rendered as markdown. When stdin is not a terminal, every input line is sent
as one message and each reply is printed on its own.

Logs go to stderr, or to --log-file when given.

Examples:
  flowchat chat
  flowchat chat --session support-42
  echo "What are your opening hours?" | flowchat chat`

const chatShortDesc string = "Chat in the terminal"

type chatCommander struct {
	sessionID string
	logFile   string
}

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVarP(&cmder.sessionID, "session", "s", "", "Session ID to continue (default: a new one)")
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Write logs to this file instead of stderr")

	return cmd
}

func (c *chatCommander) run(ctx context.Context, cmd *cobra.Command) error {
	cfg, _, err := app.LoadConfig(cmd)
	if err != nil {
		return err
	}

	var logOut io.Writer = cmd.ErrOrStderr()
	if c.logFile != "" {
		f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("could not open log file %s: %w", c.logFile, err)
		}
		defer f.Close()
		logOut = f
	}
	logger := app.NewLogger(cfg, logOut)
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
	logger.Debug("chat session", zap.String("session_id", sessionID))

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		return tui.RunLines(ctx, a.Manager, sessionID, in, cmd.OutOrStdout())
	}

	model := tui.New(ctx, tui.Options{
		Manager:   a.Manager,
		SessionID: sessionID,
		Title:     cfg.Title,
		Subtitle:  cfg.Subtitle,
	})

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	unsubscribe := a.Manager.Subscribe(tui.Forward(program))
	defer unsubscribe()

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("chat failed: %w", err)
	}
	return nil
}
