package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/session"
)

// RunLines chats without a terminal UI: every line of in is one message and
// every reply is written to out. Blank lines are skipped. It returns when in
// is exhausted or ctx is done.
func RunLines(ctx context.Context, manager *session.Manager, sessionID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		if conversation.IsBlank(line) {
			continue
		}

		state, err := manager.Send(ctx, sessionID, line)
		if err != nil {
			return err
		}

		last, ok := state.LastTurn()
		if !ok || last.Role != conversation.RoleBot {
			continue
		}
		if _, err := fmt.Fprintln(out, last.Content); err != nil {
			return err
		}
	}
	return scanner.Err()
}
