package mcpcmder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/cmd/flowchat/app"
	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/session"
)

const mcpLongDesc string = `Run a Model Context Protocol (MCP) server.

Exposes the flow to MCP clients as tools:
  send_message        send a message and return the reply
  get_conversation    return the turns of a session
  reset_conversation  discard a session

Supported transports:
  stdio (default)  standard input/output, for local process integration
  http             streamable HTTP on --listen

Logs go to stderr so they never mix with protocol traffic on stdout.

Examples:
  flowchat mcp
  flowchat mcp --transport http --listen :8090`

const mcpShortDesc string = "Run an MCP server"

// Version is reported to MCP clients.
var Version = "dev"

type mcpCommander struct {
	transport string
	listen    string
}

func NewMCPCmd() *cobra.Command {
	cmder := &mcpCommander{}

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: mcpShortDesc,
		Long:  mcpLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringVar(&cmder.transport, "transport", "stdio", "Transport protocol: stdio or http")
	cmd.Flags().StringVar(&cmder.listen, "listen", ":8090", "Address to listen on (http transport only)")

	return cmd
}

func (c *mcpCommander) run(ctx context.Context, cmd *cobra.Command) error {
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

	server := NewServer(a.Manager, logger.Named("mcp"))

	switch c.transport {
	case "stdio":
		logger.Info("starting MCP server", zap.String("transport", "stdio"))
		if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server failed: %w", err)
		}
		return nil

	case "http":
		return serveHTTP(ctx, server, c.listen, logger)

	default:
		return fmt.Errorf("unknown transport %q: supported are stdio and http", c.transport)
	}
}

// serveHTTP uses net/http because the streamable transport keeps event
// streams open, which fiber's adaptor would buffer.
func serveHTTP(ctx context.Context, server *mcp.Server, listen string, logger *zap.Logger) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("starting MCP server", zap.String("transport", "http"), zap.String("listen", listen))

	select {
	case err := <-errCh:
		return fmt.Errorf("MCP server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// SendMessageArgs are the arguments of send_message.
type SendMessageArgs struct {
	SessionID string `json:"session_id" jsonschema:"conversation to continue; reuse it to keep context between calls"`
	Message   string `json:"message" jsonschema:"the user message to send to the flow"`
}

// SendMessageResult is the structured result of send_message.
type SendMessageResult struct {
	Reply string `json:"reply"`
	Turns int    `json:"turns"`
}

// SessionArgs name a conversation.
type SessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"the conversation"`
}

// ConversationResult is the structured result of get_conversation.
type ConversationResult struct {
	SessionID string              `json:"session_id"`
	Stage     conversation.Stage  `json:"stage"`
	Turns     []conversation.Turn `json:"turns"`
}

// ResetResult is the structured result of reset_conversation.
type ResetResult struct {
	SessionID string `json:"session_id"`
	Reset     bool   `json:"reset"`
}

// NewServer creates an MCP server whose tools run conversations through manager.
func NewServer(manager *session.Manager, logger *zap.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "flowchat",
		Version: Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_message",
		Description: "Send a message to the flow assistant and return its reply. A failed flow call is returned as the reply text.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args SendMessageArgs) (*mcp.CallToolResult, SendMessageResult, error) {
		if args.SessionID == "" {
			return nil, SendMessageResult{}, errors.New("session_id is required")
		}
		if conversation.IsBlank(args.Message) {
			return nil, SendMessageResult{}, errors.New("message must not be blank")
		}

		state, err := manager.Send(ctx, args.SessionID, args.Message)
		if err != nil {
			logger.Error("send_message failed", zap.String("session_id", args.SessionID), zap.Error(err))
			return nil, SendMessageResult{}, err
		}

		reply, _ := state.LastTurn()
		return nil, SendMessageResult{Reply: reply.Content, Turns: len(state.Turns)}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_conversation",
		Description: "Return every turn of a conversation, oldest first.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args SessionArgs) (*mcp.CallToolResult, ConversationResult, error) {
		state, err := manager.Get(ctx, args.SessionID)
		if err != nil {
			return nil, ConversationResult{}, err
		}
		return nil, ConversationResult{
			SessionID: args.SessionID,
			Stage:     state.Stage,
			Turns:     state.Turns,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset_conversation",
		Description: "Discard a conversation so the next message starts fresh.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args SessionArgs) (*mcp.CallToolResult, ResetResult, error) {
		if err := manager.Reset(ctx, args.SessionID); err != nil {
			return nil, ResetResult{}, err
		}
		return nil, ResetResult{SessionID: args.SessionID, Reset: true}, nil
	})

	return server
}
