package flowchatcmder

import (
	"github.com/spf13/cobra"

	"github.com/papercomputeco/flowchat/cmd/flowchat/app"
	askcmder "github.com/papercomputeco/flowchat/cmd/flowchat/ask"
	chatcmder "github.com/papercomputeco/flowchat/cmd/flowchat/chat"
	historycmder "github.com/papercomputeco/flowchat/cmd/flowchat/history"
	mcpcmder "github.com/papercomputeco/flowchat/cmd/flowchat/mcp"
	mergecmder "github.com/papercomputeco/flowchat/cmd/flowchat/merge"
	pushcmder "github.com/papercomputeco/flowchat/cmd/flowchat/push"
	servecmder "github.com/papercomputeco/flowchat/cmd/flowchat/serve"
)

const flowchatLongDesc string = `flowchat is a chat front-end for a hosted conversational flow.

Every message is sent to the flow's run endpoint and the reply is shown as
the assistant's turn. Settings come from a TOML secrets file, a .env file
and the environment (BASE_API_URL, FLOW_ID, API_KEY).`

const flowchatShortDesc string = "Chat with a hosted conversational flow"

func NewFlowchatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowchat",
		Short:         flowchatShortDesc,
		Long:          flowchatLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	app.AddPersistentFlags(cmd)

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(chatcmder.NewChatCmd())
	cmd.AddCommand(askcmder.NewAskCmd())
	cmd.AddCommand(historycmder.NewHistoryCmd())
	cmd.AddCommand(mcpcmder.NewMCPCmd())
	cmd.AddCommand(mergecmder.NewMergeCmd())
	cmd.AddCommand(pushcmder.NewPushCmd())

	return cmd
}
