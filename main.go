package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modular-agent/modular-agent-slack/cmd/channels"
	"github.com/modular-agent/modular-agent-slack/cmd/history"
	"github.com/modular-agent/modular-agent-slack/cmd/listen"
	"github.com/modular-agent/modular-agent-slack/cmd/post"
	"github.com/modular-agent/modular-agent-slack/cmd/serve"
	"github.com/modular-agent/modular-agent-slack/cmd/tail"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "slack-agents",
		Short: "Slack agents for chat-driven automation",
		Long: "Slack agents for chat-driven automation: post messages, read " +
			"history, list channels, stream live messages over Socket Mode and " +
			"serve it all over an HTTP API.",
	}
	rootCmd.AddCommand(
		post.CreatePostCmd(),
		history.CreateHistoryCmd(),
		channels.CreateChannelsCmd(),
		listen.CreateListenCmd(),
		serve.CreateServeCmd(),
		tail.TailCmd,
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
