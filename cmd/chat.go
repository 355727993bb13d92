package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	var (
		agentID string
		connect string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent from the terminal",
		Long:  "Runs an interactive chat. By default the agent runs in-process against the local config; with --connect it attaches to a running gateway over WebSocket.",
		Run: func(cmd *cobra.Command, args []string) {
			setupChatLogging()
			if connect != "" {
				runChatClient(connect, agentID)
				return
			}
			runChatStandalone(agentID)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "default", "agent id to chat with")
	cmd.Flags().StringVar(&connect, "connect", "", "gateway WebSocket URL, e.g. ws://localhost:18890/ws")
	return cmd
}

// setupChatLogging keeps log noise off the REPL: warnings only to
// stderr unless --verbose.
func setupChatLogging() {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
