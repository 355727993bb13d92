package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentrelay/relay/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/agentrelay/relay/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay, a multi-transport agent gateway",
	Long:  "Relay: an agentic chat gateway that fans prompts in from dashboard, Telegram, and service-bus transports, runs them through an LLM tool loop with human approval gating, and streams the responses back out.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $RELAY_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("RELAY_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
