package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version info set from main
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global flags
	configPath string
	outputFmt  string
)

// SetVersionInfo sets version information from build flags
func SetVersionInfo(v, c, b string) {
	version = v
	commit = c
	buildTime = b
}

var rootCmd = &cobra.Command{
	Use:   "inbox-watcher",
	Short: "Watch mailboxes and notify about new email",
	Long: `inbox-watcher polls IMAP and POP3 mailboxes on a fixed interval and
delivers every message it has not seen before to the configured sinks:
Telegram chats, webhooks and the recent notifications feed of the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: config.yaml in /app/configs, ./configs, /app or .)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text",
		"output format (text, json)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "inbox-watcher %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", buildTime)
	},
}
