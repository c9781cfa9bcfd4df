// Package commands provides CLI commands for chatrelay.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verboseFlag bool

	// Version info (set at build time)
	Version   = "0.1.0"
	BuildTime = "unknown"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "Chat client for a webhook backend that survives bad connections",
	Long: `chatrelay sends chat messages to a single webhook and keeps a local
conversation log. Text messages that cannot be delivered are queued on disk
and replayed in order once the backend is reachable again.

Examples:
  chatrelay send "What is Go?"          Send a message to the active conversation
  chatrelay send -f report.pdf "Sum up"  Send a PDF together with a question
  cat notes.md | chatrelay send         Read the message from stdin
  chatrelay flush                       Deliver queued messages now
  chatrelay watch                       Flush whenever connectivity returns
  chatrelay config set webhook_url https://hooks.example.com/chat`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Fprintf(cmd.OutOrStdout(), "chatrelay %s (built %s)\n", Version, BuildTime)
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "Enable debug logging on stderr")
	rootCmd.Flags().BoolP("version", "v", false, "Show version and exit")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
