// voicebridge bridges browser voice sessions to a realtime speech model and
// delegates tool calls to backend agents.
//
// Usage:
//
//	voicebridge serve --config voicebridge.yaml
//	voicebridge replay <conversation_id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "voicebridge",
	Short: "Voice session bridge between browsers, a speech model and backend agents",
	Long: `voicebridge relays browser audio to a realtime speech model, routes the
model's tool calls to delegated backends, narrates their progress and
records every conversation event for replay.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("VOICEBRIDGE_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
