// Package main provides the CLI entry point for the voiceagent collection
// call engine.
//
// Voiceagent places outbound collection calls through a telephony carrier,
// bridges the live call audio onto a realtime speech engine, and records the
// classified outcome of every conversation.
//
// # Basic Usage
//
// Start the server:
//
//	voiceagent serve --config voiceagent.yaml
//
// Price a hypothetical call:
//
//	voiceagent estimate --sms --recording
//
// Check whether a call would pass the compliance gate right now:
//
//	voiceagent check --amount 120
//
// # Environment Variables
//
// Credentials are usually provided through the environment and expanded
// inside the config file:
//
//   - TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN: carrier credentials
//   - OPENAI_API_KEY: speech engine API key
//   - STREAM_TOKEN_SECRET: media stream URL signing secret
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "voiceagent",
		Short: "Voiceagent - AI collection call engine",
		Long: `Voiceagent places outbound collection calls and lets a realtime
speech agent hold the conversation: compliance checks before dialing,
live audio bridging during the call, and outcome classification after.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildEstimateCmd(),
		buildCheckCmd(),
	)

	return rootCmd
}
