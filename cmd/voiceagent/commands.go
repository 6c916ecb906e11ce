package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/recouphq/voiceagent/internal/call"
	"github.com/recouphq/voiceagent/internal/compliance"
	"github.com/recouphq/voiceagent/internal/config"
	"github.com/recouphq/voiceagent/internal/cost"
	"github.com/recouphq/voiceagent/internal/observability"
	"github.com/recouphq/voiceagent/internal/server"
)

// buildServeCmd creates the "serve" command that runs the call engine.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the call engine server",
		Long: `Start the call engine: the call API, the carrier webhooks, and the
media-stream bridge. Graceful shutdown on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  voiceagent serve

  # Start with custom config
  voiceagent serve --config /etc/voiceagent/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "voiceagent.yaml",
		"Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics()

	srv, err := server.New(cfg, nil, metrics, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting voiceagent", "version", version)
	return srv.Run(ctx)
}

// buildEstimateCmd creates the "estimate" command for pricing a call
// without placing one.
func buildEstimateCmd() *cobra.Command {
	var (
		configPath      string
		durationSeconds int
		sms             bool
		recording       bool
		payment         bool
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Price a hypothetical call",
		Example: `  # Average-length call with a confirmation text
  voiceagent estimate --sms

  # Two-minute recorded call with in-call payment
  voiceagent estimate --duration 120 --recording --payment`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rates := cost.DefaultRates()
			if configPath != "" {
				cfg, err := config.LoadFile(configPath)
				if err != nil {
					return err
				}
				rates = cfg.Cost
			}
			breakdown := cost.Estimate(rates, time.Duration(durationSeconds)*time.Second, cost.Options{
				ConfirmationSMS: sms,
				Recording:       recording,
				InCallPayment:   payment,
			})
			return printJSON(breakdown)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file for custom rates (optional)")
	cmd.Flags().IntVar(&durationSeconds, "duration", 0, "Call duration in seconds (0 uses the configured average)")
	cmd.Flags().BoolVar(&sms, "sms", false, "Include a confirmation text message")
	cmd.Flags().BoolVar(&recording, "recording", false, "Include call recording")
	cmd.Flags().BoolVar(&payment, "payment", false, "Include the in-call payment surcharge")

	return cmd
}

// buildCheckCmd creates the "check" command that evaluates the compliance
// gate for a would-be call without touching the carrier.
func buildCheckCmd() *cobra.Command {
	var (
		configPath string
		number     string
		amount     float64
		at         string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a call would pass the compliance gate",
		Example: `  # Would a $120 call be allowed right now?
  voiceagent check --amount 120

  # What about Sunday morning?
  voiceagent check --amount 120 --at 2026-03-01T09:30:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := compliance.Ruleset{}.Normalize()
			if configPath != "" {
				cfg, err := config.LoadFile(configPath)
				if err != nil {
					return err
				}
				rules = cfg.Compliance
			}

			now := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at time: %w", err)
				}
				now = parsed
			}

			gate := compliance.NewGate(rules)
			decision := gate.Check(call.Request{
				RecipientNumber: number,
				AmountDue:       amount,
			}, now, nil)
			return printJSON(decision)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file for custom rules (optional)")
	cmd.Flags().StringVar(&number, "number", "+15550000000", "Recipient number")
	cmd.Flags().Float64Var(&amount, "amount", 0, "Amount due")
	cmd.Flags().StringVar(&at, "at", "", "Evaluate at this RFC3339 time instead of now")

	return cmd
}

func printJSON(payload any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
