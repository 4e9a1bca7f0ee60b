// Package main is the entry point of the tunecast device agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/tunecast/server/internal/agent"
	"github.com/tunecast/server/internal/config"
	"github.com/tunecast/server/internal/observability"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tunecast-agent",
		Short:        "Tunecast playback device agent",
		Long:         `Connects a playback device to the tunecast server, reports its presence and plays the playlists pushed to it.`,
		SilenceUsage: true,
		RunE:         runAgent,
	}

	flags := rootCmd.Flags()
	flags.String("server-url", "", "WebSocket URL of the server (overrides agent.serverUrl)")
	flags.String("api-url", "", "HTTP base URL of the server (overrides agent.apiUrl)")
	flags.String("token", "", "Device token (overrides DEVICE_TOKEN)")
	flags.String("branch", "", "Branch of the device (overrides BRANCH_ID)")
	flags.String("output", "", "Audio output: log or mpv (overrides agent.output)")
	flags.String("reconnect-policy", "", "Reconnect policy: fixed or exponential")
	flags.Int("reconnect-seconds", 0, "Reconnect delay, or initial delay for the exponential policy")
	flags.Int("queue-capacity", 0, "Outbound queue capacity while offline, -1 for unbounded")
	flags.Int("keepalive-seconds", 0, "Keep-alive ping interval")
	flags.String("log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")
	flags.String("log-file", "", "Append logs to this file instead of stdout")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "tunecast-agent", version)
		},
	})
	return rootCmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	logger := observability.GetLogger()
	closeLog, err := configureLogger(cmd, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg.Agent); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Agent.DeviceToken == "" {
		return fmt.Errorf("a device token is required (--token or DEVICE_TOKEN)")
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Initialize(ctx, observability.NewConfig("tunecast-agent", version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		return err
	}

	output, err := agent.NewOutput(cfg.Agent.Output, logger)
	if err != nil {
		return err
	}
	reporter, err := agent.NewReporter(cfg.Agent.APIURL, cfg.Agent.DeviceToken, logger)
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Options{
		ServerURL:         cfg.Agent.ServerURL,
		Token:             cfg.Agent.DeviceToken,
		BranchID:          cfg.Agent.BranchID,
		Output:            output,
		Reporter:          reporter,
		Backoff:           reconnectPolicy(cfg.Agent),
		KeepAlive:         cfg.Agent.KeepAlive(),
		QueueCapacity:     cfg.Agent.QueueCapacity,
		HeartbeatInterval: cfg.Presence.Heartbeat(),
		Location:          loc,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		return err
	}

	logger.Infof("Tunecast agent %s connecting to %s (output: %s)", version, cfg.Agent.ServerURL, cfg.Agent.Output)
	if err := a.Run(ctx); err != nil {
		logger.Errorf("Agent stopped with error: %v", err)
		return err
	}
	logger.Info("Agent stopped")
	return nil
}

// applyFlags overrides the loaded configuration with the flags set on the
// command line
func applyFlags(cmd *cobra.Command, cfg *config.Agent) error {
	flags := cmd.Flags()
	stringFlags := map[string]*string{
		"server-url":       &cfg.ServerURL,
		"api-url":          &cfg.APIURL,
		"token":            &cfg.DeviceToken,
		"branch":           &cfg.BranchID,
		"output":           &cfg.Output,
		"reconnect-policy": &cfg.ReconnectPolicy,
	}
	for name, dst := range stringFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*dst = v
	}

	intFlags := map[string]*int{
		"reconnect-seconds": &cfg.ReconnectSeconds,
		"queue-capacity":    &cfg.QueueCapacity,
		"keepalive-seconds": &cfg.KeepAliveSeconds,
	}
	for name, dst := range intFlags {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetInt(name)
		if err != nil {
			return fmt.Errorf("failed to get %s flag: %w", name, err)
		}
		*dst = v
	}
	return nil
}

// configureLogger applies --log-level and --log-file to logger. The returned
// func closes the log file.
func configureLogger(cmd *cobra.Command, logger *observability.Logger) (func(), error) {
	flags := cmd.Flags()
	if level, _ := flags.GetString("log-level"); level != "" {
		logger.SetLevel(observability.ParseLevel(level))
	}

	path, _ := flags.GetString("log-file")
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(f)
	return func() { _ = f.Close() }, nil
}

func reconnectPolicy(cfg config.Agent) backoff.BackOff {
	if cfg.ReconnectPolicy == "exponential" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.ReconnectDelay()
		b.MaxInterval = 5 * time.Minute
		return b
	}
	return backoff.NewConstantBackOff(cfg.ReconnectDelay())
}
