package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/RISE-Maritime/keelson-sub001/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "keelson <command>",
	Short:        "Record and replay keelson bus traffic",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		f := cmd.Flags()
		if f.Changed("log-level") {
			c.LogLevel, _ = f.GetString("log-level")
		}
		if f.Changed("nats-url") {
			c.Bus.URL, _ = f.GetString("nats-url")
		}
		if f.Changed("rpc-realm") {
			c.RPC.Realm, _ = f.GetString("rpc-realm")
		}
		if f.Changed("rpc-entity") {
			c.RPC.Entity, _ = f.GetString("rpc-entity")
		}
		if f.Changed("metrics-addr") {
			c.Metrics.Addr, _ = f.GetString("metrics-addr")
		}
		if f.Changed("health-addr") {
			c.Metrics.HealthAddr, _ = f.GetString("health-addr")
		}

		level, err := config.ParseLevel(c.LogLevel)
		if err != nil {
			return err
		}
		cfg = c
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", os.Getenv("KEELSON_CONFIG"), "path to a TOML config file")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	pf.String("rpc-realm", "", "realm for the rotate RPC endpoint")
	pf.String("rpc-entity", "", "entity id for the rotate RPC endpoint")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address (empty = disabled)")
	pf.String("health-addr", "", "serve gRPC health checks on this address (empty = disabled)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "record", Title: "Recording:"},
		&cobra.Group{ID: "replay", Title: "Playback:"},
	)
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(recordKlogCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
