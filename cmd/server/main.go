package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kibshh/frugal-iot-server/backend/internal/config"
)

var configPath string

// rootCmd runs the server; the subcommands are offline helpers for
// whoever publishes firmware.
var rootCmd = &cobra.Command{
	Use:   "frugal-iot-server",
	Short: "OTA firmware server for Frugal IoT devices",
	Long: `Serves firmware updates to ESP8266/ESP32 devices.

Devices call GET /ota_update/{organization}/{project}/{node}/{attributes}
and receive either 304 (keep running) or 200 with the binary to flash.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv(config.EnvConfigFile),
		"YAML config file (env "+config.EnvConfigFile+")")

	rootCmd.AddCommand(resolveCmd, digestCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "Shutdown signal received: %s\n", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
