// Command coordbridge connects one worker session to the local coordinator.
//
// It speaks MCP over stdin/stdout and forwards lock or permission requests
// to the coordinator's websocket. Diagnostics go to stderr.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wagiedev/coordbridge/internal/bridge"
	"github.com/wagiedev/coordbridge/internal/config"
)

func main() {
	if err := newRootCmd(config.Load).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coordbridge: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(load func() (*config.Config, error)) *cobra.Command {
	root := &cobra.Command{
		Use:   "coordbridge",
		Short: "Bridge a worker session to the coordinator",
		Long: `coordbridge runs as an MCP stdio server inside one worker session and
relays its requests to the coordinator listening on COORDBRIDGE_PORT.

Settings come from the environment:
  COORDBRIDGE_PORT               coordinator port (required)
  COORDBRIDGE_ISSUE_ID           session identity (default "unknown")
  COORDBRIDGE_RETRY_INTERVAL_MS  delay between lock attempts (default 10000)
  COORDBRIDGE_LOG_LEVEL          debug, info, warn or error (default info)`,
		Version:       bridge.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		variantCmd(bridge.VariantLock, "Serve the file lock tools", load),
		variantCmd(bridge.VariantPermission, "Serve the tool approval tool", load),
	)

	return root
}

func variantCmd(variant bridge.Variant, short string, load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   string(variant),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			return bridge.Run(cmd.Context(), cfg, variant)
		},
	}
}
