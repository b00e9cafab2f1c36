// Package main is the entry point for the bridge CLI, a terminal harness
// around the same session core the editor plugin embeds.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LaCreArthur/claude-bridge/config"
	"github.com/LaCreArthur/claude-bridge/logger"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:     "bridge",
		Short:   "Embed the Claude agent runtime in a host editor",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, err := logger.DefaultLogPath()
			if err != nil {
				return err
			}
			if err := logger.Init(path); err != nil {
				return err
			}
			logger.SetDebug(debug)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		chatCmd(),
		doctorCmd(),
		runtimeCmd(),
		logsCmd(),
		configCmd(),
	)
	return root
}

// loadConfig reads the user config, applying debug from the file when the
// flag did not force it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		logger.SetDebug(true)
	}
	return cfg, nil
}
