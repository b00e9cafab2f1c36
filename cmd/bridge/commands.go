package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LaCreArthur/claude-bridge/bundle"
	"github.com/LaCreArthur/claude-bridge/cli"
	"github.com/LaCreArthur/claude-bridge/logger"
	"github.com/LaCreArthur/claude-bridge/paths"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check host prerequisites and runtime availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			results := cli.CheckAll(cli.DefaultPrerequisites())
			fmt.Print(cli.FormatCheckResults(results))

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			resolver := bundle.NewResolver(bundle.Options{
				OverrideDir: cfg.ResolvedRuntimeOverride(),
				ArchivePath: cfg.ArchivePath,
			})
			dir, err := resolver.Resolve(context.Background())
			if err != nil {
				fmt.Printf("  ✗ agent runtime: %v\n", err)
			} else {
				fmt.Printf("  ✓ agent runtime (%s)\n", dir)
			}
			return cli.ValidateRequired(cli.DefaultPrerequisites())
		},
	}
}

func chatCmd() *cobra.Command {
	var (
		cwd            string
		model          string
		permissionMode string
		restorePath    string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to the agent and stream the reply",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := ""
			if len(args) == 1 {
				message = args[0]
			}
			return runChat(chatOptions{
				Message:        message,
				WorkingDir:     cwd,
				Model:          model,
				PermissionMode: permissionMode,
				RestorePath:    restorePath,
			})
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "agent working directory (default: current directory)")
	cmd.Flags().StringVar(&model, "model", "", "model override for this session")
	cmd.Flags().StringVar(&permissionMode, "permission-mode", "", "permission mode (default, acceptEdits, plan, bypassPermissions)")
	cmd.Flags().StringVar(&restorePath, "restore", "", "replay a raw protocol transcript before the first turn")
	return cmd
}

func runtimeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Manage the extracted agent runtime",
	}
	cmd.AddCommand(runtimeResolveCmd(), runtimeCleanCmd())
	return cmd
}

func runtimeResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Locate (and extract if needed) the agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			resolver := bundle.NewResolver(bundle.Options{
				OverrideDir: cfg.ResolvedRuntimeOverride(),
				ArchivePath: cfg.ArchivePath,
			})
			dir, err := resolver.Resolve(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(dir)
			return nil
		},
	}
}

func runtimeCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove extracted runtime caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := paths.RuntimeCacheDir()
			if err != nil {
				return err
			}
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			fmt.Printf("Removed %s\n", dir)
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Manage bridge log files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the bridge log and all raw protocol transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := logger.ClearLogs()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d log file(s)\n", count)
			return nil
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect bridge configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := paths.ConfigFilePath()
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	})
	return cmd
}
