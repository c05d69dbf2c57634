// Package cmd implements the reflexcore command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reflexcore/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reflexcore",
		Short:         "Reflex and conversation runtime for autonomous game agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or reflexcore.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(runCmd())
	root.AddCommand(relayCmd())
	root.AddCommand(modesCmd())
	root.AddCommand(configCmd())
	root.AddCommand(journalCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())
	return root
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	return config.ResolvePath(cfgFile)
}

// loadConfig loads the config and configures logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("reflexcore %s\n", Version)
		},
	}
}
