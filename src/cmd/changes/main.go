// Package main provides the changes CLI: the sync worker, one-shot sync
// passes, build requests, the live build watcher and the MCP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"changes-agent/src/config"
	"changes-agent/src/logger"
	"changes-agent/src/provider"
)

var (
	configPath string
	envFile    string

	// Application configuration
	appConfig *config.Config
	log       logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "changes",
	Short: "changes - keeps CI builds from several providers in one place",
	Long: `changes polls Buildkite, GitHub Actions and Jenkins, reconciles their
builds into one store, rolls jobs up into build families and finds where
failing tests started failing.

With no database URL the store is in memory; with no brokers the task
and update topics stay inside the process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		var err error
		appConfig, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		// The watcher owns the terminal; it only logs to a file.
		if cmd.Name() == watchCmd.Name() && appConfig.Log.File == "" {
			log = logger.NewSilentLogger()
			return nil
		}
		log, err = logger.New(logger.Options{
			Level:  appConfig.Log.Level,
			Format: appConfig.Log.Format,
			File:   appConfig.Log.File,
		})
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(workerCmd, pollCmd, sweepCmd, createCmd, projectsCmd, watchCmd, mcpCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", provider.WrapError(err))
		os.Exit(1)
	}
}
