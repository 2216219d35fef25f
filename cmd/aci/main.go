package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/app"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/config"
)

var (
	cfgFile   string
	envFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aci",
	Short: "ACI - timed message dispatcher",
	Long: `ACI dispatches promotional messages to Telegram channels, WhatsApp numbers
and mailboxes. Items are drained from a timed queue, sent to recipient
lists in bulk, or scheduled for later with calendar recurrence.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatcher",
	Long:  `Start the dispatch engines and the HTTP control API.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aci version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with ${VAR} values (default: .env next to the config)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	if envFile != "" {
		return config.Load(cfgFile, envFile)
	}
	return config.Load(cfgFile)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s (auth: %v)\n", cfg.API.ListenAddr, cfg.HasAuth())
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Queue interval: %s\n", cfg.Dispatch.Interval)
	fmt.Printf("  Bulk: %s every %s\n", cfg.Bulk.Transport, cfg.Bulk.Interval)
	fmt.Printf("  Scheduler timezone: %s\n", cfg.Scheduler.Timezone)
	fmt.Printf("  Transports:")
	if cfg.Transports.Telegram != nil {
		fmt.Printf(" telegram")
	}
	if cfg.Transports.WhatsApp != nil {
		fmt.Printf(" whatsapp")
	}
	if cfg.Transports.Email != nil {
		fmt.Printf(" email")
	}
	fmt.Println()
	fmt.Printf("  Seeded destinations: %d\n", len(cfg.Destinations))

	return nil
}
