package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var (
	initOutput   string
	initDataDir  string
	initAPIKey   string
	initHashKey  bool
	initTimezone string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long: `Write a starter configuration file and a .env file next to it.

Transport credentials are referenced as ${VAR} in the config and left
empty in the .env file for you to fill in.

Examples:
  aci init -o /etc/aci/config.yaml
  aci init --hash-key --timezone America/Sao_Paulo`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/aci", "Data directory for state")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initHashKey, "hash-key", false, "Store only a bcrypt hash of the API key")
	initCmd.Flags().StringVar(&initTimezone, "timezone", "Local", "Scheduler time zone")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	envPath := filepath.Join(filepath.Dir(initOutput), ".env")
	if !initForce {
		for _, p := range []string{initOutput, envPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			}
		}
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("Generated API key: %s\n", initAPIKey)
	}

	authLine := fmt.Sprintf(`api_key: "%s"`, initAPIKey)
	if initHashKey {
		hash, err := bcrypt.GenerateFromPassword([]byte(initAPIKey), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash API key: %w", err)
		}
		authLine = fmt.Sprintf(`api_key_hash: "%s"`, hash)
	}

	if err := os.MkdirAll(filepath.Dir(initOutput), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(initOutput, []byte(generateConfig(authLine)), 0640); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.WriteFile(envPath, []byte(generateEnv()), 0600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", initOutput)
	fmt.Printf("Credentials template written to %s\n\n", envPath)
	fmt.Println("Next steps:")
	fmt.Println("  1. Fill in the transport credentials in the .env file")
	fmt.Printf("  2. aci config validate -c %s\n", initOutput)
	fmt.Printf("  3. aci serve -c %s\n", initOutput)
	return nil
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(authLine string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `# ACI configuration

api:
  listen_addr: ":8080"
  %s

storage:
  path: "%s"

logging:
  level: info
  format: json

metrics:
  enabled: false
  listen_addr: "127.0.0.1:9090"

dispatch:
  interval: 1m

bulk:
  transport: whatsapp
  interval: 10s

scheduler:
  timezone: "%s"
  retention: 720h

transports:
  telegram:
    token: "${TELEGRAM_BOT_TOKEN}"
  whatsapp:
    base_url: "${WHATSAPP_BASE_URL}"
    instance: "${WHATSAPP_INSTANCE}"
    api_key: "${WHATSAPP_API_KEY}"
`, authLine, filepath.Join(initDataDir, "state.db"), initTimezone)
	return b.String()
}

func generateEnv() string {
	return `TELEGRAM_BOT_TOKEN=
WHATSAPP_BASE_URL=http://localhost:8081
WHATSAPP_INSTANCE=main
WHATSAPP_API_KEY=
`
}
