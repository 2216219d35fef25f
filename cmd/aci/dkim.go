package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/transport/email"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management for the email transport",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA 2048-bit DKIM key pair and output DNS record.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "aci", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "aci", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	key, err := email.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := filepath.Join(dkimOutDir, dkimDomain+".key")
	if err := email.SaveKey(key, keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	name, value, err := email.DNSRecord(key, dkimDomain, dkimSelector)
	if err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	printDKIMRecord(name, value)
	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := email.LoadKey(dkimKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	name, value, err := email.DNSRecord(key, dkimDomain, dkimSelector)
	if err != nil {
		return err
	}
	printDKIMRecord(name, value)
	return nil
}

func printDKIMRecord(name, value string) {
	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", name)
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", value)
}
