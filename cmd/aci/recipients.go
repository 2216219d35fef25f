package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/bulk"
)

var recipientsCmd = &cobra.Command{
	Use:   "recipients [file]",
	Short: "Preview the numbers a bulk job would use",
	Long: `Parse a recipient list the same way bulk jobs do and print the
accepted numbers. Reads stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecipients,
}

func init() {
	rootCmd.AddCommand(recipientsCmd)
}

func runRecipients(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open recipient list: %w", err)
		}
		defer f.Close()
		in = f
	}

	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read recipient list: %w", err)
	}

	out := cmd.OutOrStdout()
	recipients := bulk.ParseRecipients(string(raw))
	for _, r := range recipients {
		fmt.Fprintln(out, r)
	}
	fmt.Fprintf(out, "\nTotal: %d recipients\n", len(recipients))
	return nil
}
