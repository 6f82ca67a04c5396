package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/machinist/machinist/pkg/vault"
)

func newKeygenCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new vault master key",
		Long: `Generate a random 32-byte master key for the credential vault,
hex-encoded. Losing this key makes every stored credential unreadable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateMasterKey()
			if err != nil {
				return err
			}

			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			}

			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("refusing to overwrite existing key file %s", output)
			}
			if err := os.WriteFile(output, []byte(key+"\n"), 0o600); err != nil {
				return fmt.Errorf("failed to write key file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote master key to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the key to a file instead of stdout")
	return cmd
}
