package cmd

import (
	"fmt"

	"github.com/metal-toolbox/oltprov/internal/vault"
	"github.com/spf13/cobra"
)

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Print a new base64 vault key for encrypting device secrets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := vault.GenerateKey()
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), key)

		return err
	},
}

func init() {
	rootCmd.AddCommand(genKeyCmd)
}
