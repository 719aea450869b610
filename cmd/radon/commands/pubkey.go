package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/radon"
)

func pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the local public key, creating the key file if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			r, err := radon.New(cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			fmt.Fprintln(cmd.OutOrStdout(), r.PublicKey())
			return nil
		},
	}
}
