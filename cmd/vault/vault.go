// Package vault provides commands for managing sealed vault material.
package vault

import "github.com/spf13/cobra"

func NewCmdVault() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage vaults used by playbook runs",
	}

	cmd.AddCommand(NewCmdVaultImport())
	cmd.AddCommand(NewCmdVaultList())
	return cmd
}
