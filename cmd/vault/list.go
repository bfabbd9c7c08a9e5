package vault

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/domain"
)

func NewCmdVaultList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List vaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			vaults, err := app.GetVaultResolver().List()
			if err != nil {
				return err
			}
			out, err := printVaultList(vaults)
			if err != nil {
				return fmt.Errorf("failed to format vaults: %w", err)
			}
			return output.FprintPlain(cmd, "%s", out)
		},
	}
}

func printVaultList(vaults []*domain.Vault) (string, error) {
	if len(vaults) == 0 {
		return output.PrintMessage(output.Plain, "No vaults found."), nil
	}

	header := []string{"ID", "Name", "File", "Description"}
	var data [][]string
	for _, v := range vaults {
		file := v.FileName
		if file == "" {
			file = "-"
		}
		data = append(data, []string{v.ID.String(), v.Name, file, v.Description})
	}
	return output.PrintTable(header, data)
}
