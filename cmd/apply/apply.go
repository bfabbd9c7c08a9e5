// Package apply provides the command that loads an inventory file into the store.
package apply

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/cmd/utils"
	"github.com/oar-cd/conductor/inventory"
)

func NewCmdApply() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or update servers, groups, playbooks and forms from an inventory file",
		Long: `Create or update inventory objects from a YAML file, matched by name.

Objects missing from the file are left alone. Vaults are referenced by name and
must be imported with "conductor vault import" first. Webhook tokens generated
for new webhook forms are printed once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			doc, err := inventory.Load(file)
			if err != nil {
				return err
			}

			applier := inventory.NewApplier(inventory.Repositories{
				Servers:   app.GetServerRepository(),
				Groups:    app.GetServerGroupRepository(),
				Playbooks: app.GetPlaybookRepository(),
				Vaults:    app.GetVaultRepository(),
				Forms:     app.GetFormRepository(),
			}, app.GetAuditRecorder(), app.GetScheduler())

			result, err := applier.Apply(cmd.Context(), utils.CLIActor(), doc)
			if result != nil && len(result.Changes) > 0 {
				if printErr := printChanges(cmd, result); printErr != nil {
					return printErr
				}
			}
			if err != nil {
				return fmt.Errorf("failed to apply inventory: %w", err)
			}
			if len(result.Changes) == 0 {
				return output.FprintPlain(cmd, "Nothing to apply.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Inventory file")
	return cmd
}

func printChanges(cmd *cobra.Command, result *inventory.Result) error {
	header := []string{"Kind", "Name", "ID", "Action"}
	var data [][]string
	for _, c := range result.Changes {
		data = append(data, []string{c.Kind, c.Name, c.ID.String(), c.Action})
	}
	table, err := output.PrintTable(header, data)
	if err != nil {
		return fmt.Errorf("failed to format changes: %w", err)
	}
	if err := output.FprintPlain(cmd, "%s", table); err != nil {
		return err
	}

	names := make([]string, 0, len(result.WebhookTokens))
	for name := range result.WebhookTokens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := output.Fprint(cmd, output.Warning, "Webhook token for form %s: %s", name, result.WebhookTokens[name]); err != nil {
			return err
		}
	}
	return nil
}
