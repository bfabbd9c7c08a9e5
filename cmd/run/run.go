// Package run provides commands for submitting and inspecting playbook runs.
package run

import "github.com/spf13/cobra"

func NewCmdRun() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit and inspect playbook runs",
	}

	cmd.AddCommand(NewCmdRunSubmit())
	cmd.AddCommand(NewCmdRunList())
	cmd.AddCommand(NewCmdRunShow())
	cmd.AddCommand(NewCmdRunCancel())
	return cmd
}
