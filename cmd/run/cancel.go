package run

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/cmd/utils"
)

func NewCmdRunCancel() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running run",
		Long: `Cancel a run that has not finished yet. The run ends failed with a
"[cancelled]" marker in its output.

A run executing in another process (the server or another "run submit")
is marked failed here; its owner notices on its next heartbeat and stops
the remote command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := utils.ParseID("run", args[0])
			if err != nil {
				return err
			}

			if err := app.GetEngine().CancelRun(cmd.Context(), runID, utils.CLIActor()); err != nil {
				return fmt.Errorf("failed to cancel run %s: %w", runID, err)
			}

			return output.Fprint(cmd, output.Success, "Run %s cancelled", runID)
		},
	}
}
