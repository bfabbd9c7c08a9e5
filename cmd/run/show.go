package run

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/cmd/utils"
)

func NewCmdRunShow() *cobra.Command {
	var noOutput bool

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show run details and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := utils.ParseID("run", args[0])
			if err != nil {
				return err
			}

			run, err := app.GetEngine().GetRun(cmd.Context(), runID)
			if err != nil {
				return fmt.Errorf("failed to retrieve run %s: %w", runID, err)
			}

			out, err := output.PrintRunDetails(run)
			if err != nil {
				return fmt.Errorf("failed to format run details: %w", err)
			}
			if err := output.FprintPlain(cmd, "%s", out); err != nil {
				return err
			}

			if noOutput || run.Output == "" {
				return nil
			}
			if err := output.FprintPlain(cmd, "Output:"); err != nil {
				return err
			}
			text := run.Output
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}

	cmd.Flags().BoolVar(&noOutput, "no-output", false, "Do not print the run output")
	return cmd
}
