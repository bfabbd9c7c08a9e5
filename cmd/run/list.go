package run

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/cmd/utils"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/repository"
)

func NewCmdRunList() *cobra.Command {
	var (
		formID, batchID, serverID, status string
		limit, offset                     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := repository.RunFilter{Limit: limit, Offset: offset}
			for _, f := range []struct {
				kind  string
				value string
				dst   **uuid.UUID
			}{
				{"form", formID, &filter.FormID},
				{"batch", batchID, &filter.BatchID},
				{"server", serverID, &filter.ServerID},
			} {
				if f.value == "" {
					continue
				}
				id, err := utils.ParseID(f.kind, f.value)
				if err != nil {
					return err
				}
				*f.dst = &id
			}
			if status != "" {
				s, err := domain.ParseRunStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &s
			}

			runs, total, err := app.GetEngine().ListRuns(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			out, err := output.PrintRunList(runs)
			if err != nil {
				return fmt.Errorf("failed to format runs: %w", err)
			}
			if err := output.FprintPlain(cmd, "%s", out); err != nil {
				return err
			}
			if int64(len(runs)) < total {
				return output.FprintPlain(cmd, "Showing %d of %d runs", len(runs), total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&formID, "form", "", "Only runs of this form")
	cmd.Flags().StringVar(&batchID, "batch", "", "Only runs of this batch")
	cmd.Flags().StringVar(&serverID, "server", "", "Only runs on this server")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (pending, running, success, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of runs to skip")
	return cmd
}
