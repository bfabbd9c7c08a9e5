package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/cmd/utils"
	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/orchestrator"
)

func NewCmdRunSubmit() *cobra.Command {
	var (
		vars   []string
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "submit <form-id>",
		Short: "Submit a form and execute its runs",
		Long: `Submit a form with the given variables and execute the resulting runs
from this process, one per target server. The command returns once every
run has finished and exits non-zero if any run failed.

Interrupting the command cancels the runs that are still in flight.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formID, err := utils.ParseID("form", args[0])
			if err != nil {
				return err
			}
			variables, err := utils.ParseVariables(vars)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return submitAndWait(ctx, cmd, app.GetEngine(), orchestrator.SubmitRequest{
				FormID:    formID,
				Variables: variables,
				Actor:     utils.CLIActor(),
				Trigger:   domain.TriggerManual,
			}, follow)
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "Form variable as key=value (repeatable)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream run output while waiting")
	return cmd
}

func submitAndWait(ctx context.Context, cmd *cobra.Command, engine app.RunEngine, req orchestrator.SubmitRequest, follow bool) error {
	sub, err := engine.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to submit form %s: %w", req.FormID, err)
	}

	if sub.BatchID != nil {
		if err := output.FprintPlain(cmd, "Submitted batch %s with %d runs", sub.BatchID, len(sub.Runs)); err != nil {
			return err
		}
	} else {
		if err := output.FprintPlain(cmd, "Submitted run %s", sub.Runs[0].ID); err != nil {
			return err
		}
	}

	if follow {
		for _, id := range sub.RunIDs() {
			if err := streamRun(ctx, cmd.OutOrStdout(), engine, id, len(sub.Runs) > 1); err != nil {
				return err
			}
		}
	}

	waitOrStop(ctx, cmd, engine)

	runs := make([]*domain.Run, 0, len(sub.Runs))
	failed := 0
	for _, id := range sub.RunIDs() {
		run, err := engine.GetRun(context.WithoutCancel(ctx), id)
		if err != nil {
			return fmt.Errorf("failed to load run %s: %w", id, err)
		}
		if run.Status != domain.RunStatusSuccess {
			failed++
		}
		runs = append(runs, run)
	}

	out, err := output.PrintRunList(runs)
	if err != nil {
		return fmt.Errorf("failed to format runs: %w", err)
	}
	if err := output.FprintPlain(cmd, "%s", out); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs failed", failed, len(runs))
	}
	return nil
}

// streamRun copies the output of one run until it finishes or ctx ends
func streamRun(ctx context.Context, w io.Writer, engine app.RunEngine, runID uuid.UUID, withHeader bool) error {
	run, chunks, unsubscribe, err := engine.Follow(runID)
	if err != nil {
		return fmt.Errorf("failed to follow run %s: %w", runID, err)
	}
	defer unsubscribe()

	if withHeader {
		if _, err := fmt.Fprintf(w, "==> run %s (server %s)\n", runID, run.ServerID); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, run.Output); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if _, err := io.WriteString(w, chunk); err != nil {
				return err
			}
		}
	}
}

// waitOrStop waits for the runs of this process. Once ctx ends the remaining
// runs are cancelled and still awaited, so none is left pending.
func waitOrStop(ctx context.Context, cmd *cobra.Command, engine app.RunEngine) {
	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = output.Fprint(cmd, output.Warning, "Interrupted, cancelling runs in flight")
		stopped, cancel := context.WithCancel(context.Background())
		cancel()
		_ = engine.Shutdown(stopped)
		<-done
	}
}
