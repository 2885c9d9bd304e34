package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/store"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and retry workflow runs",
	}
	runsCmd.AddCommand(newRunsListCommand(ctx))
	runsCmd.AddCommand(newRunsShowCommand(ctx))
	runsCmd.AddCommand(newRunsRetryCommand(ctx))
	return runsCmd
}

func newRunsListCommand(ctx *commandContext) *cobra.Command {
	var workflowFlag, statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.runs.ListRuns(cmd.Context(), store.RunFilter{
				Workflow: workflowFlag,
				Status:   store.RunStatus(statusFlag),
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORKFLOW\tEVENT\tSTATUS\tATTEMPTS\tSTARTED\tERROR")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					run.ID, run.Workflow, run.EventName, run.Status, run.Attempts,
					run.StartedAt.Format(time.RFC3339), run.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&workflowFlag, "workflow", "", "Filter by workflow name")
	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by run status")
	return cmd
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.runs.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("ID:        %s\n", run.ID)
			fmt.Printf("Workflow:  %s\n", run.Workflow)
			fmt.Printf("Event:     %s\n", run.EventName)
			fmt.Printf("Status:    %s\n", run.Status)
			fmt.Printf("Attempts:  %d\n", run.Attempts)
			fmt.Printf("Started:   %s\n", run.StartedAt.Format(time.RFC3339))
			fmt.Printf("Updated:   %s\n", run.UpdatedAt.Format(time.RFC3339))
			if run.WakeAt != nil {
				fmt.Printf("Wakes:     %s\n", run.WakeAt.Format(time.RFC3339))
			}
			if run.Error != "" {
				fmt.Printf("Error:     %s\n", run.Error)
			}
			return nil
		},
	}
}

func newRunsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Schedule a failed run for another attempt cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			// A bare engine over the shared stores is enough to flip the
			// run back to sleeping; the serve process picks the task up.
			eng := engine.New(engine.Config{
				Runs:        st.runs,
				Steps:       st.steps,
				Idempotency: st.idem,
				Queue:       st.queue,
				Bus:         bus.New(st.queue, nil),
			})
			if err := eng.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("run %s scheduled for retry\n", args[0])
			return nil
		},
	}
}
