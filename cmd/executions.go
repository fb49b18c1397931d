package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"aegis/service"
	"aegis/soar"
	"aegis/storage"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// newExecutionsCmd creates the 'executions' command group
func newExecutionsCmd() *cobra.Command {
	executionsCmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"execution", "exec"},
		Short:   "Submit and inspect playbook executions",
	}

	executionsCmd.AddCommand(newExecutionsSubmitCmd())
	executionsCmd.AddCommand(newExecutionsGetCmd())
	executionsCmd.AddCommand(newExecutionsListCmd())
	executionsCmd.AddCommand(newExecutionsCancelCmd())
	executionsCmd.AddCommand(newExecutionsStatsCmd())

	return executionsCmd
}

func newExecutionsSubmitCmd() *cobra.Command {
	var (
		input        string
		incidentID   string
		triggeredBy  string
		wait         bool
		retry        bool
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "submit <playbook-id>",
		Short: "Create a PENDING execution for a stored playbook",
		Long: `Create a PENDING execution for a stored playbook. A worker picks it up unless
--wait runs it here and now. --retry implies --wait and re-runs failed
attempts up to the playbook's max_retries.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			in, err := parseInput(input)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			req := service.ExecutionRequest{
				Input:         in,
				IncidentID:    incidentID,
				TriggeredBy:   triggeredBy,
				TriggerSource: "aegis executions submit",
			}

			var s *spinner.Spinner
			startSpinner := func(msg string) {
				if showProgress && !outputJSON && !quiet {
					s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
					s.Suffix = " " + msg
					s.Start()
				}
			}
			stopSpinner := func() {
				if s != nil {
					s.Stop()
				}
			}

			var exec *soar.Execution
			switch {
			case retry:
				startSpinner("Running with retries...")
				exec, err = app.Service.ExecuteWithRetry(ctx, args[0], req)
				stopSpinner()
			case wait:
				exec, err = app.Service.CreateExecution(ctx, args[0], req)
				if err == nil {
					startSpinner("Running " + exec.ID + "...")
					exec, err = app.Service.Execute(ctx, exec.ID)
					stopSpinner()
				}
			default:
				exec, err = app.Service.CreateExecution(ctx, args[0], req)
			}
			if err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(out, exec)
			}
			if exec.Status == soar.ExecutionStatusPending {
				successColor.Fprintf(out, "✓ Submitted execution %s\n", exec.ID)
				return nil
			}
			renderExecution(out, exec)
			if exec.Status != soar.ExecutionStatusCompleted {
				return fmt.Errorf("execution %s ended %s", exec.ID, exec.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input data as a JSON object, or @file")
	cmd.Flags().StringVar(&incidentID, "incident", "", "Incident id to attach to the execution")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "cli", "Who or what requested the run")
	cmd.Flags().BoolVar(&wait, "wait", false, "Run the execution in this process and print the result")
	cmd.Flags().BoolVar(&retry, "retry", false, "Run in this process, retrying failed attempts")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")
	return cmd
}

func newExecutionsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			exec, err := app.Storage.Executions.GetExecution(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), exec)
			}
			renderExecution(cmd.OutOrStdout(), exec)
			return nil
		},
	}
}

func newExecutionsListCmd() *cobra.Command {
	var (
		playbookID string
		status     string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			execs, total, err := app.Storage.Executions.ListExecutions(ctx, storage.ExecutionFilter{
				PlaybookID: playbookID,
				Status:     soar.ExecutionStatus(status),
				Limit:      limit,
				Offset:     offset,
			})
			if err != nil {
				return fmt.Errorf("failed to list executions: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), map[string]interface{}{
					"executions": execs,
					"total":      total,
				})
			}
			renderExecutionsTable(cmd.OutOrStdout(), execs, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&playbookID, "playbook", "", "Filter by playbook id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of executions")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of executions to skip")
	return cmd
}

func newExecutionsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a PENDING execution before a worker starts it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Service.Cancel(ctx, args[0]); err != nil {
				return err
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Cancelled execution %s\n", args[0])
			}
			return nil
		},
	}
}

func newExecutionsStatsCmd() *cobra.Command {
	var playbookID string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize executions by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			stats, err := app.Storage.Executions.GetExecutionStats(ctx, playbookID)
			if err != nil {
				return fmt.Errorf("failed to compute execution stats: %w", err)
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				return outputAsJSON(out, stats)
			}

			headerColor.Fprintln(out, "EXECUTION STATS")
			if playbookID != "" {
				printField(out, "Playbook", playbookID)
			}
			printField(out, "Total", fmt.Sprintf("%d", stats.Total))
			statuses := make([]string, 0, len(stats.ByStatus))
			for status := range stats.ByStatus {
				statuses = append(statuses, string(status))
			}
			sort.Strings(statuses)
			for _, status := range statuses {
				printField(out, formatExecutionStatus(soar.ExecutionStatus(status)),
					fmt.Sprintf("%d", stats.ByStatus[soar.ExecutionStatus(status)]))
			}
			printField(out, "Avg duration", fmt.Sprintf("%.0fms", stats.AvgDurationMs))
			return nil
		},
	}

	cmd.Flags().StringVar(&playbookID, "playbook", "", "Only executions of this playbook")
	return cmd
}
