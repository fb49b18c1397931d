package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis/config"
	"aegis/soar"

	"github.com/briandowns/spinner"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newRunCmd creates the 'run' command
func newRunCmd() *cobra.Command {
	var (
		input        string
		incidentID   string
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "run <playbook-file>",
		Short: "Validate and execute a playbook file in-process",
		Long: `Validate a playbook document and execute it once in this process. Nothing is
persisted; the execution record is printed when the run ends. Ctrl-C cancels
the run at the next step boundary.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			data, err := readPlaybookFile(args[0])
			if err != nil {
				return err
			}
			pb, err := soar.ParsePlaybookDocument(data)
			if err != nil {
				return err
			}
			in, err := parseInput(input)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := initApp(ctx, false, func(c *config.Config) {
				c.DataPaths.SQLitePath = ":memory:"
			})
			if err != nil {
				return err
			}
			defer app.Close()

			res := soar.ValidatePlaybook(pb, app.Registry)
			if !res.Valid() {
				if outputJSON {
					_ = outputAsJSON(out, res)
				} else {
					renderValidation(out, args[0], res)
				}
				return res.Err()
			}
			if !quiet && !outputJSON {
				for _, w := range res.Warnings {
					warningColor.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
				}
			}

			exec := soar.NewExecution(uuid.NewString(), pb.ID, in)
			exec.IncidentID = incidentID
			exec.TriggeredBy = "cli"
			exec.TriggerSource = "aegis run"

			var s *spinner.Spinner
			if showProgress && !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = fmt.Sprintf(" Running %s (%d steps)...", pb.Name, len(pb.Steps))
				s.Start()
			}

			result := app.Engine.Execute(ctx, exec, pb)

			if s != nil {
				s.Stop()
			}

			if outputJSON {
				if err := outputAsJSON(out, result); err != nil {
					return err
				}
			} else {
				renderExecution(out, result)
			}
			if result.Status != soar.ExecutionStatusCompleted {
				return fmt.Errorf("execution %s ended %s", result.ID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input data as a JSON object, or @file")
	cmd.Flags().StringVar(&incidentID, "incident", "", "Incident id to attach to the execution")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")

	return cmd
}
