package cmd

import (
	"context"
	"errors"
	"fmt"

	"aegis/soar"
	"aegis/storage"

	"github.com/spf13/cobra"
)

// newPlaybooksCmd creates the 'playbooks' command group
func newPlaybooksCmd() *cobra.Command {
	playbooksCmd := &cobra.Command{
		Use:     "playbooks",
		Aliases: []string{"playbook", "pb"},
		Short:   "Manage stored playbooks",
	}

	playbooksCmd.AddCommand(newPlaybooksImportCmd())
	playbooksCmd.AddCommand(newPlaybooksListCmd())
	playbooksCmd.AddCommand(newPlaybooksShowCmd())
	playbooksCmd.AddCommand(newPlaybooksDeleteCmd())

	return playbooksCmd
}

func newPlaybooksImportCmd() *cobra.Command {
	var activate bool

	cmd := &cobra.Command{
		Use:   "import <playbook-file>...",
		Short: "Validate and store playbook documents",
		Long: `Validate and store playbook documents. A playbook whose id already exists is
updated and its version bumped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			imported := make([]*soar.Playbook, 0, len(args))
			for _, file := range args {
				data, err := readPlaybookFile(file)
				if err != nil {
					return err
				}
				pb, err := soar.ParsePlaybookDocument(data)
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				if activate {
					pb.Status = soar.PlaybookStatusActive
				}
				if res := soar.ValidatePlaybook(pb, app.Registry); !res.Valid() {
					if !outputJSON {
						renderValidation(out, file, res)
					}
					return fmt.Errorf("%s: %w", file, res.Err())
				}

				action := "Created"
				err = app.Storage.Playbooks.CreatePlaybook(ctx, pb)
				if errors.Is(err, storage.ErrPlaybookExists) {
					action = "Updated"
					err = app.Storage.Playbooks.UpdatePlaybook(ctx, pb)
				}
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				imported = append(imported, pb)
				if !outputJSON && !quiet {
					successColor.Fprintf(out, "✓ %s playbook %s (%s) version %d\n", action, pb.ID, pb.Name, pb.Version)
				}
			}

			if outputJSON {
				return outputAsJSON(out, imported)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&activate, "activate", false, "Store the playbooks with status active")
	return cmd
}

func newPlaybooksListCmd() *cobra.Command {
	var (
		status      string
		enabledOnly bool
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored playbooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			playbooks, err := app.Storage.Playbooks.ListPlaybooks(ctx, storage.PlaybookFilter{
				Status:      soar.PlaybookStatus(status),
				EnabledOnly: enabledOnly,
				Limit:       limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list playbooks: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), playbooks)
			}
			renderPlaybooksTable(cmd.OutOrStdout(), playbooks)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (draft, active, disabled, archived)")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only enabled playbooks")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of playbooks (0 = all)")
	return cmd
}

func newPlaybooksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <playbook-id>",
		Short: "Print a stored playbook as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			pb, err := app.Storage.Playbooks.GetPlaybook(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), pb)
			}
			doc, err := soar.MarshalPlaybookYAML(pb)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(doc)
			return err
		},
	}
}

func newPlaybooksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <playbook-id>",
		Short: "Delete a stored playbook; its execution records are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := initApp(ctx, false, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Storage.Playbooks.DeletePlaybook(ctx, args[0]); err != nil {
				return err
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Deleted playbook %s\n", args[0])
			}
			return nil
		},
	}
}
