package cmd

import (
	"fmt"

	"aegis/soar"

	"github.com/spf13/cobra"
)

// newValidateCmd creates the 'validate' command
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <playbook-file>...",
		Short: "Check playbook documents without running them",
		Long: `Check each playbook document against the schema, step graph rules and the
built-in action registry. Cycles and unreachable steps are reported as
warnings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			registry := soar.NewBuiltinRegistry(soar.BuiltinOptions{})

			results := make(map[string]*soar.ValidationResult, len(args))
			invalid := 0
			for _, file := range args {
				res := &soar.ValidationResult{Errors: []string{}, Warnings: []string{}}
				data, err := readPlaybookFile(file)
				if err == nil {
					var pb *soar.Playbook
					if pb, err = soar.ParsePlaybookDocument(data); err == nil {
						res = soar.ValidatePlaybook(pb, registry)
					}
				}
				if err != nil {
					res.Errors = append(res.Errors, err.Error())
				}
				if !res.Valid() {
					invalid++
				}
				results[file] = res
				if !outputJSON {
					renderValidation(out, file, res)
				}
			}

			if outputJSON {
				if err := outputAsJSON(out, results); err != nil {
					return err
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d playbooks invalid", invalid, len(args))
			}
			return nil
		},
	}
}
