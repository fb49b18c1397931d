package cmd

import (
	"fmt"
	"strings"

	"aegis/soar"

	"github.com/spf13/cobra"
)

// newActionsCmd creates the 'actions' command
func newActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the built-in actions steps can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			registry := soar.NewBuiltinRegistry(soar.BuiltinOptions{})
			descriptions := registry.Describe()

			if outputJSON {
				return outputAsJSON(out, descriptions)
			}

			headerColor.Fprintln(out, "ACTIONS")
			fmt.Fprintln(out, strings.Repeat("-", 90))
			for _, name := range registry.Names() {
				infoColor.Fprintf(out, "%-20s", name)
				fmt.Fprintf(out, " %s\n", descriptions[name])
			}
			fmt.Fprintf(out, "\nTotal actions: %d\n", registry.Len())
			return nil
		},
	}
}
