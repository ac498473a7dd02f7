// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect global settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective global settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			source := a.settings.Path
			if source == "" {
				source = "defaults"
			}
			fmt.Fprintln(out, SubtitleStyle.Render("// source: "+source))
			fmt.Fprint(out, a.settings.CUE())
			return nil
		},
	})
	return cmd
}
