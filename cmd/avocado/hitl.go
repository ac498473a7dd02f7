// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/hitl"
	"github.com/avocado-linux/avocado-cli/internal/session"
)

func newHITLCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hitl",
		Short: "Hardware-in-the-loop helpers",
	}
	cmd.AddCommand(newHITLServerCommand(a))
	return cmd
}

func newHITLServerCommand(a *app) *cobra.Command {
	var opts hitl.Options
	cmd := &cobra.Command{
		Use:   "server -e <extension>...",
		Short: "Serve extension sysroots to a device over NFS",
		Long: `Start the SDK container running an NFS server that exports the sysroot of
each named extension, so a device under test can mount the extensions
straight from the build volume while they are being developed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.Extensions) == 0 {
				return errors.New("at least one extension is required (-e <name>)")
			}
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				return hitl.Serve(cmd.Context(), s, opts)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&opts.Extensions, "extension", "e", nil, "extension to export (repeatable)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", hitl.DefaultPort, "NFS port")
	return cmd
}
