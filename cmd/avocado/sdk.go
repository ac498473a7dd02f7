// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/clean"
	"github.com/avocado-linux/avocado-cli/internal/install"
	"github.com/avocado-linux/avocado-cli/internal/sdk"
	"github.com/avocado-linux/avocado-cli/internal/session"
)

func newSDKCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sdk",
		Short: "Manage the SDK container and its sysroots",
	}
	cmd.AddCommand(
		newSDKInstallCommand(a),
		newSDKRunCommand(a),
		newSDKCompileCommand(a),
		newSDKCleanCommand(a),
		newSDKDNFCommand(a),
		newSDKDepsCommand(a),
	)
	return cmd
}

func newSDKInstallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the SDK toolchain, rootfs and target sysroot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				if err := install.New(s).SDK(cmd.Context()); err != nil {
					return err
				}
				a.success("SDK installed for target '%s'.", s.Target())
				return nil
			})
		},
	}
}

func newSDKRunCommand(a *app) *cobra.Command {
	var opts sdk.RunOptions
	cmd := &cobra.Command{
		Use:   "run [flags] [-- command...]",
		Short: "Run a command in the SDK container",
		Example: `  # Open a shell with the SDK environment
  avocado sdk run -i -E

  # Run a command against an extension sysroot
  avocado sdk run -e app -- ls /usr/bin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Command = args
			return a.withSession(cmd.Context(), opts.Runtime, func(s *session.Session) error {
				return sdk.Run(cmd.Context(), s, opts)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.Interactive, "interactive", "i", false, "attach a terminal")
	f.BoolVarP(&opts.Detach, "detach", "d", false, "run in the background")
	f.BoolVar(&opts.Keep, "keep", false, "keep the container after it exits")
	f.StringVarP(&opts.Name, "name", "n", "", "container name")
	f.BoolVarP(&opts.EnvSetup, "env-setup", "E", false, "source the SDK environment before the command")
	f.StringVarP(&opts.Extension, "extension", "e", "", "expose an extension sysroot")
	f.StringVarP(&opts.Runtime, "runtime", "r", "", "expose a runtime sysroot")
	f.BoolVar(&opts.NoBootstrap, "no-bootstrap", false, "skip the SDK bootstrap in the entrypoint")
	return cmd
}

func newSDKCompileCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compile [section...]",
		Short: "Run the sdk.compile scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				ran, err := sdk.Compile(cmd.Context(), s, args...)
				if len(ran) > 0 {
					a.success("Compiled %d section(s).", len(ran))
				}
				return err
			})
		},
	}
}

func newSDKCleanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the SDK from the build volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				if err := clean.Component(cmd.Context(), s, clean.Scope{SDK: true}); err != nil {
					return err
				}
				a.success("SDK cleaned.")
				return nil
			})
		},
	}
}

func newSDKDNFCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dnf -- <dnf args...>",
		Short: "Run dnf against the SDK",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				return sdk.DNF(cmd.Context(), s, sdk.DNFScope{}, args)
			})
		},
	}
}

func newSDKDepsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "List the SDK package dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.load("")
			if err != nil {
				return err
			}
			renderDependencies(cmd.OutOrStdout(), s.Resolver().SDKDependencies())
			return nil
		},
	}
}
