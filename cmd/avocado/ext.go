// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/build"
	"github.com/avocado-linux/avocado-cli/internal/clean"
	"github.com/avocado-linux/avocado-cli/internal/extfetch"
	"github.com/avocado-linux/avocado-cli/internal/install"
	"github.com/avocado-linux/avocado-cli/internal/sdk"
	"github.com/avocado-linux/avocado-cli/internal/session"
)

var errExtensionRequired = errors.New("an extension is required (-e <name>)")

func newExtCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ext",
		Aliases: []string{"extension"},
		Short:   "Manage system extensions",
	}
	cmd.AddCommand(
		newExtInstallCommand(a),
		newExtFetchCommand(a),
		newExtBuildCommand(a),
		newExtImageCommand(a),
		newExtListCommand(a),
		newExtDepsCommand(a),
		newExtDNFCommand(a),
		newExtCleanCommand(a),
		newExtPackageCommand(a),
		newExtCheckoutCommand(a),
	)
	return cmd
}

// extensionNames returns the -e flags plus positional names, or every
// extension of the project when both are empty.
func extensionNames(s *session.Session, flagged, args []string) []string {
	names := append(append([]string(nil), flagged...), args...)
	if len(names) == 0 {
		names = s.Config().ExtensionNames()
	}
	return names
}

func newExtInstallCommand(a *app) *cobra.Command {
	var exts []string
	cmd := &cobra.Command{
		Use:   "install [name...]",
		Short: "Install extension packages into their sysroots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				names := extensionNames(s, exts, args)
				if err := install.New(s).Extensions(cmd.Context(), names...); err != nil {
					return err
				}
				a.success("Installed extension(s): %s.", strings.Join(names, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&exts, "extension", "e", nil, "extension to install (repeatable)")
	return cmd
}

func newExtFetchCommand(a *app) *cobra.Command {
	var exts []string
	cmd := &cobra.Command{
		Use:   "fetch [name...]",
		Short: "Fetch remote extensions from package repositories, git or local paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				return fetchExtensions(cmd, a, s, append(exts, args...))
			})
		},
	}
	cmd.Flags().StringArrayVarP(&exts, "extension", "e", nil, "extension to fetch (repeatable)")
	return cmd
}

func newFetcher(a *app, s *session.Session) *extfetch.Fetcher {
	return extfetch.New(s,
		extfetch.WithForce(a.force),
		extfetch.WithGit(extfetch.NewGitFetcher(a.lookupEnv)),
	)
}

func fetchExtensions(cmd *cobra.Command, a *app, s *session.Session, names []string) error {
	f := newFetcher(a, s)
	if len(names) == 0 {
		if err := f.FetchAll(cmd.Context()); err != nil {
			return err
		}
		return s.Reload()
	}
	for _, name := range names {
		dir, err := f.Fetch(cmd.Context(), name)
		if err != nil {
			return err
		}
		a.success("Fetched extension '%s' into %s.", name, dir)
	}
	return s.Reload()
}

func newExtBuildCommand(a *app) *cobra.Command {
	var exts []string
	cmd := &cobra.Command{
		Use:   "build [name...]",
		Short: "Build extension images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				names := extensionNames(s, exts, args)
				if err := build.New(s).ExtBuild(cmd.Context(), names...); err != nil {
					return err
				}
				a.success("Built extension(s): %s.", strings.Join(names, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&exts, "extension", "e", nil, "extension to build (repeatable)")
	return cmd
}

func newExtImageCommand(a *app) *cobra.Command {
	var exts []string
	cmd := &cobra.Command{
		Use:   "image [name...]",
		Short: "Create the images of built extensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				names := extensionNames(s, exts, args)
				if err := build.New(s).ExtImage(cmd.Context(), names...); err != nil {
					return err
				}
				for _, name := range names {
					a.success("Image for '%s' at %s.", name, build.ImagePath(name))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&exts, "extension", "e", nil, "extension to image (repeatable)")
	return cmd
}

func newExtListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.load("")
			if err != nil {
				return err
			}
			cfg := s.Config()
			names := cfg.ExtensionNames()
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), SubtitleStyle.Render("No extensions defined."))
				return nil
			}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				ext, ok := cfg.Extension(name, s.Target())
				if !ok {
					continue
				}
				source := "local"
				if ext.Source != nil {
					source = string(ext.Source.Type)
				}
				rows = append(rows, []string{name, ext.Version, strings.Join(ext.Types, ","), source})
			}
			renderTable(cmd.OutOrStdout(), []string{"NAME", "VERSION", "TYPES", "SOURCE"}, rows)
			return nil
		},
	}
}

func newExtDepsCommand(a *app) *cobra.Command {
	var ext string
	cmd := &cobra.Command{
		Use:   "deps [name]",
		Short: "List an extension's dependencies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				ext = args[0]
			}
			s, err := a.load("")
			if err != nil {
				return err
			}
			names := []string{ext}
			if ext == "" {
				names = s.Config().ExtensionNames()
			}
			for _, name := range names {
				ds, err := s.Resolver().ExtensionDependencies(name)
				if err != nil {
					return err
				}
				if len(names) > 1 {
					fmt.Fprintln(cmd.OutOrStdout(), TitleStyle.Render(name))
				}
				renderDependencies(cmd.OutOrStdout(), ds)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&ext, "extension", "e", "", "extension name")
	return cmd
}

func newExtDNFCommand(a *app) *cobra.Command {
	var ext string
	cmd := &cobra.Command{
		Use:   "dnf -e <name> -- <dnf args...>",
		Short: "Run dnf against an extension sysroot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ext == "" {
				return errExtensionRequired
			}
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				return sdk.DNF(cmd.Context(), s, sdk.DNFScope{Extension: ext}, args)
			})
		},
	}
	cmd.Flags().StringVarP(&ext, "extension", "e", "", "extension name")
	return cmd
}

func newExtCleanCommand(a *app) *cobra.Command {
	var exts []string
	cmd := &cobra.Command{
		Use:   "clean [name...]",
		Short: "Remove extension sysroots and their stamps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				for _, name := range extensionNames(s, exts, args) {
					if err := clean.Component(cmd.Context(), s, clean.Scope{Extension: name}); err != nil {
						return err
					}
					a.success("Cleaned extension '%s'.", name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&exts, "extension", "e", nil, "extension to clean (repeatable)")
	return cmd
}

func newExtPackageCommand(a *app) *cobra.Command {
	var ext, out string
	cmd := &cobra.Command{
		Use:   "package -e <name>",
		Short: "Package an extension sysroot as an RPM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ext == "" {
				return errExtensionRequired
			}
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				path, err := build.New(s).ExtPackage(cmd.Context(), ext, out)
				if err != nil {
					return err
				}
				a.success("Packaged '%s' as %s.", ext, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&ext, "extension", "e", "", "extension name")
	cmd.Flags().StringVar(&out, "out", "", "output directory relative to the project (default .avocado/packages)")
	return cmd
}

func newExtCheckoutCommand(a *app) *cobra.Command {
	var ext, path, dest string
	cmd := &cobra.Command{
		Use:   "checkout -e <name> --path <path>",
		Short: "Copy a file or directory out of an extension sysroot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ext == "" {
				return errExtensionRequired
			}
			if path == "" {
				return errors.New("--path is required")
			}
			return a.withSession(cmd.Context(), "", func(s *session.Session) error {
				got, err := build.New(s).ExtCheckout(cmd.Context(), ext, path, dest)
				if err != nil {
					return err
				}
				a.success("Checked out %s to %s.", path, got)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&ext, "extension", "e", "", "extension name")
	cmd.Flags().StringVar(&path, "path", "", "path inside the extension sysroot")
	cmd.Flags().StringVar(&dest, "dest", "", "destination in the source tree (default: base name of --path)")
	return cmd
}
