// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/configedit"
	"github.com/avocado-linux/avocado-cli/internal/install"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

var errOneScope = errors.New("select exactly one of --extension, --runtime and --sdk")

// packageScope is the -e/-r/--sdk selection of install and uninstall.
type packageScope struct {
	extension string
	runtime   string
	sdk       bool
}

func (p *packageScope) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.extension, "extension", "e", "", "extension whose packages change")
	cmd.Flags().StringVarP(&p.runtime, "runtime", "r", "", "runtime whose packages change")
	cmd.Flags().BoolVar(&p.sdk, "sdk", false, "change the SDK packages")
}

func (p packageScope) count() int {
	n := 0
	if p.extension != "" {
		n++
	}
	if p.runtime != "" {
		n++
	}
	if p.sdk {
		n++
	}
	return n
}

// edit returns the configuration scope and the lock sysroot it pins.
func (p packageScope) edit(hostArch string) (configedit.Scope, sysroot.Sysroot, error) {
	if p.count() != 1 {
		return configedit.Scope{}, sysroot.Sysroot{}, errOneScope
	}
	switch {
	case p.extension != "":
		return configedit.ExtensionScope(p.extension), sysroot.Extension(p.extension), nil
	case p.runtime != "":
		return configedit.RuntimeScope(p.runtime), sysroot.Runtime(p.runtime), nil
	default:
		return configedit.SDKScope(), sysroot.SDK(hostArch), nil
	}
}

func newInstallCommand(a *app) *cobra.Command {
	var scope packageScope
	cmd := &cobra.Command{
		Use:   "install [package...]",
		Short: "Install the SDK, extensions and runtimes, or add packages to one scope",
		Long: `Without arguments, install fetches remote extensions and installs the
SDK, every extension the runtimes need, and the runtimes themselves.

With package names, install adds them to the packages of the scope
selected by exactly one of -e, -r or --sdk, then installs that scope.`,
		Example: `  # Install everything for the dev runtime
  avocado install -r dev

  # Add curl to the app extension and install it
  avocado install curl -e app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runInstallAll(cmd, a, scope)
			}
			return runInstallPackages(cmd, a, scope, args)
		},
	}
	scope.register(cmd)
	return cmd
}

func runInstallAll(cmd *cobra.Command, a *app, scope packageScope) error {
	if scope.count() > 1 {
		return errOneScope
	}
	return a.withSession(cmd.Context(), scope.runtime, func(s *session.Session) error {
		in := install.New(s, install.WithFetcher(newFetcher(a, s)))
		var err error
		switch {
		case scope.extension != "":
			err = in.Extensions(cmd.Context(), scope.extension)
		case scope.sdk:
			err = in.SDK(cmd.Context())
		default:
			err = in.All(cmd.Context(), scope.runtime)
		}
		if err != nil {
			return err
		}
		a.success("Install complete for target '%s'.", s.Target())
		return nil
	})
}

func runInstallPackages(cmd *cobra.Command, a *app, scope packageScope, names []string) error {
	return a.withSession(cmd.Context(), scope.runtime, func(s *session.Session) error {
		cs, _, err := scope.edit(s.HostArch())
		if err != nil {
			return err
		}
		added, err := configedit.AddPackages(s.Config().Path(), cs, names)
		if err != nil {
			return err
		}
		if len(added) == 0 {
			a.info("All packages are already listed in %s.", cs)
		} else {
			a.info("Added %s to %s.", strings.Join(added, ", "), cs)
		}
		if err := s.Reload(); err != nil {
			return err
		}
		in := install.New(s)
		switch {
		case scope.extension != "":
			err = in.Extensions(cmd.Context(), scope.extension)
		case scope.runtime != "":
			err = in.Runtimes(cmd.Context(), scope.runtime)
		default:
			err = in.SDK(cmd.Context())
		}
		if err != nil {
			return err
		}
		a.success("Installed %s.", strings.Join(names, ", "))
		return nil
	})
}

func newUninstallCommand(a *app) *cobra.Command {
	var scope packageScope
	cmd := &cobra.Command{
		Use:   "uninstall <package...>",
		Short: "Remove packages from one scope and unpin them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.load(scope.runtime)
			if err != nil {
				return err
			}
			cs, sr, err := scope.edit(s.HostArch())
			if err != nil {
				return err
			}
			removed, err := configedit.RemovePackages(s.Config().Path(), cs, args)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				a.info("None of the packages are listed in %s.", cs)
				return nil
			}
			s.Lock().RemovePackages(s.Target(), sr, removed...)
			if err := s.SaveLock(); err != nil {
				return err
			}
			a.success("Removed %s from %s. Run 'avocado install' to apply.", strings.Join(removed, ", "), cs)
			return nil
		},
	}
	scope.register(cmd)
	return cmd
}

func newBuildCommand(a *app) *cobra.Command {
	var runtime string
	var exts []string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build extension images and runtimes",
		Long: `Build every extension the selected runtimes need, create their images,
and assemble the runtimes. With -e only the named extensions are built.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withSession(cmd.Context(), runtime, func(s *session.Session) error {
				b := a.builder(s)
				if len(exts) > 0 {
					if err := b.ExtBuild(cmd.Context(), exts...); err != nil {
						return err
					}
					if err := b.ExtImage(cmd.Context(), exts...); err != nil {
						return err
					}
					a.success("Built extension(s): %s.", strings.Join(exts, ", "))
					return nil
				}
				runtimes := runtimeNames(runtime, nil)
				if len(runtimes) == 0 {
					runtimes = s.Config().RuntimesForTarget(s.Target())
				}
				names, err := localExtensions(s, runtimes)
				if err != nil {
					return err
				}
				if len(names) > 0 {
					if err := b.ExtBuild(cmd.Context(), names...); err != nil {
						return err
					}
					if err := b.ExtImage(cmd.Context(), names...); err != nil {
						return err
					}
				}
				if err := b.Runtimes(cmd.Context(), runtimes...); err != nil {
					return err
				}
				a.success("Build complete: %d extension(s), %d runtime(s).", len(names), len(runtimes))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime to build")
	cmd.Flags().StringArrayVarP(&exts, "extension", "e", nil, "extension to build (repeatable)")
	return cmd
}

func newFetchCommand(a *app) *cobra.Command {
	var runtime string
	var exts []string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch remote extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runtime != "" && len(exts) > 0 {
				return errors.New("select at most one of --extension and --runtime")
			}
			return a.withSession(cmd.Context(), runtime, func(s *session.Session) error {
				names := exts
				if runtime != "" {
					remote, err := remoteExtensionsOf(a, s, runtime)
					if err != nil {
						return err
					}
					if len(remote) == 0 {
						a.info("Runtime '%s' uses no remote extensions.", runtime)
						return nil
					}
					names = remote
				}
				return fetchExtensions(cmd, a, s, names)
			})
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "fetch the remote extensions of a runtime")
	cmd.Flags().StringArrayVarP(&exts, "extension", "e", nil, "extension to fetch (repeatable)")
	return cmd
}

// remoteExtensionsOf returns the remote extensions runtime lists.
func remoteExtensionsOf(a *app, s *session.Session, runtime string) ([]string, error) {
	rt, ok := s.Config().Runtime(runtime, s.Target())
	if !ok {
		return nil, fmt.Errorf("runtime '%s' not found in configuration", runtime)
	}
	listed := make(map[string]bool, len(rt.Extensions))
	for _, e := range rt.Extensions {
		listed[e] = true
	}
	var names []string
	for _, r := range newFetcher(a, s).Remotes() {
		if listed[r.Name] || listed[r.Key] {
			names = append(names, r.Name)
		}
	}
	return names, nil
}

func newProvisionCommand(a *app) *cobra.Command {
	var f provisionFlags
	cmd := &cobra.Command{
		Use:   "provision -r <runtime>",
		Short: "Provision a runtime (same as 'runtime provision')",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProvision(cmd, a, f)
		},
	}
	registerProvisionFlags(cmd, &f)
	return cmd
}

func newDeployCommand(a *app) *cobra.Command {
	var runtime, device string
	cmd := &cobra.Command{
		Use:   "deploy -r <runtime> -d <device>",
		Short: "Deploy a runtime to a device (same as 'runtime deploy')",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDeploy(cmd, a, runtime, device)
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime to deploy")
	cmd.Flags().StringVarP(&device, "device", "d", "", "device to deploy to (user@host)")
	return cmd
}

func newSignCommand(a *app) *cobra.Command {
	var runtime string
	var tokens tokenFlags
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign runtime images (all runtimes with a signing key by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSign(cmd, a, runtime, runtimeNames(runtime, nil), tokens)
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime to sign")
	tokens.register(cmd)
	return cmd
}
