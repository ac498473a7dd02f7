// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/build"
	"github.com/avocado-linux/avocado-cli/internal/clean"
	"github.com/avocado-linux/avocado-cli/internal/deploy"
	"github.com/avocado-linux/avocado-cli/internal/deps"
	"github.com/avocado-linux/avocado-cli/internal/install"
	"github.com/avocado-linux/avocado-cli/internal/provision"
	"github.com/avocado-linux/avocado-cli/internal/sdk"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/sign"
	"github.com/avocado-linux/avocado-cli/internal/signing"
)

var (
	errRuntimeRequired = errors.New("a runtime is required (-r <name>)")
	errDeviceRequired  = errors.New("a device is required (-d <user@host>)")
)

type (
	// tokenFlags select how PKCS#11 signing keys are unlocked.
	tokenFlags struct {
		device string
		auth   string
	}

	provisionFlags struct {
		runtime       string
		profile       string
		env           []string
		envFiles      []string
		out           string
		containerArgs []string
		tokens        tokenFlags
	}
)

func newRuntimeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Manage runtimes",
	}
	cmd.AddCommand(
		newRuntimeInstallCommand(a),
		newRuntimeBuildCommand(a),
		newRuntimeProvisionCommand(a),
		newRuntimeDeployCommand(a),
		newRuntimeSignCommand(a),
		newRuntimeListCommand(a),
		newRuntimeDepsCommand(a),
		newRuntimeDNFCommand(a),
		newRuntimeCleanCommand(a),
	)
	return cmd
}

func (t *tokenFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.device, "pkcs11-device", "auto", "PKCS#11 device for hardware keys (tpm, yubikey, auto)")
	cmd.Flags().StringVar(&t.auth, "pkcs11-auth", "", "PIN source for hardware keys (none, prompt, env; default env when "+signing.PINEnv+" is set)")
}

func (a *app) openOptions(t tokenFlags) (signing.OpenOptions, error) {
	device, err := signing.ParseDeviceType(t.device)
	if err != nil {
		return signing.OpenOptions{}, err
	}
	authName := t.auth
	if authName == "" {
		if _, ok := a.lookupEnv(signing.PINEnv); ok {
			authName = string(signing.AuthEnv)
		}
	}
	auth, err := signing.ParseAuthMethod(authName)
	if err != nil {
		return signing.OpenOptions{}, err
	}
	return signing.OpenOptions{
		Device:    device,
		Auth:      auth,
		LookupEnv: a.lookupEnv,
		Prompt:    signing.PromptPIN,
	}, nil
}

// runtimeNames returns the -r flag plus positional names.
func runtimeNames(flagged string, args []string) []string {
	var names []string
	if flagged != "" {
		names = append(names, flagged)
	}
	return append(names, args...)
}

func newRuntimeInstallCommand(a *app) *cobra.Command {
	var runtime string
	cmd := &cobra.Command{
		Use:   "install [name...]",
		Short: "Install runtime packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := runtimeNames(runtime, args)
			return a.withSession(cmd.Context(), runtime, func(s *session.Session) error {
				if err := install.New(s).Runtimes(cmd.Context(), names...); err != nil {
					return err
				}
				a.success("Runtime packages installed.")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime to install")
	return cmd
}

func newRuntimeBuildCommand(a *app) *cobra.Command {
	var runtime string
	cmd := &cobra.Command{
		Use:   "build [name...]",
		Short: "Assemble runtime images from built extensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := runtimeNames(runtime, args)
			return a.withSession(cmd.Context(), runtime, func(s *session.Session) error {
				if err := a.builder(s).Runtimes(cmd.Context(), names...); err != nil {
					return err
				}
				a.success("Runtime build complete.")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime to build")
	return cmd
}

func (a *app) builder(s *session.Session) *build.Builder {
	return build.New(s, build.WithRegistry(a.openRegistry))
}

func newRuntimeProvisionCommand(a *app) *cobra.Command {
	var f provisionFlags
	cmd := &cobra.Command{
		Use:   "provision -r <runtime>",
		Short: "Provision a runtime with the target's provisioning hook",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.runtime = args[0]
			}
			return runProvision(cmd, a, f)
		},
	}
	registerProvisionFlags(cmd, &f)
	return cmd
}

func registerProvisionFlags(cmd *cobra.Command, f *provisionFlags) {
	fl := cmd.Flags()
	fl.StringVarP(&f.runtime, "runtime", "r", "", "runtime to provision")
	fl.StringVar(&f.profile, "profile", "", "provision profile from the configuration")
	fl.StringArrayVar(&f.env, "env", nil, "environment variable for the hook as KEY=VALUE (repeatable)")
	fl.StringArrayVar(&f.envFiles, "env-file", nil, "dotenv file with hook environment variables (repeatable)")
	fl.StringVar(&f.out, "out", "", "output path relative to the project, exported as AVOCADO_PROVISION_OUT")
	fl.StringArrayVar(&f.containerArgs, "provision-container-arg", nil, "extra container argument for the provision step (repeatable)")
	f.tokens.register(cmd)
}

func runProvision(cmd *cobra.Command, a *app, f provisionFlags) error {
	if f.runtime == "" {
		return errRuntimeRequired
	}
	env, err := provision.LoadEnv(f.envFiles, f.env)
	if err != nil {
		return err
	}
	openOpts, err := a.openOptions(f.tokens)
	if err != nil {
		return err
	}
	return a.withSession(cmd.Context(), f.runtime, func(s *session.Session) error {
		p := provision.New(s, provision.WithRegistry(a.openRegistry), provision.WithOpenOptions(openOpts))
		if err := p.Runtime(cmd.Context(), provision.Options{
			Runtime:       f.runtime,
			Profile:       f.profile,
			Env:           env,
			Out:           f.out,
			ContainerArgs: f.containerArgs,
		}); err != nil {
			return err
		}
		a.success("Provisioned runtime '%s'.", f.runtime)
		return nil
	})
}

func newRuntimeDeployCommand(a *app) *cobra.Command {
	var runtime, device string
	cmd := &cobra.Command{
		Use:   "deploy -r <runtime> -d <device>",
		Short: "Deploy a runtime to a device over SSH",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				runtime = args[0]
			}
			return runDeploy(cmd, a, runtime, device)
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime to deploy")
	cmd.Flags().StringVarP(&device, "device", "d", "", "device to deploy to (user@host)")
	return cmd
}

func runDeploy(cmd *cobra.Command, a *app, runtime, device string) error {
	if runtime == "" {
		return errRuntimeRequired
	}
	if device == "" {
		return errDeviceRequired
	}
	return a.withSession(cmd.Context(), runtime, func(s *session.Session) error {
		d := deploy.New(s,
			deploy.WithRegistry(a.openRegistry),
			deploy.WithRepoPort(a.settings.Deploy.RepoPort),
		)
		if err := d.Runtime(cmd.Context(), runtime, device); err != nil {
			return err
		}
		a.success("Deployed runtime '%s' to %s.", runtime, device)
		return nil
	})
}

func newRuntimeSignCommand(a *app) *cobra.Command {
	var runtime string
	var tokens tokenFlags
	cmd := &cobra.Command{
		Use:   "sign [name...]",
		Short: "Sign runtime extension images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, a, runtime, runtimeNames(runtime, args), tokens)
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime to sign")
	tokens.register(cmd)
	return cmd
}

func runSign(cmd *cobra.Command, a *app, runtime string, names []string, tokens tokenFlags) error {
	openOpts, err := a.openOptions(tokens)
	if err != nil {
		return err
	}
	return a.withSession(cmd.Context(), runtime, func(s *session.Session) error {
		p := sign.New(s, sign.WithRegistry(a.openRegistry), sign.WithOpenOptions(openOpts))
		if err := p.Runtimes(cmd.Context(), names...); err != nil {
			return err
		}
		a.success("Signing complete.")
		return nil
	})
}

func newRuntimeListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's runtimes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.load("")
			if err != nil {
				return err
			}
			cfg := s.Config()
			names := cfg.RuntimeNames()
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), SubtitleStyle.Render("No runtimes defined."))
				return nil
			}
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				rt, ok := cfg.Runtime(name, s.Target())
				if !ok {
					continue
				}
				target := rt.Target
				if target == "" {
					target = s.Target()
				}
				key := "-"
				if rt.Signing != nil && rt.Signing.Key != "" {
					key = rt.Signing.Key
				}
				rows = append(rows, []string{name, target, strings.Join(rt.Extensions, ","), key})
			}
			renderTable(cmd.OutOrStdout(), []string{"NAME", "TARGET", "EXTENSIONS", "SIGNING KEY"}, rows)
			return nil
		},
	}
}

func newRuntimeDepsCommand(a *app) *cobra.Command {
	var runtime string
	cmd := &cobra.Command{
		Use:   "deps [name]",
		Short: "List a runtime's dependencies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				runtime = args[0]
			}
			if runtime == "" {
				return errRuntimeRequired
			}
			s, err := a.load(runtime)
			if err != nil {
				return err
			}
			ds, err := s.Resolver().RuntimeDependencies(runtime)
			if err != nil {
				return err
			}
			renderDependencies(cmd.OutOrStdout(), ds)
			return nil
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime name")
	return cmd
}

func newRuntimeDNFCommand(a *app) *cobra.Command {
	var runtime string
	cmd := &cobra.Command{
		Use:   "dnf -r <runtime> -- <dnf args...>",
		Short: "Run dnf against a runtime sysroot",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtime == "" {
				return errRuntimeRequired
			}
			return a.withSession(cmd.Context(), runtime, func(s *session.Session) error {
				return sdk.DNF(cmd.Context(), s, sdk.DNFScope{Runtime: runtime}, args)
			})
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime name")
	return cmd
}

func newRuntimeCleanCommand(a *app) *cobra.Command {
	var runtime string
	cmd := &cobra.Command{
		Use:   "clean [name...]",
		Short: "Remove runtime sysroots and their stamps",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := runtimeNames(runtime, args)
			if len(names) == 0 {
				return errRuntimeRequired
			}
			return a.withSession(cmd.Context(), runtime, func(s *session.Session) error {
				for _, name := range names {
					if err := clean.Component(cmd.Context(), s, clean.Scope{Runtime: name}); err != nil {
						return err
					}
					a.success("Cleaned runtime '%s'.", name)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&runtime, "runtime", "r", "", "runtime to clean")
	return cmd
}

// localExtensions returns the buildable extensions the runtimes require,
// each once, in dependency order.
func localExtensions(s *session.Session, runtimes []string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	for _, rt := range runtimes {
		exts, err := s.Resolver().InstallOrder(rt)
		if err != nil {
			return nil, err
		}
		for _, ext := range exts {
			if ext.Kind == deps.Versioned || seen[ext.Name] {
				continue
			}
			seen[ext.Name] = true
			names = append(names, ext.Name)
		}
	}
	return names, nil
}
