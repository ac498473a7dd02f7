// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for avocado.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/config"
	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/issue"
	"github.com/avocado-linux/avocado-cli/internal/session"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// app carries the global flags, the loaded settings and the process IO.
// Commands receive it at construction so tests can build isolated trees.
type app struct {
	configPath    string
	target        string
	verbose       bool
	force         bool
	noStamps      bool
	runsOn        string
	nfsPort       int
	sdkArch       string
	containerArgs []string
	dnfArgs       []string
	settingsFile  string

	settings  *config.Settings
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	lookupEnv func(string) (string, bool)
	newEngine func(container.EngineType) (container.Engine, error)
}

func newApp() *app {
	return &app{
		settings:  config.Default(),
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		lookupEnv: os.LookupEnv,
		newEngine: func(t container.EngineType) (container.Engine, error) {
			return container.NewEngine(t)
		},
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "avocado",
		Short: "Build, sign and deploy Avocado Linux system images",
		Long: TitleStyle.Render("avocado") + SubtitleStyle.Render(" - Avocado Linux build and deploy orchestrator") + `

avocado drives a containerized SDK to install packages into sysroots,
build system extensions, assemble and sign runtimes, and deploy them
to devices. Projects are described by an avocado.yaml file.

` + SubtitleStyle.Render("Quick Start:") + `
  1. avocado init                 Create a starter avocado.yaml
  2. avocado install              Install the SDK, extensions and runtimes
  3. avocado build                Build extension images and runtimes
  4. avocado provision -r dev     Provision the dev runtime

` + SubtitleStyle.Render("Examples:") + `
  avocado ext list                List the project's extensions
  avocado sdk run -i              Open a shell in the SDK container
  avocado deploy -r dev -d root@10.0.0.2`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadSettings()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			a.notifyUpdate(cmd.Context())
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "C", session.DefaultConfigFile, "path to the project configuration")
	pf.StringVarP(&a.target, "target", "t", "", "target architecture (overrides AVOCADO_TARGET and default_target)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose output")
	pf.BoolVarP(&a.force, "force", "f", false, "assume yes for package manager prompts and overwrite existing state")
	pf.BoolVar(&a.noStamps, "no-stamps", false, "skip stamp dependency checks")
	pf.StringVar(&a.runsOn, "runs-on", "", "run SDK containers on a remote host (user@host)")
	pf.IntVar(&a.nfsPort, "nfs-port", 0, "NFS port for --runs-on (default: first free port in the configured range)")
	pf.StringVar(&a.sdkArch, "sdk-arch", "", "SDK container architecture (x86_64 or aarch64)")
	pf.StringArrayVar(&a.containerArgs, "container-arg", nil, "extra argument for the container engine (repeatable)")
	pf.StringArrayVar(&a.dnfArgs, "dnf-arg", nil, "extra argument for dnf (repeatable)")
	pf.StringVar(&a.settingsFile, "settings", "", "global settings file (default is $XDG_CONFIG_HOME/avocado/config.cue)")

	root.AddCommand(
		newInitCommand(a),
		newInstallCommand(a),
		newUninstallCommand(a),
		newBuildCommand(a),
		newFetchCommand(a),
		newProvisionCommand(a),
		newDeployCommand(a),
		newSignCommand(a),
		newCleanCommand(a),
		newPruneCommand(a),
		newUnlockCommand(a),
		newUpgradeCommand(a),
		newConfigCommand(a),
		newSDKCommand(a),
		newExtCommand(a),
		newRuntimeCommand(a),
		newSigningKeysCommand(a),
		newHITLCommand(a),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute builds the command tree and runs it. This is called by main.main().
func Execute() {
	a := newApp()
	root := newRootCommand(a)
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			printError(w, err, a.verbose)
		}),
	); err != nil {
		os.Exit(exitCode(err))
	}
}

// loadSettings loads the global settings and configures the logger. Settings only
// fill in what flags left unset.
func (a *app) loadSettings() error {
	settings, err := config.Load(config.LoadOptions{File: a.settingsFile})
	if err != nil {
		if a.settingsFile != "" {
			return err
		}
		fmt.Fprintln(a.stderr, WarningStyle.Render("[WARNING]")+" "+formatErrorForDisplay(err, a.verbose))
		settings = config.Default()
	}
	a.settings = settings
	if !a.verbose {
		a.verbose = settings.Verbose
	}
	configureLogger(a.stderr, a.verbose)
	log.Debug("settings loaded", "path", settings.Path, "engine", settings.ContainerEngine)
	return nil
}

func configureLogger(w io.Writer, verbose bool) {
	log.SetOutput(w)
	log.SetReportTimestamp(false)
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// printError writes err with an [ERROR] prefix. Verbose output appends the
// troubleshooting guide linked to the error, if any.
func printError(w io.Writer, err error, verbose bool) {
	fmt.Fprintln(w, ErrorStyle.Render("[ERROR]")+" "+formatErrorForDisplay(err, verbose))
	if !verbose {
		return
	}
	if guide := issue.GuideFor(err); guide != nil {
		if out, renderErr := guide.Render(""); renderErr == nil {
			fmt.Fprint(w, out)
		}
	}
}

func (a *app) success(format string, args ...any) {
	fmt.Fprintln(a.stdout, SuccessStyle.Render("[SUCCESS]")+" "+fmt.Sprintf(format, args...))
}

func (a *app) info(format string, args ...any) {
	fmt.Fprintln(a.stdout, CmdStyle.Render("[INFO]")+" "+fmt.Sprintf(format, args...))
}
