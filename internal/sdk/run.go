// SPDX-License-Identifier: MPL-2.0

package sdk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/session"
)

// RunOptions configure Run.
type RunOptions struct {
	// Command is joined with spaces and run by bash, so it may use shell
	// syntax. Empty starts an interactive shell.
	Command []string
	// EnvSetup sources avocado-env before the command.
	EnvSetup    bool
	Interactive bool
	Detach      bool
	// Keep skips --rm.
	Keep bool
	Name string
	// Extension or Runtime makes that sysroot the working directory.
	Extension   string
	Runtime     string
	NoBootstrap bool
}

func (o RunOptions) validate() error {
	switch {
	case o.Interactive && o.Detach:
		return errors.New("cannot combine --interactive and --detach")
	case o.Extension != "" && o.Runtime != "":
		return errors.New("cannot combine --extension and --runtime")
	case !o.Interactive && len(o.Command) == 0:
		return errors.New("provide a command or use --interactive")
	}
	return nil
}

func (o RunOptions) command() string {
	cmd := strings.Join(o.Command, " ")
	if cmd == "" {
		cmd = "bash"
	}
	if o.EnvSetup {
		return ". avocado-env && " + cmd
	}
	return cmd
}

// Run runs a command in the SDK container.
func Run(ctx context.Context, s *session.Session, opts RunOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	cfg := s.Config()
	if opts.Extension != "" {
		if _, ok := cfg.Extension(opts.Extension, s.Target()); !ok {
			return fmt.Errorf("extension '%s' not found in configuration", opts.Extension)
		}
	}
	if opts.Runtime != "" {
		if _, ok := cfg.Runtime(opts.Runtime, s.Target()); !ok {
			return fmt.Errorf("runtime '%s' not found in configuration", opts.Runtime)
		}
	}
	if _, err := s.Image(); err != nil {
		return err
	}

	run := s.RunConfig(opts.command())
	run.Interactive = opts.Interactive
	run.Detach = opts.Detach
	run.KeepContainer = opts.Keep
	run.ContainerName = opts.Name
	run.SourceEnvironment = opts.EnvSetup
	run.ExtensionSysroot = opts.Extension
	run.RuntimeSysroot = opts.Runtime
	run.NoBootstrap = opts.NoBootstrap
	log.Debug("sdk run", "command", run.Command, "interactive", opts.Interactive, "detach", opts.Detach)
	return s.Run(ctx, run)
}
