// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/deps"
	"github.com/avocado-linux/avocado-cli/internal/lockfile"
	"github.com/avocado-linux/avocado-cli/internal/remote"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/target"
)

// DefaultConfigFile is the project configuration looked up when none is given.
const DefaultConfigFile = "avocado.yaml"

// ErrNoImage is returned when a step needs the SDK image and sdk.image is unset.
var ErrNoImage = errors.New("no container image specified in config under 'sdk.image'")

type (
	// Options are the invocation-wide settings shared by every command.
	Options struct {
		ConfigPath string
		// Target is the --target flag; it takes precedence over the
		// environment and the configuration.
		Target string
		// Runtime feeds target resolution from a runtime's target field.
		Runtime string
		// UserDefaultTarget is the global settings fallback.
		UserDefaultTarget string

		Verbose  bool
		Force    bool
		NoStamps bool
		RunsOn   string
		NFSPort  int
		// NFSPortMin and NFSPortMax bound automatic NFS port selection.
		NFSPortMin, NFSPortMax int
		SDKArch                string

		ContainerArgs []string
		DnfArgs       []string
		CLIVersion    string

		LookupEnv func(string) (string, bool)
		Now       func() time.Time
		Stdin     io.Reader
		Stdout    io.Writer
		Stderr    io.Writer
	}

	// Session is one CLI invocation's view of a project: its composed
	// configuration, resolved target, lock file, and the executor running
	// container steps.
	Session struct {
		opts     Options
		loader   *composer.Loader
		composed *composer.Composed
		target   target.Resolution
		lock     *lockfile.LockFile

		exec     container.Executor
		engine   container.Engine
		volume   string
		remote   *remote.Context
		hostArch string
	}
)

// Load composes the configuration, resolves and validates the target, and
// reads the lock file. No container is started.
func Load(opts Options) (*Session, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigFile
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}

	s := &Session{opts: opts, loader: composer.NewLoader()}
	// The first composition resolves the target with no target applied so
	// default_target and runtime targets are visible; the second composes
	// again specialized for it.
	pre, err := s.loader.Compose(opts.ConfigPath, composer.Options{Target: opts.Target, LookupEnv: opts.LookupEnv})
	if err != nil {
		return nil, err
	}
	res, err := target.Resolver{
		CLI:         opts.Target,
		Runtime:     opts.Runtime,
		UserDefault: opts.UserDefaultTarget,
		LookupEnv:   opts.LookupEnv,
	}.ResolveAndValidate(pre.Config)
	if err != nil {
		return nil, err
	}
	s.target = res
	log.Debug("resolved target", "target", res.Target, "source", res.Source)

	if res.Target == opts.Target {
		s.composed = pre
	} else if err := s.Reload(); err != nil {
		return nil, err
	}

	lock, err := lockfile.Load(s.SrcDir())
	if err != nil {
		return nil, err
	}
	s.lock = lock
	return s, nil
}

// Reload composes the configuration again, picking up extension configs
// fetched since the last composition.
func (s *Session) Reload() error {
	composed, err := s.loader.Compose(s.opts.ConfigPath, composer.Options{
		Target:    s.target.Target,
		LookupEnv: s.opts.LookupEnv,
	})
	if err != nil {
		return err
	}
	s.composed = composed
	return nil
}

// New builds a session around an already composed configuration. It is used
// by tests and by commands that do not read a configuration file.
func New(opts Options, composed *composer.Composed, targetName string, lock *lockfile.LockFile, exec container.Executor) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if lock == nil {
		lock = lockfile.New()
	}
	if opts.ConfigPath == "" && composed != nil {
		opts.ConfigPath = composed.Path
	}
	return &Session{
		opts:     opts,
		loader:   composer.NewLoader(),
		composed: composed,
		target:   target.Resolution{Target: targetName, Source: target.SourceCLI},
		lock:     lock,
		exec:     exec,
	}
}

// Options returns the invocation options.
func (s *Session) Options() Options { return s.opts }

// Config is the typed view of the composed configuration.
func (s *Session) Config() *composer.Config { return s.composed.Config }

// Composed is the composition result.
func (s *Session) Composed() *composer.Composed { return s.composed }

// Loader is the invocation's memoizing config loader.
func (s *Session) Loader() *composer.Loader { return s.loader }

// Target is the resolved target name.
func (s *Session) Target() string { return s.target.Target }

// TargetSource reports where the target came from.
func (s *Session) TargetSource() target.Source { return s.target.Source }

// Lock is the in-memory lock file.
func (s *Session) Lock() *lockfile.LockFile { return s.lock }

// SrcDir is the project source directory.
func (s *Session) SrcDir() string { return s.composed.Config.SrcDir() }

// Now returns the session clock's current time.
func (s *Session) Now() time.Time { return s.opts.Now() }

// Executor runs container steps. It is nil until Connect or New sets it.
func (s *Session) Executor() container.Executor { return s.exec }

// Engine is the local container engine, nil for sessions built with New.
func (s *Session) Engine() container.Engine { return s.engine }

// Volume is the build volume name.
func (s *Session) Volume() string { return s.volume }

// Remote is the remote context when the session runs on another host.
func (s *Session) Remote() *remote.Context { return s.remote }

// Resolver returns a dependency resolver for the session target sharing
// the session loader's cache.
func (s *Session) Resolver() *deps.Resolver {
	return deps.NewResolver(s.composed, s.loader, s.Target())
}

// HostArch is the SDK host architecture stamps are recorded under:
// --sdk-arch, the remote host's architecture, or the local one.
func (s *Session) HostArch() string {
	switch {
	case s.opts.SDKArch != "":
		return s.opts.SDKArch
	case s.hostArch != "":
		return s.hostArch
	default:
		return stamps.LocalArch()
	}
}

// SDK is the SDK section for the session target.
func (s *Session) SDK() composer.SDK { return s.Config().SDK(s.Target()) }

// Image returns the SDK image or ErrNoImage.
func (s *Session) Image() (string, error) {
	img := s.SDK().Image
	if img == "" {
		return "", fmt.Errorf("%w (%s)", ErrNoImage, s.composed.Path)
	}
	return img, nil
}

// RunConfig returns the base step configuration for command: the SDK image,
// target, repository, merged container arguments, and DNF arguments.
func (s *Session) RunConfig(command string) container.RunConfig {
	sdk := s.SDK()
	return container.RunConfig{
		Image:                   sdk.Image,
		Target:                  s.Target(),
		Command:                 command,
		Verbose:                 s.opts.Verbose,
		RepoURL:                 sdk.RepoURL,
		RepoRelease:             sdk.RepoRelease,
		ContainerArgs:           composer.MergeContainerArgs(sdk.ContainerArgs, s.opts.ContainerArgs),
		DnfArgs:                 s.opts.DnfArgs,
		DisableWeakDependencies: sdk.DisableWeakDependencies,
		SDKArch:                 s.opts.SDKArch,
	}
}

// Run runs one step.
func (s *Session) Run(ctx context.Context, cfg container.RunConfig) error {
	return s.exec.Run(ctx, cfg)
}

// Output runs one step and returns its stdout.
func (s *Session) Output(ctx context.Context, cfg container.RunConfig) (string, error) {
	return s.exec.RunWithOutput(ctx, cfg)
}

// SaveLock writes the lock file.
func (s *Session) SaveLock() error {
	return s.lock.Save(s.SrcDir())
}
