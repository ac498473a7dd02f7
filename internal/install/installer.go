// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/lockfile"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

type (
	// Fetcher downloads remote extensions so their configs can be merged
	// on the next composition.
	Fetcher interface {
		FetchAll(ctx context.Context) error
	}

	// Option configures an Installer.
	Option func(*Installer)

	// Installer runs install steps for one session.
	Installer struct {
		s       *session.Session
		fetcher Fetcher
	}

	// job is one sysroot's install: the packages with their configured
	// versions and the script installing the pinned specs.
	job struct {
		sysroot  sysroot.Sysroot
		packages map[string]string
		script   func(specs []string) string
		// environment sources the SDK environment-setup file.
		environment bool
		// reinstall removes the installroot and the component's stamps when
		// the lock pins packages no longer configured.
		reinstall bool
		// retain are lock pins owned by other steps sharing the sysroot.
		retain []string
		// keepPins skips reconciliation for steps installing a subset of a
		// shared sysroot.
		keepPins bool
		stamp    stamps.Component
	}
)

// WithFetcher sets the remote extension fetcher used by SDK installs.
func WithFetcher(f Fetcher) Option {
	return func(in *Installer) { in.fetcher = f }
}

// New returns an Installer for s.
func New(s *session.Session, opts ...Option) *Installer {
	in := &Installer{s: s}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// yes answers DNF prompts when --force is given.
func (in *Installer) yes() bool { return in.s.Options().Force }

// run installs one sysroot and records what landed in the lock file. It
// returns the installed versions, or nil when nothing is configured.
func (in *Installer) run(ctx context.Context, j job) (lockfile.Packages, error) {
	target := in.s.Target()
	lock := in.s.Lock()

	dropped, err := in.dropRemoved(ctx, j)
	if err != nil {
		return nil, err
	}
	if len(j.packages) == 0 {
		log.Debug("no packages configured", "sysroot", j.sysroot.Description())
		if !dropped {
			return nil, nil
		}
		return nil, in.s.SaveLock()
	}

	specs := lock.PackageSpecs(target, j.sysroot, j.packages)
	script := j.script(specs)
	cfg := in.s.RunConfig(script)
	cfg.Interactive = !in.yes()
	cfg.SourceEnvironment = j.environment
	log.Info("installing packages", "sysroot", j.sysroot.Description(), "count", len(specs))
	if err := in.s.Run(ctx, cfg); err != nil {
		return nil, packageManagerError(j.sysroot, specs, script, err)
	}

	versions, err := in.query(ctx, j.sysroot, slices.Sorted(maps.Keys(j.packages)))
	if err != nil {
		return nil, err
	}
	lock.UpdateSysrootVersions(target, j.sysroot, versions)
	if err := in.s.SaveLock(); err != nil {
		return nil, err
	}
	return versions, nil
}

// query reads the installed versions of names from the sysroot's RPM
// database. Names rpm reports as not installed are absent from the result.
func (in *Installer) query(ctx context.Context, sr sysroot.Sysroot, names []string) (lockfile.Packages, error) {
	cfg := in.s.RunConfig(sr.QueryCommand(names))
	out, err := in.s.Output(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("querying installed versions in %s: %w", sr.Description(), err)
	}
	versions := lockfile.ParseRPMQueryOutput(out, sr.StripsArch())
	if missing := len(names) - len(versions); missing > 0 {
		log.Debug("some packages not reported by rpm", "sysroot", sr.Description(), "missing", missing)
	}
	return versions, nil
}

// dropRemoved reconciles lock pins with the configuration. Pins for
// packages no longer configured are released; for extension and runtime
// sysroots the installroot is also removed so the packages do not linger.
func (in *Installer) dropRemoved(ctx context.Context, j job) (bool, error) {
	if j.keepPins {
		return false, nil
	}
	target := in.s.Target()
	var removed []string
	for name := range in.s.Lock().SysrootVersions(target, j.sysroot) {
		if _, ok := j.packages[name]; !ok && !slices.Contains(j.retain, name) {
			removed = append(removed, name)
		}
	}
	if len(removed) == 0 {
		return false, nil
	}
	slices.Sort(removed)
	log.Info("packages removed from configuration", "sysroot", j.sysroot.Description(), "packages", removed)
	if j.reinstall {
		if err := in.s.Run(ctx, in.s.RunConfig(cleanInstallroot(j.sysroot.Installroot()))); err != nil {
			return false, fmt.Errorf("cleaning %s: %w", j.sysroot.Description(), err)
		}
		if j.stamp != "" && !in.s.Options().NoStamps {
			if err := in.s.Run(ctx, in.s.RunConfig(stamps.RemoveComponentScript(j.stamp, j.sysroot.Name))); err != nil {
				return false, fmt.Errorf("removing stamps of %s: %w", j.sysroot.Description(), err)
			}
		}
		// Remaining pins are kept so the reinstall reproduces them.
	}
	in.s.Lock().RemovePackages(target, j.sysroot, removed...)
	return true, nil
}

// outputs summarizes installed versions for a stamp.
func outputs(versions lockfile.Packages) stamps.Outputs {
	n := len(versions)
	return stamps.Outputs{
		InstalledPackagesHash: stamps.HashString(lockfile.FormatRPMQueryOutput(versions)),
		PackageCount:          &n,
	}
}
