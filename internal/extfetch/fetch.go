// SPDX-License-Identifier: MPL-2.0

package extfetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/session"
)

const targetPlaceholder = "{{ avocado.target }}"

// ErrNotRemote is returned when a named extension has no source.
var ErrNotRemote = errors.New("extension is not a remote extension")

type (
	// Remote is an extension with a source section.
	Remote struct {
		// Name has the target placeholder resolved.
		Name string
		// Key is the extensions map key as written.
		Key    string
		Source composer.Source
	}

	// Option configures a Fetcher.
	Option func(*Fetcher)

	// Fetcher fetches the remote extensions of one session.
	Fetcher struct {
		s     *session.Session
		git   *GitFetcher
		force bool
	}
)

// WithForce re-fetches extensions that are already present.
func WithForce(force bool) Option {
	return func(f *Fetcher) { f.force = force }
}

// WithGit replaces the git fetcher.
func WithGit(g *GitFetcher) Option {
	return func(f *Fetcher) { f.git = g }
}

// New returns a Fetcher for s.
func New(s *session.Session, opts ...Option) *Fetcher {
	f := &Fetcher{s: s}
	for _, opt := range opts {
		opt(f)
	}
	if f.git == nil {
		f.git = NewGitFetcher(s.Options().LookupEnv)
	}
	return f
}

// Dir is the host directory a fetched extension is installed into.
func Dir(srcDir, target, ext string) string {
	return filepath.Dir(composer.FetchedConfigPath(srcDir, target, ext))
}

// Installed reports whether dir holds a fetched extension.
func Installed(dir string) bool {
	for _, name := range []string{"avocado.yaml", "avocado.yml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Remotes lists the extensions with a source, sorted by name.
func (f *Fetcher) Remotes() []Remote {
	cfg := f.s.Config()
	target := f.s.Target()
	var out []Remote
	for _, key := range cfg.ExtensionNames() {
		ext, _ := cfg.Extension(key, target)
		if ext.Source == nil {
			continue
		}
		out = append(out, Remote{
			Name:   strings.ReplaceAll(key, targetPlaceholder, target),
			Key:    key,
			Source: *ext.Source,
		})
	}
	return out
}

// Fetch fetches one remote extension and returns its install directory.
func (f *Fetcher) Fetch(ctx context.Context, name string) (string, error) {
	for _, r := range f.Remotes() {
		if r.Name == name || r.Key == name {
			return f.fetch(ctx, r)
		}
	}
	return "", fmt.Errorf("extension '%s': %w", name, ErrNotRemote)
}

// FetchAll fetches every remote extension. A failing extension is skipped
// with a warning so the others still arrive.
func (f *Fetcher) FetchAll(ctx context.Context) error {
	remotes := f.Remotes()
	if len(remotes) == 0 {
		log.Debug("no remote extensions configured")
		return nil
	}
	var fetched, failed int
	for _, r := range remotes {
		if _, err := f.fetch(ctx, r); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("skipping extension that failed to fetch", "extension", r.Name, "err", err)
			failed++
			continue
		}
		fetched++
	}
	log.Info("extension fetch complete", "fetched", fetched, "failed", failed)
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, r Remote) (string, error) {
	dir := Dir(f.s.SrcDir(), f.s.Target(), r.Name)
	if !f.force && Installed(dir) {
		log.Info("extension already fetched", "extension", r.Name, "path", dir)
		return dir, nil
	}
	log.Info("fetching extension", "extension", r.Name, "source", r.Source.Type)

	var err error
	switch r.Source.Type {
	case composer.SourcePackage:
		err = f.fetchPackage(ctx, r, dir)
	case composer.SourceGit:
		err = f.git.Clone(ctx, r.Source.URL, r.Source.Ref, r.Source.SparseCheckout, dir)
	case composer.SourcePath:
		err = f.fetchPath(r, dir)
	default:
		err = fmt.Errorf("unknown source type %q", r.Source.Type)
	}
	if err != nil {
		return "", fmt.Errorf("fetching extension '%s': %w", r.Name, err)
	}
	return dir, nil
}

func (f *Fetcher) fetchPackage(ctx context.Context, r Remote, dir string) error {
	if _, err := f.s.Image(); err != nil {
		return err
	}
	pkg := r.Source.Package
	if pkg == "" {
		pkg = r.Name
	}
	run := f.s.RunConfig(packageScript(r.Name, packageSpec(pkg, r.Source.Version), r.Source.RepoName, f.s.Config().ContainerPath(dir)))
	run.SourceEnvironment = true
	run.MutateSources = true
	return f.s.Run(ctx, run)
}

func (f *Fetcher) fetchPath(r Remote, dir string) error {
	src := r.Source.Path
	if !filepath.IsAbs(src) {
		src = filepath.Join(filepath.Dir(f.s.Config().Path()), src)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("extension source path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("extension source path %s is not a directory", src)
	}
	return replaceDir(dir, func(tmp string) error { return copyDir(src, tmp) })
}

// packageSpec is name for any version, name-version otherwise.
func packageSpec(name, version string) string {
	if version == "" || version == "*" {
		return name
	}
	return name + "-" + version
}
