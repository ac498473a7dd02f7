// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"golang.org/x/mod/semver"
)

const (
	binaryName = "avocado"
	// maxBinaryBytes caps extraction so a corrupt archive cannot fill the disk.
	maxBinaryBytes = 512 << 20
)

// ErrInvalidVersion is returned for versions that are not semver.
var ErrInvalidVersion = errors.New("invalid version")

type (
	// Status is the outcome of comparing the running version with a release.
	Status struct {
		Current string
		Release *Release
		// Available is set when Release is newer than Current, or when a
		// specific version was requested and differs from Current.
		Available bool
	}

	// Updater checks for and applies upgrades.
	Updater struct {
		client     *Client
		current    string
		executable func() (string, error)
		goos       string
		goarch     string
	}

	// Option configures an Updater.
	Option func(*Updater)
)

// WithClient replaces the default GitHub client.
func WithClient(c *Client) Option { return func(u *Updater) { u.client = c } }

// WithExecutable overrides how the binary to replace is located.
func WithExecutable(fn func() (string, error)) Option {
	return func(u *Updater) { u.executable = fn }
}

// WithPlatform selects the release archive for another OS/architecture.
func WithPlatform(goos, goarch string) Option {
	return func(u *Updater) { u.goos, u.goarch = goos, goarch }
}

// New returns an Updater for the running version.
func New(current string, opts ...Option) *Updater {
	u := &Updater{
		current:    current,
		executable: executablePath,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
	}
	for _, o := range opts {
		o(u)
	}
	if u.client == nil {
		u.client = NewClient()
	}
	return u
}

// Check resolves the release to install: version when given, otherwise the
// latest stable release.
func (u *Updater) Check(ctx context.Context, version string) (*Status, error) {
	cur := canonical(u.current)
	if !semver.IsValid(cur) {
		return nil, fmt.Errorf("%w: running version %q", ErrInvalidVersion, u.current)
	}
	var (
		rel *Release
		err error
	)
	if version != "" {
		tag := canonical(version)
		if !semver.IsValid(tag) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
		}
		rel, err = u.client.ByTag(ctx, tag)
	} else {
		rel, err = u.client.Latest(ctx)
	}
	if err != nil {
		return nil, err
	}

	cmp := semver.Compare(canonical(rel.Tag), cur)
	st := &Status{Current: u.current, Release: rel}
	if version != "" {
		// Explicit versions may downgrade.
		st.Available = cmp != 0
	} else {
		st.Available = cmp > 0
	}
	log.Debug("upgrade check", "current", u.current, "release", rel.Tag, "available", st.Available)
	return st, nil
}

// ArchiveName is the release asset holding the binary for goos/goarch.
func ArchiveName(tag, goos, goarch string) string {
	return fmt.Sprintf("%s_%s_%s_%s.tar.gz", binaryName, semver.Canonical(canonical(tag))[1:], goos, goarch)
}

// Apply downloads rel, verifies it and replaces the executable.
func (u *Updater) Apply(ctx context.Context, rel *Release) error {
	exe, err := u.executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	archive := ArchiveName(rel.Tag, u.goos, u.goarch)
	asset, ok := findAsset(rel, archive)
	if !ok {
		return fmt.Errorf("release %s has no build for %s/%s (%s)", rel.Tag, u.goos, u.goarch, archive)
	}
	sumsAsset, ok := findAsset(rel, ChecksumsAsset)
	if !ok {
		return fmt.Errorf("release %s does not publish %s", rel.Tag, ChecksumsAsset)
	}

	sums, err := u.fetchChecksums(ctx, sumsAsset)
	if err != nil {
		return err
	}
	want, ok := sums[archive]
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoChecksum, archive)
	}

	// Temp files share the executable's directory so the final rename is atomic.
	dir := filepath.Dir(exe)
	archivePath, err := u.download(ctx, asset, dir)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archivePath) }()
	if err := VerifyFile(archivePath, want); err != nil {
		return fmt.Errorf("%s: %w", archive, err)
	}

	bin, err := extract(archivePath, dir)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(bin) }()

	info, err := os.Stat(exe)
	if err != nil {
		return err
	}
	if err := os.Chmod(bin, info.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Rename(bin, exe); err != nil {
		return fmt.Errorf("replacing %s: %w", exe, err)
	}
	log.Info("upgraded", "from", u.current, "to", rel.Tag, "path", exe)
	return nil
}

func (u *Updater) fetchChecksums(ctx context.Context, a Asset) (map[string]string, error) {
	body, err := u.client.Download(ctx, a)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return ParseChecksums(body)
}

func (u *Updater) download(ctx context.Context, a Asset, dir string) (_ string, err error) {
	body, err := u.client.Download(ctx, a)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	f, err := os.CreateTemp(dir, ".avocado-download-*")
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()
	if _, err = io.Copy(f, body); err != nil {
		return "", fmt.Errorf("downloading %s: %w", a.Name, err)
	}
	return f.Name(), nil
}

// extract writes the avocado entry of a tar.gz to a temp file in dir.
func extract(archive, dir string) (string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", archive, err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%s not found in %s", binaryName, filepath.Base(archive))
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != binaryName {
			continue
		}
		out, err := os.CreateTemp(dir, ".avocado-upgrade-*")
		if err != nil {
			return "", err
		}
		_, err = io.Copy(out, io.LimitReader(tr, maxBinaryBytes))
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(out.Name())
			return "", fmt.Errorf("extracting %s: %w", binaryName, err)
		}
		return out.Name(), nil
	}
}

func findAsset(rel *Release, name string) (Asset, bool) {
	for _, a := range rel.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

func executablePath() (string, error) {
	p, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(p)
}
