// SPDX-License-Identifier: MPL-2.0

package build

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/deps"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
)

// PackagesDir is where extension RPMs land in the source tree by default.
var PackagesDir = filepath.Join(".avocado", "packages")

var defaultScopes = []string{"system"}

// local resolves name to a locally built extension and its definition.
// Versioned extensions are reported with a nil definition.
func (b *Builder) local(name string) (deps.Extension, *composer.Extension, error) {
	resolver := b.s.Resolver()
	ext, ok := resolver.Lookup(name)
	if !ok {
		return deps.Extension{}, nil, fmt.Errorf("extension '%s' not found in configuration", name)
	}
	def, err := resolver.Definition(ext)
	if err != nil {
		return ext, nil, err
	}
	if def == nil && ext.Kind != deps.Versioned {
		return ext, nil, fmt.Errorf("extension '%s' not found in %s", name, ext.ConfigPath)
	}
	return ext, def, nil
}

// ExtBuild writes the release metadata of the named extensions and packs
// each into its image. Versioned extensions are prebuilt and skipped.
func (b *Builder) ExtBuild(ctx context.Context, names ...string) error {
	for _, name := range names {
		ext, def, err := b.local(name)
		if err != nil {
			return err
		}
		if ext.Kind == deps.Versioned {
			log.Info("skipping build of versioned extension", "extension", name, "version", ext.Version)
			continue
		}
		reqs := stamps.Required(stamps.Build, stamps.Extension, name, nil, b.s.HostArch())
		if err := b.s.RequireStamps(ctx, "extension build", reqs); err != nil {
			return err
		}
		inputs, err := stamps.ExtInputs(name, def.Raw)
		if err != nil {
			return err
		}
		scopes := def.Scopes
		if len(scopes) == 0 {
			scopes = defaultScopes
		}

		log.Info("building extension", "extension", name, "version", def.Version, "types", strings.Join(def.Types, ","))
		cfg := b.s.RunConfig(extBuildScript(name, def.Version, def.Types, scopes))
		cfg.SourceEnvironment = true
		if err := b.s.Run(ctx, cfg); err != nil {
			return fmt.Errorf("building extension '%s': %w", name, err)
		}
		if err := b.s.WriteStamp(ctx, b.s.NewStamp(stamps.Build, stamps.Extension, name, inputs, stamps.Outputs{})); err != nil {
			return err
		}
	}
	return nil
}

// ExtImage certifies the image of each named extension, packing it first
// when the build left none.
func (b *Builder) ExtImage(ctx context.Context, names ...string) error {
	for _, name := range names {
		ext, def, err := b.local(name)
		if err != nil {
			return err
		}
		if ext.Kind == deps.Versioned {
			log.Info("skipping image of versioned extension", "extension", name)
			continue
		}
		reqs := stamps.Required(stamps.Image, stamps.Extension, name, nil, b.s.HostArch())
		if err := b.s.RequireStamps(ctx, "extension image", reqs); err != nil {
			return err
		}
		inputs, err := stamps.ExtInputs(name, def.Raw)
		if err != nil {
			return err
		}
		cfg := b.s.RunConfig(extImageScript(name))
		cfg.SourceEnvironment = true
		if err := b.s.Run(ctx, cfg); err != nil {
			return fmt.Errorf("creating image for extension '%s': %w", name, err)
		}
		if err := b.s.WriteStamp(ctx, b.s.NewStamp(stamps.Image, stamps.Extension, name, inputs, stamps.Outputs{})); err != nil {
			return err
		}
	}
	return nil
}

// ExtPackage builds an RPM of the extension sysroot and copies it to out,
// a directory relative to the source tree, or PackagesDir when empty. It
// returns the host path of the package.
func (b *Builder) ExtPackage(ctx context.Context, name, out string) (string, error) {
	ext, def, err := b.local(name)
	if err != nil {
		return "", err
	}
	if ext.Kind == deps.Versioned {
		return "", fmt.Errorf("extension '%s' is a versioned package and cannot be repackaged", name)
	}
	reqs := stamps.Required(stamps.Build, stamps.Extension, name, nil, b.s.HostArch())
	if err := b.s.RequireStamps(ctx, "extension package", reqs); err != nil {
		return "", err
	}
	meta, err := packageMetadata(def, b.s.Target())
	if err != nil {
		return "", err
	}

	log.Info("packaging extension", "extension", name, "version", meta.Version, "release", meta.Release, "arch", meta.Arch)
	cfg := b.s.RunConfig(packageScript(meta, name))
	cfg.SourceEnvironment = true
	if err := b.s.Run(ctx, cfg); err != nil {
		return "", fmt.Errorf("packaging extension '%s': %w", name, err)
	}

	if out == "" {
		out = PackagesDir
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(b.s.SrcDir(), out)
	}
	dst := filepath.Join(out, meta.Filename())
	src := b.volumePath("output", "extensions", meta.Filename())
	files, err := b.files()
	if err != nil {
		return "", err
	}
	if err := files.CopyOut(ctx, src, dst); err != nil {
		return "", err
	}
	log.Info("extension package written", "path", dst)
	return dst, nil
}

// ExtCheckout copies p, a path inside the extension sysroot, into dst in
// the source tree. dst defaults to p's base name.
func (b *Builder) ExtCheckout(ctx context.Context, name, p, dst string) (string, error) {
	if _, _, err := b.local(name); err != nil {
		return "", err
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("checkout path %q names the whole sysroot", p)
	}
	if dst == "" {
		dst = path.Base(clean)
	}
	if !filepath.IsAbs(dst) {
		dst = filepath.Join(b.s.SrcDir(), dst)
	}
	src := b.volumePath("extensions", name) + clean
	files, err := b.files()
	if err != nil {
		return "", err
	}
	if err := files.CopyOut(ctx, src, dst); err != nil {
		return "", err
	}
	log.Info("checked out", "extension", name, "path", clean, "to", dst)
	return dst, nil
}

// volumePath is the literal container path below the target's prefix.
// Copies out of the volume do not go through a shell, so no variables.
func (b *Builder) volumePath(elem ...string) string {
	return path.Join(append([]string{container.VolumeMount, b.s.Target()}, elem...)...)
}
