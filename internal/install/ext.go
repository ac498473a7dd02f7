// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/deps"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
)

// Extensions installs the named extensions and the extensions they depend
// on, dependencies first.
func (in *Installer) Extensions(ctx context.Context, names ...string) error {
	order, err := in.s.Resolver().ExtensionOrder(names...)
	if err != nil {
		return err
	}
	return in.extensions(ctx, order)
}

// extensions installs exts in the given order after checking the SDK stamp.
func (in *Installer) extensions(ctx context.Context, exts []deps.Extension) error {
	if len(exts) == 0 {
		return nil
	}
	reqs := stamps.Required(stamps.Install, stamps.Extension, exts[0].Name, nil, in.s.HostArch())
	if err := in.s.RequireStamps(ctx, "extension install", reqs); err != nil {
		return err
	}
	resolver := in.s.Resolver()
	for _, ext := range exts {
		if err := in.extension(ctx, resolver, ext); err != nil {
			return err
		}
	}
	return nil
}

func (in *Installer) extension(ctx context.Context, resolver *deps.Resolver, ext deps.Extension) error {
	sr := ext.Sysroot()
	root := sr.Installroot()

	var (
		pkgs   map[string]string
		inputs stamps.Inputs
		script func([]string) string
		err    error
	)
	switch ext.Kind {
	case deps.Versioned:
		pkgs = map[string]string{ext.Name: ext.Version}
		inputs, err = stamps.ExtInputs(ext.Name, composer.Map{"packages": composer.Map{ext.Name: ext.Version}})
		script = func(specs []string) string { return versionedExtensionInstall(root, in.yes(), specs) }
	default:
		def, derr := resolver.Definition(ext)
		if derr != nil {
			return derr
		}
		if def == nil {
			return fmt.Errorf("extension '%s' not found in %s", ext.Name, ext.ConfigPath)
		}
		pkgs = composer.PackageMap(def.Packages)
		inputs, err = stamps.ExtInputs(ext.Name, def.Raw)
		script = func(specs []string) string { return extensionInstall(root, in.yes(), specs) }
	}
	if err != nil {
		return err
	}

	log.Info("installing extension", "extension", ext.Name, "kind", ext.Kind)
	versions, err := in.run(ctx, job{
		sysroot:   sr,
		packages:  pkgs,
		script:    script,
		reinstall: true,
		stamp:     stamps.Extension,
	})
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		// The sysroot still has to exist for build and image.
		if err := in.s.Run(ctx, in.s.RunConfig(ensureInstallroot(root, "/var/lib/rpm"))); err != nil {
			return fmt.Errorf("creating sysroot for extension '%s': %w", ext.Name, err)
		}
	}
	return in.s.WriteStamp(ctx, in.s.NewStamp(stamps.Install, stamps.Extension, ext.Name, inputs, outputs(versions)))
}
