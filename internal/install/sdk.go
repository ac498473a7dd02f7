// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"fmt"
	"maps"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/lockfile"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

// SDK prepares the SDK prefix and installs every sysroot the SDK owns: the
// per-target SDK package, the bootstrap package, SDK dependencies, the
// rootfs, and the target sysroot when a compile section exists. Remote
// extensions are fetched before SDK dependencies so their sdk sections are
// part of the install.
func (in *Installer) SDK(ctx context.Context) error {
	if _, err := in.s.Image(); err != nil {
		return err
	}
	target := in.s.Target()
	sdkRoot := sysroot.SDK(in.s.HostArch())

	log.Info("initializing SDK", "target", target)
	if err := in.s.Run(ctx, in.s.RunConfig(sdkInitScript())); err != nil {
		return fmt.Errorf("initializing SDK: %w", err)
	}

	installed := lockfile.Packages{}
	toolchain := SDKPackage(target)
	owned := []string{toolchain, BootstrapPackage}

	v, err := in.run(ctx, job{
		sysroot:  sdkRoot,
		packages: map[string]string{toolchain: "*"},
		script:   func(specs []string) string { return sdkHostInstall("$DNF_SDK_HOST_REPO_CONF", in.yes(), specs) },
		keepPins: true,
	})
	if err != nil {
		return err
	}
	maps.Copy(installed, v)

	// The bootstrap package writes the target repository configuration; its
	// transaction is never interactive.
	v, err = in.run(ctx, job{
		sysroot:  sdkRoot,
		packages: map[string]string{BootstrapPackage: "*"},
		script: func(specs []string) string {
			return sdkHostInstall("$DNF_SDK_HOST_REPO_CONF", true, specs)
		},
		keepPins: true,
	})
	if err != nil {
		return err
	}
	maps.Copy(installed, v)

	if in.fetcher != nil {
		if err := in.fetcher.FetchAll(ctx); err != nil {
			return err
		}
		if err := in.s.Reload(); err != nil {
			return err
		}
	}

	cfg := in.s.Config()
	sdk := in.s.SDK()
	depPkgs := composer.PackageMap(sdk.Packages)
	for name, ver := range composer.PackageMap(cfg.ExtensionSDKPackages(target)) {
		if _, ok := depPkgs[name]; !ok {
			depPkgs[name] = ver
		}
	}
	v, err = in.run(ctx, job{
		sysroot:  sdkRoot,
		packages: depPkgs,
		script: func(specs []string) string {
			return sdkHostInstall("$DNF_SDK_COMBINED_REPO_CONF", in.yes(), specs)
		},
		retain: owned,
	})
	if err != nil {
		return err
	}
	maps.Copy(installed, v)

	if err := in.Rootfs(ctx); err != nil {
		return err
	}
	if cfg.HasCompileSections() {
		if err := in.TargetSysroot(ctx); err != nil {
			return err
		}
	}

	sdkInputs, err := stamps.SDKInputs(cfg.Section(target, "sdk"))
	if err != nil {
		return err
	}
	return in.s.WriteSDKStamp(ctx, sdkInputs, outputs(installed))
}

// Rootfs installs the rootfs sysroot whose RPM database seeds every other
// installroot.
func (in *Installer) Rootfs(ctx context.Context) error {
	sr := sysroot.Rootfs()
	_, err := in.run(ctx, job{
		sysroot:  sr,
		packages: map[string]string{RootfsPackage: "*"},
		script: func(specs []string) string {
			return targetInstall(sr.Installroot(), in.yes(), true, specs)
		},
	})
	return err
}

// TargetSysroot installs the cross-compilation sysroot together with every
// compile section's packages.
func (in *Installer) TargetSysroot(ctx context.Context) error {
	sr := sysroot.TargetSysroot()
	pkgs := map[string]string{TargetSysrootPackage: "*"}
	for _, cs := range in.s.SDK().Compile {
		for name, ver := range composer.PackageMap(cs.Packages) {
			if _, ok := pkgs[name]; !ok {
				pkgs[name] = ver
			}
		}
	}
	_, err := in.run(ctx, job{
		sysroot:  sr,
		packages: pkgs,
		script: func(specs []string) string {
			return targetInstall(sr.Installroot(), in.yes(), true, specs)
		},
	})
	return err
}
