// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

// Runtimes installs the packages of the named runtimes, or of every runtime
// built for the session target when names is empty. The extensions a
// runtime requires are not installed here; see All.
func (in *Installer) Runtimes(ctx context.Context, names ...string) error {
	cfg := in.s.Config()
	target := in.s.Target()
	if len(names) == 0 {
		names = cfg.RuntimesForTarget(target)
	}
	checked := false
	for _, name := range names {
		rt, ok := cfg.Runtime(name, target)
		if !ok {
			return fmt.Errorf("runtime '%s' not found in configuration", name)
		}
		if rt.Target != "" && rt.Target != target {
			log.Info("skipping runtime built for another target", "runtime", name, "runtime_target", rt.Target)
			continue
		}
		if !checked {
			checked = true
			reqs := stamps.Required(stamps.Install, stamps.Runtime, name, nil, in.s.HostArch())
			if err := in.s.RequireStamps(ctx, "runtime install", reqs); err != nil {
				return err
			}
		}
		if err := in.runtime(ctx, rt); err != nil {
			return err
		}
	}
	return nil
}

func (in *Installer) runtime(ctx context.Context, rt *composer.Runtime) error {
	sr := sysroot.Runtime(rt.Name)
	root := sr.Installroot()
	inputs, err := stamps.RuntimeInputs(rt.Name, rt.RuntimePackagesValue(), in.s.Target())
	if err != nil {
		return err
	}

	log.Info("installing runtime", "runtime", rt.Name)
	versions, err := in.run(ctx, job{
		sysroot:     sr,
		packages:    composer.PackageMap(rt.Packages),
		script:      func(specs []string) string { return runtimeInstall(root, in.yes(), specs) },
		environment: true,
		reinstall:   true,
		stamp:       stamps.Runtime,
	})
	if err != nil {
		return err
	}
	return in.s.WriteStamp(ctx, in.s.NewStamp(stamps.Install, stamps.Runtime, rt.Name, inputs, outputs(versions)))
}
