// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"

	"github.com/charmbracelet/log"
)

// All runs the whole install: the SDK and its sysroots, every extension
// the runtime requires in dependency order, and the runtime itself. An
// empty runtime installs for every runtime of the session target.
func (in *Installer) All(ctx context.Context, runtime string) error {
	if err := in.SDK(ctx); err != nil {
		return err
	}

	// SDK installs reload the configuration after fetching, so the
	// resolver sees fetched extensions.
	order, err := in.s.Resolver().InstallOrder(runtime)
	if err != nil {
		return err
	}
	log.Debug("extension install order", "count", len(order))
	if err := in.extensions(ctx, order); err != nil {
		return err
	}

	var runtimes []string
	if runtime != "" {
		runtimes = []string{runtime}
	}
	if err := in.Runtimes(ctx, runtimes...); err != nil {
		return err
	}
	log.Info("install complete", "target", in.s.Target())
	return nil
}
