// SPDX-License-Identifier: MPL-2.0

package sdk

import (
	"context"
	"errors"
	"fmt"

	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

// DNFScope selects where a DNF command operates.
type DNFScope struct {
	// Extension or Runtime selects that installroot; neither is the SDK
	// prefix.
	Extension string
	Runtime   string
}

// DNF runs dnf with args interactively. Extension and runtime installroots
// are created on first use, seeded with the rootfs RPM database.
func DNF(ctx context.Context, s *session.Session, scope DNFScope, args []string) error {
	if len(args) == 0 {
		return errors.New("no DNF command given")
	}
	cfg := s.Config()
	var root string
	switch {
	case scope.Extension != "" && scope.Runtime != "":
		return errors.New("cannot combine --extension and --runtime")
	case scope.Extension != "":
		if _, ok := cfg.Extension(scope.Extension, s.Target()); !ok {
			return fmt.Errorf("extension '%s' not found in configuration", scope.Extension)
		}
		root = sysroot.Extension(scope.Extension).Installroot()
	case scope.Runtime != "":
		if _, ok := cfg.Runtime(scope.Runtime, s.Target()); !ok {
			return fmt.Errorf("runtime '%s' not found in configuration", scope.Runtime)
		}
		root = sysroot.Runtime(scope.Runtime).Installroot()
	}

	run := s.RunConfig(dnfScript(root, args))
	run.SourceEnvironment = true
	run.Interactive = true
	return s.Run(ctx, run)
}

func dnfScript(root string, args []string) string {
	var b shell.Script
	if root == "" {
		b.Line(`RPM_CONFIGDIR="$AVOCADO_SDK_PREFIX/usr/lib/rpm" RPM_ETCCONFIGDIR="$AVOCADO_SDK_PREFIX" `+
			`$DNF_SDK_HOST $DNF_SDK_HOST_OPTS $DNF_SDK_HOST_REPO_CONF %s`, shell.QuoteAll(args...))
		return b.String()
	}
	r := shell.DoubleQuotedPath(root)
	b.Line("if [ ! -d %s/var/lib/rpm ]; then", r).
		Line("    mkdir -p %s/var/lib/rpm", r).
		Line(`    cp -rf "$AVOCADO_PREFIX/rootfs/var/lib/rpm/." %s/var/lib/rpm/`, r).
		Raw("fi").
		Line(`RPM_ETCCONFIGDIR="$DNF_SDK_TARGET_PREFIX" $DNF_SDK_HOST $DNF_SDK_TARGET_REPO_CONF --installroot=%s %s`,
			r, shell.QuoteAll(args...))
	return b.String()
}
