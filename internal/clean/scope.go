// SPDX-License-Identifier: MPL-2.0

package clean

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/lockfile"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

// ErrScope is returned when more than one scope is selected.
var ErrScope = errors.New("select at most one of --extension, --runtime and --sdk")

// Scope selects one extension, one runtime, or the SDK. The zero Scope
// means everything.
type Scope struct {
	Extension string
	Runtime   string
	SDK       bool
}

// Validate rejects scopes naming more than one component.
func (s Scope) Validate() error {
	n := 0
	if s.Extension != "" {
		n++
	}
	if s.Runtime != "" {
		n++
	}
	if s.SDK {
		n++
	}
	if n > 1 {
		return ErrScope
	}
	return nil
}

// All reports whether the scope is empty.
func (s Scope) All() bool { return s == Scope{} }

func (s Scope) String() string {
	switch {
	case s.Extension != "":
		return fmt.Sprintf("extension '%s'", s.Extension)
	case s.Runtime != "":
		return fmt.Sprintf("runtime '%s'", s.Runtime)
	case s.SDK:
		return "SDK, rootfs, and target-sysroot"
	default:
		return "all entries"
	}
}

// Unlock clears the lock entries of target selected by scope. It reports
// whether anything was cleared.
func Unlock(lf *lockfile.LockFile, target string, scope Scope) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	if lf.IsEmpty() {
		return false, nil
	}
	switch {
	case scope.Extension != "":
		lf.ClearExtension(target, scope.Extension)
	case scope.Runtime != "":
		lf.ClearRuntime(target, scope.Runtime)
	case scope.SDK:
		lf.ClearSDK(target)
		lf.ClearRootfs(target)
		lf.ClearTargetSysroot(target)
	default:
		lf.ClearAll(target)
	}
	log.Debug("unlocked", "scope", scope.String(), "target", target)
	return true, nil
}

// Stamps removes every stamp from the build volume.
func Stamps(ctx context.Context, s *session.Session) error {
	run := s.RunConfig(stamps.RemoveScript())
	return s.Run(ctx, run)
}

// Component removes the sysroot of the component scope selects and its
// stamps from the build volume. The SDK scope removes the whole SDK prefix
// for the session's host architecture.
func Component(ctx context.Context, s *session.Session, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	cfg := s.Config()
	var script shell.Script
	script.Raw("set -e")
	switch {
	case scope.Extension != "":
		if _, ok := cfg.Extension(scope.Extension, s.Target()); !ok {
			return fmt.Errorf("extension '%s' not found in configuration", scope.Extension)
		}
		script.Line("rm -rf %s", shell.DoubleQuotedPath(sysroot.Extension(scope.Extension).Installroot())).
			Raw(stamps.RemoveComponentScript(stamps.Extension, scope.Extension))
	case scope.Runtime != "":
		if _, ok := cfg.Runtime(scope.Runtime, s.Target()); !ok {
			return fmt.Errorf("runtime '%s' not found in configuration", scope.Runtime)
		}
		script.Line("rm -rf %s", shell.DoubleQuotedPath(sysroot.Runtime(scope.Runtime).Installroot())).
			Raw(stamps.RemoveComponentScript(stamps.Runtime, scope.Runtime))
	case scope.SDK:
		script.Line("rm -rf %s", shell.DoubleQuotedPath(sysroot.SDKPrefixVar)).
			Raw(stamps.RemoveComponentScript(stamps.SDK, s.HostArch()))
	default:
		return errors.New("nothing selected to clean")
	}
	log.Info("cleaning", "scope", scope.String(), "target", s.Target())
	return s.Run(ctx, s.RunConfig(script.String()))
}
