// SPDX-License-Identifier: MPL-2.0

package install

import (
	"errors"
	"fmt"
	"strings"

	"github.com/avocado-linux/avocado-cli/internal/issue"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

// ErrPackageManager marks a failed DNF transaction.
var ErrPackageManager = errors.New("package manager failed")

// PackageManagerError reports a DNF failure for one sysroot. Command is the
// install fragment, kept so the failure can be reproduced with sdk run.
type PackageManagerError struct {
	Sysroot  sysroot.Sysroot
	Packages []string
	Command  string
	Err      error
}

func (e *PackageManagerError) Error() string {
	return fmt.Sprintf("installing %s (%s): %v", e.Sysroot.Description(), strings.Join(e.Packages, " "), e.Err)
}

// Is matches ErrPackageManager.
func (e *PackageManagerError) Is(target error) bool { return target == ErrPackageManager }

func (e *PackageManagerError) Unwrap() error { return e.Err }

func packageManagerError(sr sysroot.Sysroot, specs []string, command string, err error) error {
	suggestions := []string{"Re-run with --verbose to see the DNF transaction"}
	switch sr.Kind {
	case sysroot.KindExtension, sysroot.KindVersionedExtension:
		suggestions = append(suggestions, "Release the extension's pins with 'avocado unlock -e "+sr.Name+"' and retry")
	case sysroot.KindRuntime:
		suggestions = append(suggestions, "Release the runtime's pins with 'avocado unlock -r "+sr.Name+"' and retry")
	case sysroot.KindSDK:
		suggestions = append(suggestions, "Release the SDK pins with 'avocado unlock --sdk' and retry")
	}
	return issue.NewErrorContext().
		WithOperation("install " + sr.Description()).
		WithSuggestions(suggestions...).
		WithGuide(issue.PackageManagerFailedId).
		Wrap(&PackageManagerError{Sysroot: sr, Packages: specs, Command: command, Err: err}).
		BuildError()
}
