// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"path"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/signing"
)

const (
	// SignRequestPath is where the signing helper is installed in the
	// container.
	SignRequestPath = "/usr/local/bin/avocado-sign-request"

	signRequestEOF = "AVOCADO_SIGN_REQUEST_EOF"
)

// StatePath is the container path the hook reads and writes its state at.
// Paths exported to the hook are literal; docker does not expand them.
func StatePath(target, runtime string) string {
	return path.Join(container.VolumeMount, target, "output", "runtimes", runtime, "provision-state.state")
}

// BuildDir is the runtime's build directory in the volume.
func BuildDir(target, runtime string) string {
	return path.Join(container.VolumeMount, target, "runtimes", runtime)
}

// script is everything the provisioning step needs.
type script struct {
	runtime string
	target  string
	// hostState is the container path of the project's state file; empty
	// when no profile is used.
	hostState string
	signing   bool
}

// provisionScript restores the state file, installs the signing helper,
// runs the target's hook and saves the state file back to the project.
func provisionScript(v script) string {
	var s shell.Script
	s.Line("set -e")
	if v.hostState != "" {
		s.Line("STATE=%s", shell.Quote(StatePath(v.target, v.runtime)))
		s.Line(`mkdir -p "$(dirname "$STATE")"`)
		s.Line(`rm -f "$STATE"`)
		s.Line("if [ -f %s ]; then", shell.Quote(v.hostState))
		s.Line(`    cp %s "$STATE"`, shell.Quote(v.hostState))
		s.Line("fi")
	}
	if v.signing {
		s.Line("mkdir -p %s", path.Dir(SignRequestPath))
		s.Line("cat > %s <<'%s'", SignRequestPath, signRequestEOF)
		s.Raw(signing.RequestScript + signRequestEOF)
		s.Line("chmod 0755 %s", SignRequestPath)
	}
	hook := "avocado-provision-" + v.target
	s.Line(`echo "running SDK lifecycle hook 'avocado-provision' for '%s'"`, v.runtime)
	s.Line("%s %s", shell.Quote(hook), shell.Quote(v.runtime))
	if v.hostState != "" {
		s.Line(`if [ -f "$STATE" ]; then`)
		s.Line("    mkdir -p %s", shell.Quote(path.Dir(v.hostState)))
		s.Line(`    cp "$STATE" %s`, shell.Quote(v.hostState))
		s.Line("fi")
	}
	return s.String()
}
