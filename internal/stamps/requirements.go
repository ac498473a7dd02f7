// SPDX-License-Identifier: MPL-2.0

package stamps

import (
	"fmt"
)

// Requirement names a stamp a command depends on. Expected, when set, is the
// config hash the stamp must carry to count as current.
type Requirement struct {
	Command   Command
	Component Component
	Name      string
	HostArch  string
	Expected  string
}

// SDKInstall is the SDK install requirement for a host architecture; an
// empty arch means the local one.
func SDKInstall(hostArch string) Requirement {
	if hostArch == "" {
		hostArch = LocalArch()
	}
	return Requirement{Command: Install, Component: SDK, HostArch: hostArch}
}

// ExtStep is an extension requirement.
func ExtStep(cmd Command, name string) Requirement {
	return Requirement{Command: cmd, Component: Extension, Name: name}
}

// RuntimeStep is a runtime requirement.
func RuntimeStep(cmd Command, name string) Requirement {
	return Requirement{Command: cmd, Component: Runtime, Name: name}
}

// WithExpected returns a copy that must match the given config hash.
func (r Requirement) WithExpected(configHash string) Requirement {
	r.Expected = configHash
	return r
}

// RelativePath is the stamp path below $AVOCADO_PREFIX/.stamps/.
func (r Requirement) RelativePath() string {
	switch r.Component {
	case SDK:
		arch := r.HostArch
		if arch == "" {
			arch = LocalArch()
		}
		return fmt.Sprintf("sdk/%s/%s.stamp", arch, r.Command)
	default:
		return fmt.Sprintf("%s/%s/%s.stamp", r.Component, r.Name, r.Command)
	}
}

// Description is the human label, e.g. "runtime 'dev' build".
func (r Requirement) Description() string {
	switch r.Component {
	case SDK:
		if r.HostArch != "" {
			return fmt.Sprintf("SDK %s (%s)", r.Command, r.HostArch)
		}
		return "SDK " + string(r.Command)
	case Extension:
		return fmt.Sprintf("extension '%s' %s", r.Name, r.Command)
	default:
		return fmt.Sprintf("runtime '%s' %s", r.Name, r.Command)
	}
}

// FixCommand is the avocado invocation that produces the stamp.
func (r Requirement) FixCommand(runsOn string) string {
	switch r.Component {
	case SDK:
		cmd := "avocado sdk install"
		if r.HostArch != "" && r.HostArch != LocalArch() {
			cmd += " --sdk-arch " + r.HostArch
		}
		if runsOn != "" {
			cmd += " --runs-on " + runsOn
		}
		return cmd
	case Extension:
		return fmt.Sprintf("avocado ext %s -e %s", r.Command, r.Name)
	default:
		return fmt.Sprintf("avocado runtime %s -r %s", r.Command, r.Name)
	}
}

// String implements fmt.Stringer.
func (r Requirement) String() string {
	return r.RelativePath()
}

// Required resolves the stamps a step depends on. exts lists the extensions
// a runtime requires and is only consulted for runtime builds. hostArch
// selects the SDK stamp, empty meaning the local architecture.
func Required(cmd Command, comp Component, name string, exts []string, hostArch string) []Requirement {
	sdk := SDKInstall(hostArch)
	switch {
	case comp == Extension && cmd == Install:
		return []Requirement{sdk}
	case comp == Extension && cmd == Build:
		return []Requirement{sdk, ExtStep(Install, name)}
	case comp == Extension && cmd == Image:
		return []Requirement{sdk, ExtStep(Install, name), ExtStep(Build, name)}
	case comp == Runtime && cmd == Install:
		return []Requirement{sdk}
	case comp == Runtime && cmd == Build:
		reqs := []Requirement{sdk, RuntimeStep(Install, name)}
		for _, ext := range exts {
			reqs = append(reqs, ExtStep(Install, ext), ExtStep(Build, ext), ExtStep(Image, ext))
		}
		return reqs
	case comp == Runtime && (cmd == Sign || cmd == Provision):
		return []Requirement{sdk, RuntimeStep(Build, name)}
	default:
		return nil
	}
}

// RequiredForDeploy is the deploy gate: the runtime must be provisioned.
func RequiredForDeploy(runtimeName string) []Requirement {
	return []Requirement{RuntimeStep(Provision, runtimeName)}
}
