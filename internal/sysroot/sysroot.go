// SPDX-License-Identifier: MPL-2.0

// Package sysroot classifies the installation roots avocado manages inside
// the build volume and knows how to query each one's RPM database.
package sysroot

import (
	"fmt"
	"strings"

	"github.com/avocado-linux/avocado-cli/internal/shell"
)

// Container-side variables exported by the SDK entrypoint.
const (
	PrefixVar        = "$AVOCADO_PREFIX"
	SDKPrefixVar     = "$AVOCADO_SDK_PREFIX"
	ExtSysrootsVar   = "$AVOCADO_EXT_SYSROOTS"
	rpmQueryFormat   = `'%{NAME} %{VERSION}-%{RELEASE}.%{ARCH}\n'`
	versionedRPMConf = SDKPrefixVar + "/ext-rpm-config"
)

// Kind enumerates the sysroot variants.
type Kind int

const (
	KindSDK Kind = iota + 1
	KindRootfs
	KindTargetSysroot
	KindExtension
	KindVersionedExtension
	KindRuntime
)

// String returns the kind's short name.
func (k Kind) String() string {
	switch k {
	case KindSDK:
		return "sdk"
	case KindRootfs:
		return "rootfs"
	case KindTargetSysroot:
		return "target-sysroot"
	case KindExtension:
		return "extension"
	case KindVersionedExtension:
		return "versioned-extension"
	case KindRuntime:
		return "runtime"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Sysroot identifies one installation root. Name carries the host
// architecture for the SDK and the extension or runtime name otherwise.
type Sysroot struct {
	Kind Kind
	Name string
}

// SDK returns the SDK sysroot for a host CPU architecture.
func SDK(hostArch string) Sysroot { return Sysroot{Kind: KindSDK, Name: hostArch} }

// Rootfs returns the target rootfs sysroot.
func Rootfs() Sysroot { return Sysroot{Kind: KindRootfs} }

// TargetSysroot returns the cross-compilation sysroot.
func TargetSysroot() Sysroot { return Sysroot{Kind: KindTargetSysroot} }

// Extension returns a local or external extension sysroot.
func Extension(name string) Sysroot { return Sysroot{Kind: KindExtension, Name: name} }

// VersionedExtension returns an extension sysroot whose RPM database lives
// under the SDK's ext-rpm-config layout.
func VersionedExtension(name string) Sysroot {
	return Sysroot{Kind: KindVersionedExtension, Name: name}
}

// Runtime returns a runtime installroot.
func Runtime(name string) Sysroot { return Sysroot{Kind: KindRuntime, Name: name} }

// LockKey is the lock-file key for the sysroot. SDK entries share one key
// across host architectures; versioned extensions share the extension key.
func (s Sysroot) LockKey() string {
	switch s.Kind {
	case KindSDK:
		return "sdk"
	case KindRootfs:
		return "rootfs"
	case KindTargetSysroot:
		return "target-sysroot"
	case KindExtension, KindVersionedExtension:
		return "extensions/" + s.Name
	case KindRuntime:
		return "runtimes/" + s.Name
	default:
		return ""
	}
}

// ParseLockKey is the inverse of LockKey. Extension keys parse as KindExtension.
func ParseLockKey(key string) (Sysroot, error) {
	switch key {
	case "sdk":
		return Sysroot{Kind: KindSDK}, nil
	case "rootfs":
		return Rootfs(), nil
	case "target-sysroot":
		return TargetSysroot(), nil
	}
	if name, ok := strings.CutPrefix(key, "extensions/"); ok && name != "" {
		return Extension(name), nil
	}
	if name, ok := strings.CutPrefix(key, "runtimes/"); ok && name != "" {
		return Runtime(name), nil
	}
	return Sysroot{}, fmt.Errorf("unknown sysroot key %q", key)
}

// Installroot is the sysroot's root directory inside the container. The SDK
// installs into the container's native root and has no installroot.
func (s Sysroot) Installroot() string {
	switch s.Kind {
	case KindRootfs:
		return PrefixVar + "/rootfs"
	case KindTargetSysroot:
		return SDKPrefixVar + "/target-sysroot"
	case KindExtension, KindVersionedExtension:
		return ExtSysrootsVar + "/" + s.Name
	case KindRuntime:
		return PrefixVar + "/runtimes/" + s.Name
	default:
		return ""
	}
}

// StripsArch reports whether recorded versions drop the .ARCH suffix so the
// lock stays portable across host architectures.
func (s Sysroot) StripsArch() bool {
	return s.Kind == KindSDK
}

// Description is a human label used in progress and error messages.
func (s Sysroot) Description() string {
	switch s.Kind {
	case KindSDK:
		if s.Name != "" {
			return "SDK (" + s.Name + ")"
		}
		return "SDK"
	case KindExtension, KindVersionedExtension:
		return "extension '" + s.Name + "'"
	case KindRuntime:
		return "runtime '" + s.Name + "'"
	default:
		return s.Kind.String()
	}
}

// QueryConfig is the RPM environment needed to read a sysroot's database.
// Empty fields are absent.
type QueryConfig struct {
	EtcConfigDir string
	ConfigDir    string
	Root         string
}

// QueryConfig returns the RPM query contract for the sysroot.
func (s Sysroot) QueryConfig() QueryConfig {
	switch s.Kind {
	case KindSDK:
		return QueryConfig{EtcConfigDir: SDKPrefixVar, ConfigDir: SDKPrefixVar + "/usr/lib/rpm"}
	case KindVersionedExtension:
		return QueryConfig{ConfigDir: versionedRPMConf, Root: s.Installroot()}
	default:
		return QueryConfig{Root: s.Installroot()}
	}
}

// QueryCommand builds an `rpm -q` invocation printing NAME VERSION-RELEASE.ARCH
// per installed package. rpm exits non-zero when any name is missing, so the
// command ends in `|| true` to keep partial results. Installroot queries run
// in a subshell so their RPM_* overrides do not leak.
func (c QueryConfig) QueryCommand(packages []string) string {
	names := shell.QuoteAll(packages...)
	if c.Root != "" {
		var env strings.Builder
		env.WriteString("unset RPM_ETCCONFIGDIR RPM_CONFIGDIR; ")
		if c.EtcConfigDir != "" {
			fmt.Fprintf(&env, "export RPM_ETCCONFIGDIR=%s; ", shell.DoubleQuotedPath(c.EtcConfigDir))
		}
		if c.ConfigDir != "" {
			fmt.Fprintf(&env, "export RPM_CONFIGDIR=%s; ", shell.DoubleQuotedPath(c.ConfigDir))
		}
		return fmt.Sprintf("(%srpm -q --root=%s --qf %s %s) || true",
			env.String(), shell.DoubleQuotedPath(c.Root), rpmQueryFormat, names)
	}

	var cmd strings.Builder
	if c.EtcConfigDir != "" {
		fmt.Fprintf(&cmd, "RPM_ETCCONFIGDIR=%s ", shell.DoubleQuotedPath(c.EtcConfigDir))
	}
	if c.ConfigDir != "" {
		fmt.Fprintf(&cmd, "RPM_CONFIGDIR=%s ", shell.DoubleQuotedPath(c.ConfigDir))
	}
	fmt.Fprintf(&cmd, "rpm -q --qf %s %s || true", rpmQueryFormat, names)
	return cmd.String()
}

// QueryCommand is shorthand for s.QueryConfig().QueryCommand(packages).
func (s Sysroot) QueryCommand(packages []string) string {
	return s.QueryConfig().QueryCommand(packages)
}
