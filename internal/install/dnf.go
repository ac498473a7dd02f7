// SPDX-License-Identifier: MPL-2.0

package install

import (
	"fmt"
	"strings"

	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

const (
	// RootfsPackage seeds the rootfs sysroot and its RPM database.
	RootfsPackage = "avocado-pkg-rootfs"
	// TargetSysrootPackage provides headers and libraries for sdk compile.
	TargetSysrootPackage = "packagegroup-core-standalone-sdk-target"
	// BootstrapPackage installs the target repository configuration.
	BootstrapPackage = "avocado-sdk-bootstrap"

	scriptletBin     = sysroot.SDKPrefixVar + "/ext-scriptlet-bin"
	versionedRPMConf = sysroot.SDKPrefixVar + "/ext-rpm-config"
	// versionedDBPath is where versioned extensions keep their RPM database,
	// relative to the installroot, so it never collides with the copy of the
	// rootfs database.
	versionedDBPath = "/var/lib/extension.d/rpm"
)

// scriptletStubs are the commands RPM scriptlets of extension packages may
// call that would otherwise mutate the SDK container itself.
var scriptletStubs = []string{
	"useradd", "usermod", "userdel", "groupadd", "groupmod", "groupdel",
	"chpasswd", "update-alternatives", "ldconfig", "depmod", "systemctl",
	"systemd-sysusers", "systemd-tmpfiles", "udevadm",
}

// SDKPackage is the per-target SDK package.
func SDKPackage(target string) string {
	return "avocado-sdk-" + target
}

// dnfInstall renders one `dnf install` invocation.
type dnfInstall struct {
	// Env are VAR=value prefixes.
	Env []string
	// Opts are option groups exported by the SDK entrypoint, such as
	// $DNF_SDK_HOST_OPTS.
	Opts        []string
	Installroot string
	Yes         bool
	Packages    []string
}

func (d dnfInstall) String() string {
	var b strings.Builder
	for _, e := range d.Env {
		b.WriteString(e)
		b.WriteString(" \\\n")
	}
	b.WriteString("$DNF_SDK_HOST")
	for _, o := range d.Opts {
		b.WriteString(" \\\n    ")
		b.WriteString(o)
	}
	if d.Installroot != "" {
		fmt.Fprintf(&b, " \\\n    --installroot=%s", shell.DoubleQuotedPath(d.Installroot))
	}
	b.WriteString(" \\\n    install")
	if d.Yes {
		b.WriteString(" \\\n    -y")
	}
	b.WriteString(" \\\n    ")
	b.WriteString(shell.QuoteAll(d.Packages...))
	return b.String()
}

// sdkInitScript prepares the SDK prefix on first use: it copies the
// container's RPM and DNF configuration, repoints the RPM macros at the
// prefix, and (re)writes the scriptlet stubs and the RPM configuration used
// by versioned extensions.
func sdkInitScript() string {
	var s shell.Script
	s.Raw(`mkdir -p "$AVOCADO_SDK_PREFIX/etc" "$AVOCADO_EXT_SYSROOTS" "$DNF_SDK_TARGET_PREFIX/etc/yum.repos.d" "$DNF_SDK_TARGET_PREFIX/etc/dnf/vars"
if [ ! -d "$AVOCADO_SDK_PREFIX/usr/lib/rpm" ]; then
    echo "[INFO] Initializing Avocado SDK."
    [ -f /etc/rpmrc ] && cp /etc/rpmrc "$AVOCADO_SDK_PREFIX/etc"
    [ -d /etc/rpm ] && cp -r /etc/rpm "$AVOCADO_SDK_PREFIX/etc"
    [ -d /etc/dnf ] && cp -r /etc/dnf "$AVOCADO_SDK_PREFIX/etc"
    [ -d /etc/yum.repos.d ] && cp -r /etc/yum.repos.d "$AVOCADO_SDK_PREFIX/etc"
    mkdir -p "$AVOCADO_SDK_PREFIX/usr/lib/rpm"
    cp -r /usr/lib/rpm/* "$AVOCADO_SDK_PREFIX/usr/lib/rpm/"
    sed -i "s|^%_usr[[:space:]]*/usr$|%_usr                   $AVOCADO_SDK_PREFIX/usr|" "$AVOCADO_SDK_PREFIX/usr/lib/rpm/macros"
    sed -i "s|^%_var[[:space:]]*/var$|%_var                   $AVOCADO_SDK_PREFIX/var|" "$AVOCADO_SDK_PREFIX/usr/lib/rpm/macros"
fi`)
	s.Line("mkdir -p %s", shell.DoubleQuotedPath(scriptletBin))
	s.Line("for cmd in %s; do", strings.Join(scriptletStubs, " "))
	s.Line(`    printf '#!/bin/sh\nexit 0\n' > %s/"$cmd"`, shell.DoubleQuotedPath(scriptletBin))
	s.Line(`    chmod 0755 %s/"$cmd"`, shell.DoubleQuotedPath(scriptletBin))
	s.Raw("done")
	s.Line("mkdir -p %s", shell.DoubleQuotedPath(versionedRPMConf+"/macros.d"))
	s.Line(`cp -rf "$AVOCADO_SDK_PREFIX/usr/lib/rpm/." %s/`, shell.DoubleQuotedPath(versionedRPMConf))
	s.Line(`printf '%%%%_dbpath %s\n' > %s`, versionedDBPath, shell.DoubleQuotedPath(versionedRPMConf+"/macros.d/macros.avocado-ext"))
	return s.String()
}

// sdkHostInstall installs into the SDK prefix from the host repositories.
func sdkHostInstall(repoConf string, yes bool, specs []string) string {
	return dnfInstall{
		Env: []string{
			`RPM_CONFIGDIR="$AVOCADO_SDK_PREFIX/usr/lib/rpm"`,
			`RPM_ETCCONFIGDIR="$AVOCADO_SDK_PREFIX"`,
		},
		Opts:     []string{"$DNF_SDK_HOST_OPTS", repoConf},
		Yes:      yes,
		Packages: specs,
	}.String()
}

// ensureInstallroot creates an installroot seeded with the rootfs RPM
// database. dbDir is the database directory relative to the root.
func ensureInstallroot(root, dbDir string) string {
	db := shell.DoubleQuotedPath(root + dbDir)
	var s shell.Script
	s.Line("if [ ! -d %s ]; then", db)
	s.Line("    mkdir -p %s", db)
	s.Line(`    cp -rf "$AVOCADO_PREFIX/rootfs/var/lib/rpm/." %s/`, db)
	s.Raw("fi")
	return s.String()
}

// targetInstall installs into an installroot from the target repositories.
func targetInstall(root string, yes, scripts bool, specs []string) string {
	opts := []string{"$DNF_SDK_TARGET_REPO_CONF"}
	if !scripts {
		opts = append(opts, "$DNF_NO_SCRIPTS")
	}
	return dnfInstall{
		Env:         []string{`RPM_ETCCONFIGDIR="$DNF_SDK_TARGET_PREFIX"`},
		Opts:        opts,
		Installroot: root,
		Yes:         yes,
		Packages:    specs,
	}.String()
}

// extensionInstall installs a local or external extension with scriptlets
// running against the stub commands.
func extensionInstall(root string, yes bool, specs []string) string {
	var s shell.Script
	s.Raw(ensureInstallroot(root, "/var/lib/rpm"))
	s.Line(`PATH=%s:"$PATH" \`, shell.DoubleQuotedPath(scriptletBin))
	s.Raw(targetInstall(root, yes, true, specs))
	return s.String()
}

// versionedExtensionInstall installs a prebuilt extension package with its
// RPM database under versionedDBPath.
func versionedExtensionInstall(root string, yes bool, specs []string) string {
	var s shell.Script
	s.Raw(ensureInstallroot(root, versionedDBPath))
	s.Raw(dnfInstall{
		Env: []string{
			fmt.Sprintf("RPM_CONFIGDIR=%s", shell.DoubleQuotedPath(versionedRPMConf)),
			`RPM_ETCCONFIGDIR="$DNF_SDK_TARGET_PREFIX"`,
		},
		Opts:        []string{"$DNF_SDK_TARGET_REPO_CONF", "$DNF_NO_SCRIPTS"},
		Installroot: root,
		Yes:         yes,
		Packages:    specs,
	}.String())
	return s.String()
}

// runtimeInstall installs runtime packages into the runtime installroot.
func runtimeInstall(root string, yes bool, specs []string) string {
	var s shell.Script
	s.Raw(ensureInstallroot(root, "/var/lib/rpm"))
	s.Raw(dnfInstall{
		Env: []string{
			`RPM_CONFIGDIR="$AVOCADO_SDK_PREFIX/usr/lib/rpm"`,
			`RPM_ETCCONFIGDIR="$DNF_SDK_TARGET_PREFIX"`,
		},
		Opts:        []string{"$DNF_SDK_HOST_OPTS", "$DNF_SDK_TARGET_REPO_CONF"},
		Installroot: root,
		Yes:         yes,
		Packages:    specs,
	}.String())
	return s.String()
}

// cleanInstallroot removes an installroot so the next install starts from
// a fresh copy of the rootfs database.
func cleanInstallroot(root string) string {
	return "rm -rf " + shell.DoubleQuotedPath(root)
}
