// SPDX-License-Identifier: MPL-2.0

package install

import (
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

func TestScriptsParse(t *testing.T) {
	t.Parallel()

	ext := sysroot.Extension("app").Installroot()
	scripts := map[string]string{
		"init":      sdkInitScript(),
		"sdk":       sdkHostInstall("$DNF_SDK_HOST_REPO_CONF", false, []string{"avocado-sdk-qemux86-64"}),
		"rootfs":    targetInstall(sysroot.Rootfs().Installroot(), true, true, []string{RootfsPackage}),
		"extension": extensionInstall(ext, true, []string{"curl-7.88.1-r0.core2_64", "weird name"}),
		"versioned": versionedExtensionInstall(ext, true, []string{"app-1.0"}),
		"runtime":   runtimeInstall(sysroot.Runtime("dev").Installroot(), false, []string{"avocado-runtime"}),
		"clean":     cleanInstallroot(ext),
	}
	for name, script := range scripts {
		if err := shell.Validate(script); err != nil {
			t.Errorf("%s: %v\n%s", name, err, script)
		}
	}
}

func TestDnfInstall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		install dnfInstall
		want    []string
		absent  []string
	}{
		{
			name:    "interactive",
			install: dnfInstall{Packages: []string{"curl"}},
			want:    []string{"$DNF_SDK_HOST", "install", "curl"},
			absent:  []string{"-y", "--installroot"},
		},
		{
			name: "installroot",
			install: dnfInstall{
				Env:         []string{`RPM_ETCCONFIGDIR="$DNF_SDK_TARGET_PREFIX"`},
				Opts:        []string{"$DNF_SDK_TARGET_REPO_CONF"},
				Installroot: "$AVOCADO_EXT_SYSROOTS/app",
				Yes:         true,
				Packages:    []string{"curl", "it's"},
			},
			want: []string{
				`RPM_ETCCONFIGDIR="$DNF_SDK_TARGET_PREFIX" \`,
				`--installroot="$AVOCADO_EXT_SYSROOTS/app"`,
				"-y",
				`curl 'it'\''s'`,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.install.String()
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q in:\n%s", w, got)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(got, a) {
					t.Errorf("unexpected %q in:\n%s", a, got)
				}
			}
		})
	}
}

func TestExtensionInstallUsesScriptletStubs(t *testing.T) {
	t.Parallel()

	got := extensionInstall("$AVOCADO_EXT_SYSROOTS/app", true, []string{"curl"})
	if !strings.Contains(got, `PATH="$AVOCADO_SDK_PREFIX/ext-scriptlet-bin":"$PATH" \`) {
		t.Errorf("scriptlet stubs not on PATH:\n%s", got)
	}
	if strings.Contains(got, "$DNF_NO_SCRIPTS") {
		t.Errorf("local extensions must run scriptlets:\n%s", got)
	}
	if !strings.Contains(got, `cp -rf "$AVOCADO_PREFIX/rootfs/var/lib/rpm/." "$AVOCADO_EXT_SYSROOTS/app/var/lib/rpm"/`) {
		t.Errorf("installroot not seeded from the rootfs database:\n%s", got)
	}
}

func TestInitScriptStubsEveryScriptletCommand(t *testing.T) {
	t.Parallel()

	got := sdkInitScript()
	for _, cmd := range scriptletStubs {
		if !strings.Contains(got, " "+cmd) {
			t.Errorf("stub for %s missing", cmd)
		}
	}
	if !strings.Contains(got, "%_dbpath "+versionedDBPath) {
		t.Errorf("versioned RPM macro missing:\n%s", got)
	}
}
