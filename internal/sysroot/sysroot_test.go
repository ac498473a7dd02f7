// SPDX-License-Identifier: MPL-2.0

package sysroot

import (
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/shell"
)

func TestLockKey_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    Sysroot
		want string
	}{
		{SDK("x86_64"), "sdk"},
		{SDK("aarch64"), "sdk"},
		{Rootfs(), "rootfs"},
		{TargetSysroot(), "target-sysroot"},
		{Extension("app"), "extensions/app"},
		{VersionedExtension("app"), "extensions/app"},
		{Runtime("dev"), "runtimes/dev"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := tt.s.LockKey(); got != tt.want {
				t.Fatalf("LockKey() = %q, want %q", got, tt.want)
			}
			back, err := ParseLockKey(tt.want)
			if err != nil {
				t.Fatalf("ParseLockKey(%q) error: %v", tt.want, err)
			}
			if back.LockKey() != tt.want {
				t.Errorf("ParseLockKey(%q).LockKey() = %q", tt.want, back.LockKey())
			}
		})
	}

	for _, bad := range []string{"", "extensions/", "bogus", "runtimes"} {
		if _, err := ParseLockKey(bad); err == nil {
			t.Errorf("ParseLockKey(%q) should fail", bad)
		}
	}
}

func TestQueryConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    Sysroot
		want QueryConfig
	}{
		{"sdk", SDK("x86_64"), QueryConfig{EtcConfigDir: "$AVOCADO_SDK_PREFIX", ConfigDir: "$AVOCADO_SDK_PREFIX/usr/lib/rpm"}},
		{"rootfs", Rootfs(), QueryConfig{Root: "$AVOCADO_PREFIX/rootfs"}},
		{"target-sysroot", TargetSysroot(), QueryConfig{Root: "$AVOCADO_SDK_PREFIX/target-sysroot"}},
		{"extension", Extension("app"), QueryConfig{Root: "$AVOCADO_EXT_SYSROOTS/app"}},
		{"versioned", VersionedExtension("app"), QueryConfig{ConfigDir: "$AVOCADO_SDK_PREFIX/ext-rpm-config", Root: "$AVOCADO_EXT_SYSROOTS/app"}},
		{"runtime", Runtime("dev"), QueryConfig{Root: "$AVOCADO_PREFIX/runtimes/dev"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.s.QueryConfig(); got != tt.want {
				t.Errorf("QueryConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestQueryCommand_Installroot(t *testing.T) {
	t.Parallel()

	cmd := Rootfs().QueryCommand([]string{"base-files", "curl"})
	want := `(unset RPM_ETCCONFIGDIR RPM_CONFIGDIR; rpm -q --root="$AVOCADO_PREFIX/rootfs" --qf '%{NAME} %{VERSION}-%{RELEASE}.%{ARCH}\n' base-files curl) || true`
	if cmd != want {
		t.Errorf("QueryCommand() =\n%s\nwant\n%s", cmd, want)
	}
	if err := shell.Validate(cmd); err != nil {
		t.Error(err)
	}

	versioned := VersionedExtension("app").QueryCommand([]string{"curl"})
	if !strings.Contains(versioned, `export RPM_CONFIGDIR="$AVOCADO_SDK_PREFIX/ext-rpm-config";`) {
		t.Errorf("versioned query should export RPM_CONFIGDIR: %s", versioned)
	}
}

func TestQueryCommand_SDK(t *testing.T) {
	t.Parallel()

	cmd := SDK("x86_64").QueryCommand([]string{"nativesdk-curl"})
	if strings.Contains(cmd, "--root") || strings.Contains(cmd, "unset") {
		t.Errorf("SDK query must use the native database: %s", cmd)
	}
	for _, want := range []string{
		`RPM_ETCCONFIGDIR="$AVOCADO_SDK_PREFIX"`,
		`RPM_CONFIGDIR="$AVOCADO_SDK_PREFIX/usr/lib/rpm"`,
		"nativesdk-curl || true",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("SDK query missing %q: %s", want, cmd)
		}
	}
	if err := shell.Validate(cmd); err != nil {
		t.Error(err)
	}
}

func TestQueryCommand_QuotesShellWords(t *testing.T) {
	t.Parallel()

	cmd := Extension("app\"`id`").QueryCommand([]string{"curl", "bad$(touch x)"})
	for _, want := range []string{
		"--root=\"$AVOCADO_EXT_SYSROOTS/app\\\"\\`id\\`\"",
		`curl 'bad$(touch x)') || true`,
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("query missing %s: %s", want, cmd)
		}
	}
	if err := shell.Validate(cmd); err != nil {
		t.Error(err)
	}

	sdk := QueryConfig{EtcConfigDir: `/opt/"sdk"`}.QueryCommand([]string{"it's"})
	for _, want := range []string{
		`RPM_ETCCONFIGDIR="/opt/\"sdk\"" `,
		`'it'\''s' || true`,
	} {
		if !strings.Contains(sdk, want) {
			t.Errorf("SDK query missing %s: %s", want, sdk)
		}
	}
	if err := shell.Validate(sdk); err != nil {
		t.Error(err)
	}
}

func TestStripsArchAndDescription(t *testing.T) {
	t.Parallel()

	if !SDK("x86_64").StripsArch() || Rootfs().StripsArch() {
		t.Error("only the SDK strips arch suffixes")
	}
	if got := Extension("app").Description(); got != "extension 'app'" {
		t.Errorf("Description() = %q", got)
	}
	if got := SDK("aarch64").Description(); got != "SDK (aarch64)" {
		t.Errorf("Description() = %q", got)
	}
	if Runtime("dev").Installroot() != "$AVOCADO_PREFIX/runtimes/dev" {
		t.Error("unexpected runtime installroot")
	}
	if SDK("x86_64").Installroot() != "" {
		t.Error("SDK has no installroot")
	}
}
