// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/configedit"
	"github.com/avocado-linux/avocado-cli/internal/lockfile"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
	"github.com/avocado-linux/avocado-cli/internal/testutil"
)

const projectYAML = `default_target: qemux86-64
sdk:
  image: docker.io/avocadolinux/sdk:edge
  packages:
    nativesdk-cmake: "*"
runtimes:
  dev:
    target: qemux86-64
    extensions: [app]
    packages:
      avocado-runtime: "*"
extensions:
  app:
    version: "1.0.0"
    types: [sysext]
    packages:
      curl: "*"
      htop: "*"
`

func TestPackageScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		scope     packageScope
		wantScope configedit.Scope
		wantRoot  sysroot.Sysroot
		wantErr   bool
	}{
		{name: "extension", scope: packageScope{extension: "app"}, wantScope: configedit.ExtensionScope("app"), wantRoot: sysroot.Extension("app")},
		{name: "runtime", scope: packageScope{runtime: "dev"}, wantScope: configedit.RuntimeScope("dev"), wantRoot: sysroot.Runtime("dev")},
		{name: "sdk", scope: packageScope{sdk: true}, wantScope: configedit.SDKScope(), wantRoot: sysroot.SDK("x86_64")},
		{name: "none", scope: packageScope{}, wantErr: true},
		{name: "two", scope: packageScope{extension: "app", sdk: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			scope, root, err := tt.scope.edit("x86_64")
			if tt.wantErr {
				if err == nil {
					t.Fatal("edit() succeeded")
				}
				return
			}
			if err != nil {
				t.Fatalf("edit() error = %v", err)
			}
			if scope != tt.wantScope || root != tt.wantRoot {
				t.Errorf("edit() = %v, %v; want %v, %v", scope, root, tt.wantScope, tt.wantRoot)
			}
		})
	}
}

func TestUninstall(t *testing.T) {
	path := testutil.NewProject(t, projectYAML)
	srcDir := filepath.Dir(path)
	lf := lockfile.New()
	lf.SetLockedVersion("qemux86-64", sysroot.Extension("app"), "curl", "7.88.1-r0.core2_64")
	lf.SetLockedVersion("qemux86-64", sysroot.Extension("app"), "htop", "3.2.2-r0.core2_64")
	if err := lf.Save(srcDir); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, nil, "uninstall", "curl", "-e", "app", "-C", path)
	if err != nil {
		t.Fatalf("uninstall error = %v\n%s", err, out)
	}
	config := testutil.MustReadFile(t, path)
	if strings.Contains(config, "curl") || !strings.Contains(config, "htop") {
		t.Errorf("config after uninstall:\n%s", config)
	}
	got, err := lockfile.Load(srcDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.LockedVersion("qemux86-64", sysroot.Extension("app"), "curl"); ok {
		t.Error("curl still pinned")
	}
	if _, ok := got.LockedVersion("qemux86-64", sysroot.Extension("app"), "htop"); !ok {
		t.Error("htop pin lost")
	}
}

func TestUninstallRequiresOneScope(t *testing.T) {
	path := testutil.NewProject(t, projectYAML)
	if _, err := execute(t, nil, "uninstall", "curl", "-C", path); err == nil {
		t.Fatal("uninstall without a scope succeeded")
	}
	if _, err := execute(t, nil, "uninstall", "curl", "-e", "app", "--sdk", "-C", path); err == nil {
		t.Fatal("uninstall with two scopes succeeded")
	}
	if !strings.Contains(testutil.MustReadFile(t, path), "curl") {
		t.Error("config edited despite the scope error")
	}
}

func TestUnlock(t *testing.T) {
	path := testutil.NewProject(t, projectYAML)
	srcDir := filepath.Dir(path)
	lf := lockfile.New()
	lf.SetLockedVersion("qemux86-64", sysroot.Extension("app"), "curl", "7.88.1-r0.core2_64")
	lf.SetLockedVersion("qemux86-64", sysroot.Runtime("dev"), "avocado-runtime", "1.0-r0.core2_64")
	if err := lf.Save(srcDir); err != nil {
		t.Fatal(err)
	}

	if out, err := execute(t, nil, "unlock", "-r", "dev", "-C", path); err != nil {
		t.Fatalf("unlock error = %v\n%s", err, out)
	}
	got, err := lockfile.Load(srcDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.LockedVersion("qemux86-64", sysroot.Runtime("dev"), "avocado-runtime"); ok {
		t.Error("runtime still pinned")
	}
	if _, ok := got.LockedVersion("qemux86-64", sysroot.Extension("app"), "curl"); !ok {
		t.Error("extension pin cleared by a runtime unlock")
	}
}

func TestListCommands(t *testing.T) {
	path := testutil.NewProject(t, projectYAML)

	out, err := execute(t, nil, "ext", "list", "-C", path)
	if err != nil {
		t.Fatalf("ext list error = %v", err)
	}
	for _, want := range []string{"NAME", "app", "1.0.0", "sysext", "local"} {
		if !strings.Contains(out, want) {
			t.Errorf("ext list missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, nil, "runtime", "list", "-C", path)
	if err != nil {
		t.Fatalf("runtime list error = %v", err)
	}
	for _, want := range []string{"dev", "qemux86-64", "app"} {
		if !strings.Contains(out, want) {
			t.Errorf("runtime list missing %q:\n%s", want, out)
		}
	}
}

func TestRuntimeDeps(t *testing.T) {
	path := testutil.NewProject(t, projectYAML)
	out, err := execute(t, nil, "runtime", "deps", "dev", "-C", path)
	if err != nil {
		t.Fatalf("runtime deps error = %v", err)
	}
	for _, want := range []string{"app", "avocado-runtime"} {
		if !strings.Contains(out, want) {
			t.Errorf("runtime deps missing %q:\n%s", want, out)
		}
	}
}
