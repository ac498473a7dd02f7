// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/testutil"
)

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "board")
	out, err := execute(t, nil, "init", dir, "--target", "qemuarm64")
	if err != nil {
		t.Fatalf("init error = %v\n%s", err, out)
	}
	path := filepath.Join(dir, "avocado.yaml")
	composed, err := composer.Compose(path, composer.Options{
		Target:    "qemuarm64",
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	if err != nil {
		t.Fatalf("starter config does not compose: %v", err)
	}
	cfg := composed.Config
	if got := cfg.Raw()["default_target"]; got != "qemuarm64" {
		t.Errorf("default_target = %v", got)
	}
	if !slices.Equal(cfg.RuntimeNames(), []string{"dev"}) || !slices.Equal(cfg.ExtensionNames(), []string{"app"}) {
		t.Errorf("runtimes = %v, extensions = %v", cfg.RuntimeNames(), cfg.ExtensionNames())
	}
	if img := cfg.SDK("qemuarm64").Image; img != defaultSDKImage {
		t.Errorf("sdk image = %q", img)
	}
}

func TestInitRefusesOverwrite(t *testing.T) {
	path := testutil.NewProject(t, "default_target: qemux86-64\n")
	_, err := execute(t, nil, "init", filepath.Dir(path))
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("init error = %v, want already exists", err)
	}
	if got := testutil.MustReadFile(t, path); got != "default_target: qemux86-64\n" {
		t.Errorf("existing config changed:\n%s", got)
	}
}
