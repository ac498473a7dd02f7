// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/testutil"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	testutil.MustWriteFile(t, dir, FileName, content)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	s, err := Load(LoadOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Path != "" || s.ContainerEngine != "docker" || s.Deploy.RepoPort != DefaultRepoPort {
		t.Errorf("Load() = %+v", s)
	}
	if lo, hi := s.NFSPorts(); lo != DefaultNFSPortMin || hi != DefaultNFSPortMax {
		t.Errorf("NFSPorts() = %d, %d", lo, hi)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := writeSettings(t, `
container_engine: "podman"
default_target:   "qemuarm64"
verbose:          true
signing: keys_dir: "/srv/keys"
deploy: repo_port: 9000
remote: nfs_port_range: [20000, 20010]
update: check: true
`)
	s, err := Load(LoadOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Path != filepath.Join(dir, FileName) {
		t.Errorf("Path = %s", s.Path)
	}
	if s.ContainerEngine != "podman" || s.DefaultTarget != "qemuarm64" || !s.Verbose {
		t.Errorf("top-level settings = %+v", s)
	}
	if s.Signing.KeysDir != "/srv/keys" || s.Deploy.RepoPort != 9000 || !s.Update.Check {
		t.Errorf("nested settings = %+v", s)
	}
	if !slices.Equal(s.Remote.NFSPortRange, []int{20000, 20010}) {
		t.Errorf("NFSPortRange = %v", s.Remote.NFSPortRange)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	t.Parallel()

	s, err := Load(LoadOptions{Dir: writeSettings(t, "verbose: true\n")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.Verbose || s.ContainerEngine != "docker" || s.Deploy.RepoPort != DefaultRepoPort {
		t.Errorf("Load() = %+v", s)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "unknown field", content: "colour: \"red\"\n", want: "colour"},
		{name: "engine", content: "container_engine: \"lxc\"\n", want: "container_engine"},
		{name: "port", content: "deploy: repo_port: 70000\n", want: "repo_port"},
		{name: "reversed range", content: "remote: nfs_port_range: [3000, 2000]\n", want: "nfs_port_range"},
		{name: "syntax", content: "verbose: {\n", want: FileName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(LoadOptions{Dir: writeSettings(t, tt.content)})
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	t.Parallel()

	if _, err := Load(LoadOptions{File: filepath.Join(t.TempDir(), "missing.cue")}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want ErrNotExist", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	testutil.MustSetenv(t, EnvContainerTool, "podman")
	testutil.MustSetenv(t, EnvDeployRepoPort, "8600")
	testutil.MustSetenv(t, EnvTarget, "raspberrypi4")

	dir := writeSettings(t, "container_engine: \"docker\"\ndeploy: repo_port: 9000\n")
	s, err := Load(LoadOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.ContainerEngine != "podman" || s.Deploy.RepoPort != 8600 || s.DefaultTarget != "raspberrypi4" {
		t.Errorf("Load() = %+v", s)
	}
}

func TestCUERoundTrip(t *testing.T) {
	t.Parallel()

	want := Default()
	want.DefaultTarget = "qemux86-64"
	want.Signing.KeysDir = "/keys"
	want.Update.Check = true

	dir := writeSettings(t, want.CUE())
	got, err := Load(LoadOptions{Dir: dir})
	if err != nil {
		t.Fatalf("Load(CUE()) error = %v\n%s", err, want.CUE())
	}
	got.Path = ""
	if got.CUE() != want.CUE() {
		t.Errorf("CUE() round trip:\ngot  %s\nwant %s", got.CUE(), want.CUE())
	}
}
