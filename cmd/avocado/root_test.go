// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/issue"
	"github.com/avocado-linux/avocado-cli/internal/testutil"
)

// execute runs the command tree in a sandboxed config home with no
// container engine. Tests using it must not run in parallel.
func execute(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	testutil.SetConfigHome(t, t.TempDir())

	var out bytes.Buffer
	a := newApp()
	a.stdin = strings.NewReader("")
	a.stdout = &out
	a.stderr = &out
	a.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	a.newEngine = func(container.EngineType) (container.Engine, error) {
		return nil, errors.New("no container engine in tests")
	}
	root := newRootCommand(a)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGetVersionString(t *testing.T) {
	// Not parallel: subtests mutate package-level Version/Commit/BuildDate vars.

	t.Run("ldflags version", func(t *testing.T) {
		origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
		t.Cleanup(func() {
			Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
		})

		Version = "v1.2.3"
		Commit = "abc1234"
		BuildDate = "2026-01-15T10:00:00Z"

		want := "v1.2.3 (commit: abc1234, built: 2026-01-15T10:00:00Z)"
		if got := getVersionString(); got != want {
			t.Errorf("getVersionString() = %q, want %q", got, want)
		}
	})

	t.Run("dev build", func(t *testing.T) {
		origVersion := Version
		t.Cleanup(func() { Version = origVersion })

		Version = "dev"
		if got := getVersionString(); got != "dev (built from source)" {
			t.Errorf("getVersionString() = %q", got)
		}
	})
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"exit error", &ExitError{Code: 2, Err: errors.New("transient")}, 2},
		{"container step", fmt.Errorf("building extension: %w", &container.StepError{ExitCode: 42}), 42},
		{"out of range step status", &container.StepError{ExitCode: 300}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPrintError(t *testing.T) {
	t.Parallel()

	err := issue.NewErrorContext().
		WithOperation("find container engine").
		WithResource("docker").
		WithSuggestion("Install docker or podman").
		Wrap(errors.New("not found")).
		BuildError()

	var buf bytes.Buffer
	printError(&buf, fmt.Errorf("sdk install: %w", err), false)
	got := buf.String()
	for _, want := range []string{"[ERROR]", "failed to find container engine: docker", "Install docker or podman"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestCommandTree(t *testing.T) {
	t.Parallel()

	root := newRootCommand(newApp())
	paths := [][]string{
		{"init"}, {"install"}, {"uninstall"}, {"build"}, {"fetch"}, {"provision"},
		{"deploy"}, {"sign"}, {"clean"}, {"prune"}, {"unlock"}, {"upgrade"}, {"config", "show"},
		{"sdk", "install"}, {"sdk", "run"}, {"sdk", "compile"}, {"sdk", "clean"}, {"sdk", "dnf"}, {"sdk", "deps"},
		{"ext", "install"}, {"ext", "fetch"}, {"ext", "build"}, {"ext", "list"}, {"ext", "deps"},
		{"ext", "dnf"}, {"ext", "clean"}, {"ext", "image"}, {"ext", "package"}, {"ext", "checkout"},
		{"runtime", "install"}, {"runtime", "build"}, {"runtime", "provision"}, {"runtime", "deploy"},
		{"runtime", "sign"}, {"runtime", "list"}, {"runtime", "deps"}, {"runtime", "dnf"}, {"runtime", "clean"},
		{"signing-keys", "create"}, {"signing-keys", "list"}, {"signing-keys", "remove"},
		{"hitl", "server"},
	}
	for _, p := range paths {
		cmd, _, err := root.Find(p)
		if err != nil || cmd.Name() != p[len(p)-1] {
			t.Errorf("avocado %s not found: %v", strings.Join(p, " "), err)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	t.Parallel()

	a := newApp()
	root := newRootCommand(a)
	err := root.ParseFlags([]string{
		"--target", "qemuarm64", "--no-stamps", "--runs-on", "dev@builder", "--nfs-port", "12100",
		"--sdk-arch", "aarch64", "--container-arg", "--privileged", "--container-arg", "-v=/dev:/dev",
		"--dnf-arg", "--nogpgcheck", "-C", "project/avocado.yaml",
	})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	opts := a.sessionOptions("dev")
	if opts.Target != "qemuarm64" || !opts.NoStamps || opts.RunsOn != "dev@builder" || opts.NFSPort != 12100 {
		t.Errorf("session options = %+v", opts)
	}
	if opts.SDKArch != "aarch64" || opts.ConfigPath != "project/avocado.yaml" || opts.Runtime != "dev" {
		t.Errorf("session options = %+v", opts)
	}
	if len(opts.ContainerArgs) != 2 || opts.ContainerArgs[1] != "-v=/dev:/dev" || len(opts.DnfArgs) != 1 {
		t.Errorf("passthrough args = %v / %v", opts.ContainerArgs, opts.DnfArgs)
	}
	if opts.NFSPortMin != 12050 || opts.NFSPortMax != 12099 {
		t.Errorf("NFS range = %d-%d", opts.NFSPortMin, opts.NFSPortMax)
	}
}

func TestEngineErrorSurfaces(t *testing.T) {
	project := testutil.NewProject(t, "default_target: qemux86-64\nsdk:\n  image: example/sdk\n")
	_, err := execute(t, nil, "sdk", "install", "-C", project)
	if err == nil || !strings.Contains(err.Error(), "no container engine") {
		t.Fatalf("sdk install error = %v", err)
	}
}
