// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/shell"
)

func TestOptionsMountsAndEntrypoint(t *testing.T) {
	t.Parallel()

	r := NewSDKRunner(nil, "/work/proj", "avo-1", WithSigningSocket("/tmp/sign.sock"))
	opts := r.Options(RunConfig{Image: "sdk:latest", Target: "qemux86-64", Command: "true"})

	wantVolumes := []string{
		"/work/proj:/opt/src:ro",
		"avo-1:/opt/_avocado",
		"/tmp/sign.sock:" + SigningSocketPath,
	}
	if !slices.Equal(opts.Volumes, wantVolumes) {
		t.Errorf("Volumes = %v, want %v", opts.Volumes, wantVolumes)
	}
	if !opts.Remove {
		t.Error("steps should be removed by default")
	}
	if opts.Entrypoint != "/bin/bash" || opts.Command[0] != "-c" {
		t.Errorf("entrypoint = %q, command = %v", opts.Entrypoint, opts.Command[:1])
	}
	if opts.Env["AVOCADO_SIGNING_SOCKET"] != SigningSocketPath {
		t.Errorf("signing socket env = %q", opts.Env["AVOCADO_SIGNING_SOCKET"])
	}

	opts = r.Options(RunConfig{Image: "sdk", MutateSources: true, UseEntrypoint: true, KeepContainer: true})
	if opts.Volumes[0] != "/work/proj:/opt/src:rw" {
		t.Errorf("mutable source mount = %q", opts.Volumes[0])
	}
	if opts.Remove || opts.Entrypoint != "" || !slices.Equal(opts.Command[:2], []string{"bash", "-c"}) {
		t.Errorf("entrypoint mode options = %+v", opts)
	}
}

func TestOptionsStepSigningSocket(t *testing.T) {
	t.Parallel()

	r := NewSDKRunner(nil, "/work/proj", "avo-1")
	opts := r.Options(RunConfig{Image: "sdk", Command: "true"})
	if len(opts.Volumes) != 2 {
		t.Errorf("Volumes = %v, want no signing socket", opts.Volumes)
	}
	opts = r.Options(RunConfig{Image: "sdk", Command: "true", SigningSocket: "/tmp/step.sock"})
	if !slices.Contains(opts.Volumes, "/tmp/step.sock:"+SigningSocketPath) {
		t.Errorf("Volumes = %v, want the step socket", opts.Volumes)
	}
}

func TestStepEnv(t *testing.T) {
	t.Parallel()

	env := StepEnv(RunConfig{
		Target:                  "raspberrypi4",
		SDKArch:                 "aarch64",
		RepoURL:                 "https://repo.example",
		RepoRelease:             "2024",
		DisableWeakDependencies: true,
		DnfArgs:                 []string{"--nogpgcheck", "-v"},
		Env:                     map[string]string{"AVOCADO_TARGET": "override", "X": "1"},
	})
	want := map[string]string{
		"AVOCADO_TARGET":            "override",
		"AVOCADO_SDK_ARCH":          "aarch64",
		"AVOCADO_SDK_REPO_URL":      "https://repo.example",
		"AVOCADO_SDK_REPO_RELEASE":  "2024",
		"AVOCADO_DISABLE_WEAK_DEPS": "1",
		"AVOCADO_DNF_ARGS":          "--nogpgcheck -v",
		"X":                         "1",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, env[k], v)
		}
	}
	if _, ok := env["AVOCADO_VERBOSE"]; ok {
		t.Error("AVOCADO_VERBOSE set without Verbose")
	}
}

func TestPlatform(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":        "",
		"x86_64":  "linux/amd64",
		"aarch64": "linux/arm64",
		"armv7":   "linux/arm/v7",
		"riscv64": "linux/riscv64",
		"s390x":   "linux/s390x",
	}
	for arch, want := range tests {
		if got := Platform(arch); got != want {
			t.Errorf("Platform(%q) = %q, want %q", arch, got, want)
		}
	}
}

func TestScript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      RunConfig
		contains []string
		excludes []string
	}{
		{
			name:     "default",
			cfg:      RunConfig{Command: "echo hi"},
			contains: []string{"export AVOCADO_PREFIX=", "cd /opt/src", "echo hi"},
			excludes: []string{"environment-setup\"\nfi"},
		},
		{
			name:     "environment setup",
			cfg:      RunConfig{Command: "make", SourceEnvironment: true},
			contains: []string{`. "${AVOCADO_SDK_PREFIX}/environment-setup"`},
		},
		{
			name:     "extension sysroot",
			cfg:      RunConfig{Command: "ls", ExtensionSysroot: "app"},
			contains: []string{"mkdir -p", "extensions/app", "cd \""},
			excludes: []string{"cd /opt/src"},
		},
		{
			name:     "runtime sysroot",
			cfg:      RunConfig{Command: "ls", RuntimeSysroot: "dev"},
			contains: []string{"runtimes/dev"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := Script(tt.cfg)
			if err := shell.Validate(s); err != nil {
				t.Fatalf("Script() is not valid bash: %v\n%s", err, s)
			}
			for _, c := range tt.contains {
				if !strings.Contains(s, c) {
					t.Errorf("Script() missing %q", c)
				}
			}
			for _, c := range tt.excludes {
				if strings.Contains(s, c) {
					t.Errorf("Script() unexpectedly contains %q", c)
				}
			}
		})
	}

	if got := Script(RunConfig{Command: "uname -m", NoBootstrap: true}); got != "uname -m" {
		t.Errorf("NoBootstrap Script() = %q", got)
	}
}

func TestSDKRunnerStepError(t *testing.T) {
	t.Parallel()

	e, rec := newMockEngine(t)
	rec.ExitCode = 1
	rec.Stderr = "line one\nError: Unable to find a match: missing-pkg\n"
	var stderr bytes.Buffer
	r := NewSDKRunner(e, "/src", "avo-1", WithStdio(nil, &bytes.Buffer{}, &stderr))

	err := r.Run(context.Background(), RunConfig{Image: "sdk", Target: "qemux86-64", Command: "dnf install missing-pkg"})
	var step *StepError
	if !errors.As(err, &step) {
		t.Fatalf("Run() error = %v, want *StepError", err)
	}
	if !errors.Is(err, ErrContainer) {
		t.Error("StepError should match ErrContainer")
	}
	if step.ExitCode != 1 || step.Engine != "docker" || step.Target != "qemux86-64" {
		t.Errorf("StepError = %+v", step)
	}
	if !strings.Contains(step.StderrTail, "Unable to find a match") {
		t.Errorf("StderrTail = %q", step.StderrTail)
	}
	if !strings.Contains(stderr.String(), "line one") {
		t.Errorf("stderr not forwarded: %q", stderr.String())
	}
	if IsTransientError(err) {
		t.Error("a failed dnf step must not be retried")
	}
}

func TestSDKRunnerRunWithOutput(t *testing.T) {
	t.Parallel()

	e, rec := newMockEngine(t)
	rec.Stdout = "avocado-sdk-toolchain 1.0-r0.x86_64\n"
	rec.Stderr = "noise\n"
	var stderr bytes.Buffer
	r := NewSDKRunner(e, "/src", "avo-1", WithStdio(nil, nil, &stderr))

	out, err := r.RunWithOutput(context.Background(), RunConfig{Image: "sdk", Target: "t", Command: "rpm -q x", Interactive: true})
	if err != nil {
		t.Fatalf("RunWithOutput() error = %v", err)
	}
	if out != "avocado-sdk-toolchain 1.0-r0.x86_64\n" {
		t.Errorf("output = %q", out)
	}
	if stderr.Len() != 0 {
		t.Errorf("stderr shown outside verbose mode: %q", stderr.String())
	}
	rec.AssertArgsNotContain(t, " -t ")
}

func TestTailWriter(t *testing.T) {
	t.Parallel()

	w := NewTailWriter(2)
	for _, chunk := range []string{"a\nb", "\nc\n", "partial"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if got := w.String(); got != "c\npartial" {
		t.Errorf("String() = %q", got)
	}
}
