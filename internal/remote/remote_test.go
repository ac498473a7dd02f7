// SPDX-License-Identifier: MPL-2.0

package remote

import (
	"bytes"
	"context"
	"errors"
	"net"
	"slices"
	"strings"
	"testing"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/testutil"
)

func TestHelperProcess(t *testing.T) { testutil.HelperProcess() }

func mockSSH(t *testing.T, host Host) (*SSH, *testutil.CommandRecorder) {
	t.Helper()
	rec := &testutil.CommandRecorder{}
	return NewSSH(host, WithSSHExecCommand(rec.CommandContext(t))), rec
}

func TestSSHArgs(t *testing.T) {
	t.Parallel()

	s := NewSSH(Host{User: "root", Name: "10.0.0.5", Port: 2222}, WithControlPath("/tmp/cm"))
	got := s.Args("uname -m", "-t")
	want := []string{
		"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new",
		"-o", "ControlPath=/tmp/cm", "-p", "2222", "-t", "root@10.0.0.5", "uname -m",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
}

func TestCheckCLIVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stdout  string
		exit    int
		want    string
		wantErr string
	}{
		{name: "newer", stdout: "avocado 0.21.0\n", want: "0.21.0"},
		{name: "older", stdout: "avocado 0.19.0\n", wantErr: "older than local"},
		{name: "missing", stdout: "not-installed\n", wantErr: "not installed"},
		{name: "ssh failure", exit: 255, wantErr: "checking avocado version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, rec := mockSSH(t, Host{User: "ci", Name: "builder"})
			rec.Default = testutil.Response{Stdout: tt.stdout, ExitCode: tt.exit}
			got, err := s.CheckCLIVersion(context.Background(), "0.20.0")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) || !errors.Is(err, ErrRemoteExecution) {
					t.Fatalf("CheckCLIVersion() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("CheckCLIVersion() = %q, %v", got, err)
			}
		})
	}
}

func TestCheckCLIVersionSkipsLocalhost(t *testing.T) {
	t.Parallel()

	s, rec := mockSSH(t, Host{Name: "localhost"})
	if v, err := s.CheckCLIVersion(context.Background(), "1.0.0"); err != nil || v != "1.0.0" {
		t.Errorf("CheckCLIVersion() = %q, %v", v, err)
	}
	if len(rec.Lines()) != 0 {
		t.Errorf("unexpected ssh calls: %v", rec.Lines())
	}
}

func TestStreamExitCodes(t *testing.T) {
	t.Parallel()

	s, rec := mockSSH(t, Host{Name: "builder"})
	rec.On("exit 3", "", 3).On("unreachable", "", 255)

	code, err := s.Stream(context.Background(), "exit 3", nil, &bytes.Buffer{}, &bytes.Buffer{}, false)
	if err != nil || code != 3 {
		t.Errorf("Stream(exit 3) = %d, %v", code, err)
	}
	_, err = s.Stream(context.Background(), "unreachable", nil, &bytes.Buffer{}, &bytes.Buffer{}, false)
	if !errors.Is(err, ErrRemoteExecution) {
		t.Errorf("Stream(255) error = %v", err)
	}
}

func TestGaneshaConfig(t *testing.T) {
	t.Parallel()

	cfg := NFSConfig{
		Port: 12050,
		Exports: []Export{
			{ID: 1, Path: "/export/src", Pseudo: "/src"},
			{ID: 2, Path: "/export/state", Pseudo: "/state"},
		},
	}
	out := cfg.GaneshaConfig()
	for _, want := range []string{
		"NFS_Port = 12050;",
		"Bind_addr = 0.0.0.0;",
		"Default_Log_Level = EVENT;",
		"Export_Id = 1;\n  Path = /export/src;\n  Pseudo = /src;",
		"Export_Id = 2;\n  Path = /export/state;\n  Pseudo = /state;",
		"Squash = No_Root_Squash;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("GaneshaConfig() missing %q", want)
		}
	}
}

func TestChoosePort(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	if _, err := ChoosePort(busy, DefaultPortMin, DefaultPortMax); !errors.Is(err, ErrRemoteExecution) {
		t.Errorf("ChoosePort(busy) error = %v", err)
	}
	if _, err := ChoosePort(0, busy, busy); err == nil {
		t.Error("ChoosePort over a fully used range should fail")
	}
}

func newTestContext(t *testing.T) (*Context, *testutil.CommandRecorder) {
	t.Helper()
	s, rec := mockSSH(t, Host{User: "ci", Name: "builder"})
	return &Context{
		host:        s.Host(),
		session:     "abcd1234",
		tool:        "docker",
		engine:      container.NewBaseCLIEngine("docker"),
		direct:      s,
		ssh:         s,
		srcVolume:   "avocado-src-abcd1234",
		stateVolume: "avocado-state-abcd1234",
		stdout:      &bytes.Buffer{},
		stderr:      &bytes.Buffer{},
	}, rec
}

func TestContextOptions(t *testing.T) {
	t.Parallel()

	c, _ := newTestContext(t)
	c.tunnel = &Tunnel{RemoteSocket: "/tmp/avocado-sign-abcd1234.sock"}
	opts := c.Options(container.RunConfig{Image: "sdk", Target: "qemux86-64", Command: "true", SDKArch: "aarch64"})

	wantVolumes := []string{
		"avocado-src-abcd1234:/mnt/src:rw",
		"avocado-state-abcd1234:/opt/_avocado:rw",
		"/tmp/avocado-sign-abcd1234.sock:" + container.SigningSocketPath,
	}
	if !slices.Equal(opts.Volumes, wantVolumes) {
		t.Errorf("Volumes = %v", opts.Volumes)
	}
	if !slices.Equal(opts.Devices, []string{"/dev/fuse"}) || !slices.Equal(opts.CapAdd, []string{"SYS_ADMIN"}) {
		t.Errorf("devices/caps = %v %v", opts.Devices, opts.CapAdd)
	}
	if opts.Platform != "linux/arm64" || opts.Env["AVOCADO_SIGNING_SOCKET"] != container.SigningSocketPath {
		t.Errorf("platform=%q env=%v", opts.Platform, opts.Env)
	}
	script := opts.Command[len(opts.Command)-1]
	if err := shell.Validate(script); err != nil {
		t.Fatalf("remote script invalid: %v", err)
	}
	if !strings.Contains(script, "bindfs -o ro") || !strings.Contains(script, "cd /opt/src") {
		t.Errorf("remote script lacks source remap:\n%s", script)
	}
}

func TestContextRunStepError(t *testing.T) {
	t.Parallel()

	c, rec := newTestContext(t)
	rec.Default = testutil.Response{ExitCode: 1, Stderr: "Error: nothing provides libfoo\n"}
	err := c.Run(context.Background(), container.RunConfig{Image: "sdk", Target: "qemux86-64", Command: "dnf install foo"})
	var step *container.StepError
	if !errors.As(err, &step) {
		t.Fatalf("Run() error = %v, want StepError", err)
	}
	if step.ExitCode != 1 || step.Engine != "docker@ci@builder" || !strings.Contains(step.StderrTail, "libfoo") {
		t.Errorf("StepError = %+v", step)
	}
	inv, ok := rec.Find("docker run")
	if !ok {
		t.Fatalf("no docker run invocation in %v", rec.Lines())
	}
	if last := inv.Args[len(inv.Args)-1]; !strings.HasPrefix(last, "docker run --rm") {
		t.Errorf("remote command = %q", last)
	}
}

func TestContextRunWithOutput(t *testing.T) {
	t.Parallel()

	c, rec := newTestContext(t)
	rec.Default = testutil.Response{Stdout: "x86_64\n"}
	out, err := c.RunWithOutput(context.Background(), container.RunConfig{Image: "sdk", Target: "t", Command: "uname -m"})
	if err != nil || out != "x86_64\n" {
		t.Errorf("RunWithOutput() = %q, %v", out, err)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	t.Parallel()

	c, rec := newTestContext(t)
	engineRec := &testutil.CommandRecorder{}
	engine := container.NewDockerEngine(container.WithBinaryPath("docker"), container.WithExecCommand(engineRec.CommandContext(t)))
	c.nfs = &NFSServer{engine: engine, name: "avocado-nfs-1", configDir: t.TempDir(), Port: 12050}

	if err := c.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	lines := rec.Lines()
	for _, vol := range []string{"avocado-src-abcd1234", "avocado-state-abcd1234"} {
		if !slices.ContainsFunc(lines, func(l string) bool { return strings.HasSuffix(l, "docker volume rm -f "+vol) }) {
			t.Errorf("volume %s not removed: %v", vol, lines)
		}
	}
	if got := engineRec.Lines(); len(got) != 2 || !strings.HasSuffix(got[1], "rm -f avocado-nfs-1") {
		t.Errorf("NFS server teardown = %v", got)
	}

	before := len(rec.Lines())
	if err := c.Teardown(context.Background()); err != nil {
		t.Fatalf("second Teardown() error = %v", err)
	}
	if len(rec.Lines()) != before {
		t.Error("second Teardown() issued commands")
	}
}

func TestTeardownContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	c, rec := newTestContext(t)
	rec.On("volume rm -f avocado-src", "", 1)
	err := c.Teardown(context.Background())
	if err == nil {
		t.Fatal("Teardown() should report the failed volume removal")
	}
	if !slices.ContainsFunc(rec.Lines(), func(l string) bool { return strings.Contains(l, "avocado-state-abcd1234") }) {
		t.Error("state volume removal was skipped after the first failure")
	}
	src, state := c.Volumes()
	if src != "" || state != "" {
		t.Errorf("volumes still recorded: %q %q", src, state)
	}
}
