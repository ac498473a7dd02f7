// SPDX-License-Identifier: MPL-2.0

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/container"
)

const (
	connectTimeout = "ConnectTimeout=10"

	// sshFailureExit is the exit status ssh uses for its own errors.
	sshFailureExit = 255

	versionCheckCmd = "test -f ~/.profile && . ~/.profile; test -f ~/.bashrc && . ~/.bashrc; " +
		"avocado --version 2>/dev/null || echo 'not-installed'"
)

// execCommand creates ssh processes. Tests replace it.
var execCommand container.ExecCommandFunc = exec.CommandContext

// controlMasterWait bounds how long StartMaster waits for the socket.
var controlMasterWait = 3 * time.Second

type (
	// SSHOption configures an SSH client.
	SSHOption func(*SSH)

	// SSH runs commands on a host with the OpenSSH client.
	SSH struct {
		host        Host
		controlPath string
		execCommand container.ExecCommandFunc
	}

	// ControlMaster is a running multiplexing master. Close ends it.
	ControlMaster struct {
		ssh  *SSH
		cmd  *exec.Cmd
		path string
	}

	// Tunnel is a reverse Unix-socket forward.
	Tunnel struct {
		cmd          *exec.Cmd
		RemoteSocket string
	}
)

// WithControlPath multiplexes every command over an existing master.
func WithControlPath(path string) SSHOption {
	return func(s *SSH) { s.controlPath = path }
}

// WithSSHExecCommand sets the process factory, for tests.
func WithSSHExecCommand(fn container.ExecCommandFunc) SSHOption {
	return func(s *SSH) { s.execCommand = fn }
}

// NewSSH returns a client for host.
func NewSSH(host Host, opts ...SSHOption) *SSH {
	s := &SSH{
		host: host,
		execCommand: func(ctx context.Context, name string, arg ...string) *exec.Cmd {
			return execCommand(ctx, name, arg...)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Host returns the remote host.
func (s *SSH) Host() Host { return s.host }

// ControlPath returns the master socket in use, if any.
func (s *SSH) ControlPath() string { return s.controlPath }

func (s *SSH) baseArgs() []string {
	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if s.controlPath != "" {
		args = append(args, "-o", "ControlPath="+s.controlPath)
	}
	if s.host.Port != 0 {
		args = append(args, "-p", strconv.Itoa(s.host.Port))
	}
	return args
}

// Args builds an ssh argument list: base options, extra options, the
// destination, then the remote command if non-empty.
func (s *SSH) Args(command string, extra ...string) []string {
	args := append(s.baseArgs(), extra...)
	args = append(args, s.host.Target())
	if command != "" {
		args = append(args, command)
	}
	return args
}

// Output runs command remotely and returns its trimmed stdout.
func (s *SSH) Output(ctx context.Context, command string) (string, error) {
	log.Debug("running remote command", "host", s.host.Target(), "command", command)
	cmd := s.execCommand(ctx, "ssh", s.Args(command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: command on %s failed: %v: %s",
			ErrRemoteExecution, s.host.Target(), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Stream runs command remotely attached to the given streams and returns
// its exit status. A non-nil error means ssh itself could not run the
// command.
func (s *SSH) Stream(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer, tty bool) (int, error) {
	var extra []string
	if tty {
		extra = append(extra, "-t")
	}
	cmd := s.execCommand(ctx, "ssh", s.Args(command, extra...)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == sshFailureExit {
			return sshFailureExit, fmt.Errorf("%w: ssh connection to %s failed", ErrRemoteExecution, s.host.Target())
		}
		return exitErr.ExitCode(), nil
	}
	return 1, fmt.Errorf("%w: running ssh: %v", ErrRemoteExecution, err)
}

// CheckConnectivity verifies the host accepts a non-interactive login.
func (s *SSH) CheckConnectivity(ctx context.Context) error {
	cmd := s.execCommand(ctx, "ssh", s.Args("echo ok", "-o", connectTimeout)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: cannot connect to %s: %s", ErrRemoteExecution, s.host.Target(),
			strings.TrimSpace(stderr.String()))
	}
	return nil
}

// CheckCLIVersion returns the remote avocado version and fails when it is
// missing or older than local. Local hosts are not checked.
func (s *SSH) CheckCLIVersion(ctx context.Context, local string) (string, error) {
	if s.host.IsLocal() {
		return local, nil
	}
	cmd := s.execCommand(ctx, "ssh", s.Args(versionCheckCmd, "-o", connectTimeout)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: checking avocado version on %s: %s",
			ErrRemoteExecution, s.host.Target(), strings.TrimSpace(stderr.String()))
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" || out == "not-installed" {
		return "", fmt.Errorf("%w: avocado is not installed on %s; install avocado %s or later",
			ErrRemoteExecution, s.host.Target(), local)
	}
	remote := parseVersionOutput(out)
	if !VersionCompatible(local, remote) {
		return "", fmt.Errorf("%w: avocado %s on %s is older than local %s; upgrade it to %s or later",
			ErrRemoteExecution, remote, s.host.Target(), local, local)
	}
	return remote, nil
}

// Architecture returns uname -m of the remote host.
func (s *SSH) Architecture(ctx context.Context) (string, error) {
	return s.Output(ctx, "uname -m")
}

// StartMaster starts a control-master at path and returns a client
// multiplexed over it.
func (s *SSH) StartMaster(ctx context.Context, path string) (*ControlMaster, *SSH, error) {
	// The master outlives ctx; Close ends it.
	cmd := s.execCommand(context.WithoutCancel(ctx), "ssh", s.Args("",
		"-o", connectTimeout,
		"-M", "-N",
		"-o", "ControlPath="+path,
		"-o", "ControlPersist=yes",
	)...)
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("%w: starting ssh control-master: %v", ErrRemoteExecution, err)
	}
	m := &ControlMaster{ssh: s, cmd: cmd, path: path}
	mux := &SSH{host: s.host, controlPath: path, execCommand: s.execCommand}

	deadline := time.Now().Add(controlMasterWait)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return m, mux, nil
		}
		select {
		case <-ctx.Done():
			m.Close(context.WithoutCancel(ctx))
			return nil, nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	// The socket may live where we cannot stat it; ask the master directly.
	check := s.execCommand(ctx, "ssh", s.Args("", "-o", "ControlPath="+path, "-O", "check")...)
	if err := check.Run(); err != nil {
		m.Close(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("%w: ssh control-master for %s did not start", ErrRemoteExecution, s.host.Target())
	}
	return m, mux, nil
}

// Path returns the control socket path.
func (m *ControlMaster) Path() string { return m.path }

// Close asks the master to exit and reaps the process.
func (m *ControlMaster) Close(ctx context.Context) error {
	exit := m.ssh.execCommand(ctx, "ssh", m.ssh.Args("", "-o", "ControlPath="+m.path, "-O", "exit")...)
	err := exit.Run()
	if m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	_ = os.Remove(m.path)
	if err != nil {
		return fmt.Errorf("closing ssh control-master: %w", err)
	}
	return nil
}

// Forward starts a reverse forward exposing localSocket on the remote host
// at remoteSocket.
func (s *SSH) Forward(ctx context.Context, remoteSocket, localSocket string) (*Tunnel, error) {
	if _, err := os.Stat(localSocket); err != nil {
		return nil, fmt.Errorf("%w: local socket %s: %v", ErrRemoteExecution, localSocket, err)
	}
	cmd := s.execCommand(context.WithoutCancel(ctx), "ssh", s.Args("",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StreamLocalBindUnlink=yes",
		"-N",
		"-R", remoteSocket+":"+localSocket,
	)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting signing tunnel: %v", ErrRemoteExecution, err)
	}
	log.Debug("signing tunnel started", "remote", remoteSocket, "local", localSocket)
	return &Tunnel{cmd: cmd, RemoteSocket: remoteSocket}, nil
}

// Close stops the tunnel.
func (t *Tunnel) Close() error {
	if t.cmd.Process == nil {
		return nil
	}
	_ = t.cmd.Process.Kill()
	_ = t.cmd.Wait()
	return nil
}
