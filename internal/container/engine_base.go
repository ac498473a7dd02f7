// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strings"
)

// execCommand creates engine processes. Tests replace it, or pass
// WithExecCommand, to record invocations.
var execCommand ExecCommandFunc = exec.CommandContext

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// VolumeFormatFunc rewrites a volume mount spec. Podman uses it to add
	// SELinux labels.
	VolumeFormatFunc func(volume string) string

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine implements the Engine operations shared by CLI-driven
	// engines. Docker and Podman embed it.
	BaseCLIEngine struct {
		name            string
		binaryPath      string
		execCommand     ExecCommandFunc
		volumeFormatter VolumeFormatFunc
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// WithBinaryPath overrides the engine binary found on PATH.
func WithBinaryPath(path string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.binaryPath = path
	}
}

// WithVolumeFormatter sets a custom volume formatter function.
func WithVolumeFormatter(fn VolumeFormatFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.volumeFormatter = fn
	}
}

// NewBaseCLIEngine creates a base engine for the given binary.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath: binaryPath,
		execCommand: func(ctx context.Context, name string, arg ...string) *exec.Cmd {
			return execCommand(ctx, name, arg...)
		},
		volumeFormatter: func(v string) string { return v },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the path to the container engine binary.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// RunArgs constructs arguments for a container run command.
//
// Generated command: <binary> run [options] <image> [command...]
func (e *BaseCLIEngine) RunArgs(opts RunOptions) []string {
	return append([]string{"run"}, e.containerArgs(opts)...)
}

// CreateArgs constructs arguments for a container create command.
func (e *BaseCLIEngine) CreateArgs(opts RunOptions) []string {
	opts.Detach = false
	opts.Remove = false
	return append([]string{"create"}, e.containerArgs(opts)...)
}

func (e *BaseCLIEngine) containerArgs(opts RunOptions) []string {
	var args []string
	if opts.Remove {
		args = append(args, "--rm")
	}
	if opts.Detach {
		args = append(args, "-d")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.Interactive {
		args = append(args, "-i")
	}
	if opts.TTY {
		args = append(args, "-t")
	}
	if opts.Platform != "" {
		args = append(args, "--platform", opts.Platform)
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if opts.Privileged {
		args = append(args, "--privileged")
	}
	for _, d := range opts.Devices {
		args = append(args, "--device", d)
	}
	for _, c := range opts.CapAdd {
		args = append(args, "--cap-add", c)
	}
	for _, s := range opts.SecurityOpts {
		args = append(args, "--security-opt", s)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	if opts.Entrypoint != "" {
		args = append(args, "--entrypoint", opts.Entrypoint)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", e.volumeFormatter(v))
	}
	for _, p := range opts.Ports {
		args = append(args, "-p", p)
	}
	args = append(args, opts.ExtraArgs...)
	args = append(args, opts.Image)
	return append(args, opts.Command...)
}

// ExecArgs constructs arguments for a container exec command.
//
// Generated command: <binary> exec [options] <container> <command...>
func (e *BaseCLIEngine) ExecArgs(containerID string, command []string, opts RunOptions) []string {
	args := []string{"exec"}
	if opts.Interactive {
		args = append(args, "-i")
	}
	if opts.TTY {
		args = append(args, "-t")
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, containerID)
	return append(args, command...)
}

// VolumeCreateArgs constructs arguments for a volume create command.
func (e *BaseCLIEngine) VolumeCreateArgs(name string, opts VolumeOptions) []string {
	args := []string{"volume", "create"}
	if opts.Driver != "" {
		args = append(args, "--driver", opts.Driver)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.DriverOpts)) {
		args = append(args, "--opt", k+"="+opts.DriverOpts[k])
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	return append(args, name)
}

// RunCommand executes a command and returns its stdout.
func (e *BaseCLIEngine) RunCommand(ctx context.Context, args ...string) ([]byte, error) {
	cmd := e.CreateCommand(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, commandError(e.binaryPath, args, err, stderr.String())
	}
	return out, nil
}

// RunCommandStatus executes a command and returns only the error status.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	_, err := e.RunCommand(ctx, args...)
	return err
}

// RunCommandWithOutput executes a command and returns its trimmed stdout.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	out, err := e.RunCommand(ctx, args...)
	return strings.TrimSpace(string(out)), err
}

// CreateCommand creates an exec.Cmd for the given arguments.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// Run runs a command in a container. A non-zero exit code is captured in
// RunResult.ExitCode; only failures to start the engine set RunResult.Error.
//
// Cancelling ctx does not kill a step that already started: the engine
// client runs to completion so a package transaction is never cut short,
// and Run then returns ctx's error so no further step starts.
func (e *BaseCLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.Image == "" {
		return nil, errors.New("container image is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := e.CreateCommand(context.WithoutCancel(ctx), e.RunArgs(opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	var idBuf bytes.Buffer
	if opts.Detach && opts.Stdout == nil {
		cmd.Stdout = &idBuf
	}
	result := &RunResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Error = err
		}
	}
	result.ContainerID = strings.TrimSpace(idBuf.String())
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("interrupted after container step: %w", err)
	}
	return result, nil
}

// Create creates a container without starting it.
func (e *BaseCLIEngine) Create(ctx context.Context, opts RunOptions) (string, error) {
	return e.RunCommandWithOutput(ctx, e.CreateArgs(opts)...)
}

// Exec runs a command in a running container.
// Like Run, an exec that started is allowed to finish when ctx is cancelled.
func (e *BaseCLIEngine) Exec(ctx context.Context, containerID string, command []string, opts RunOptions) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := e.CreateCommand(context.WithoutCancel(ctx), e.ExecArgs(containerID, command, opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	result := &RunResult{ContainerID: containerID}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Error = err
		}
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("interrupted after container exec: %w", err)
	}
	return result, nil
}

// Copy copies files between a container and the host.
func (e *BaseCLIEngine) Copy(ctx context.Context, src, dst string) error {
	return e.RunCommandStatus(ctx, "cp", src, dst)
}

// Stop stops a running container.
func (e *BaseCLIEngine) Stop(ctx context.Context, containerID string) error {
	return e.RunCommandStatus(ctx, "stop", containerID)
}

// Remove removes a container.
func (e *BaseCLIEngine) Remove(ctx context.Context, containerID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return e.RunCommandStatus(ctx, append(args, containerID)...)
}

// ListContainers lists all container IDs, running or not, matching filters
// such as "volume=avo-1234".
func (e *BaseCLIEngine) ListContainers(ctx context.Context, filters ...string) ([]string, error) {
	args := []string{"ps", "-a", "-q"}
	for _, f := range filters {
		args = append(args, "--filter", f)
	}
	out, err := e.RunCommandWithOutput(ctx, args...)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// VolumeCreate creates a named volume.
func (e *BaseCLIEngine) VolumeCreate(ctx context.Context, name string, opts VolumeOptions) error {
	return e.RunCommandStatus(ctx, e.VolumeCreateArgs(name, opts)...)
}

// VolumeExists reports whether a named volume exists. Inspect failures are
// treated as absence.
func (e *BaseCLIEngine) VolumeExists(ctx context.Context, name string) (bool, error) {
	err := e.RunCommandStatus(ctx, "volume", "inspect", name)
	if err == nil {
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, nil
}

// VolumeInspect renders a volume field with a Go template.
func (e *BaseCLIEngine) VolumeInspect(ctx context.Context, name, format string) (string, error) {
	return e.RunCommandWithOutput(ctx, "volume", "inspect", "--format", format, name)
}

// VolumeList lists volume names matching filters such as "name=avo-".
func (e *BaseCLIEngine) VolumeList(ctx context.Context, filters ...string) ([]string, error) {
	args := []string{"volume", "ls", "-q"}
	for _, f := range filters {
		args = append(args, "--filter", f)
	}
	out, err := e.RunCommandWithOutput(ctx, args...)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// VolumeRemove removes a named volume.
func (e *BaseCLIEngine) VolumeRemove(ctx context.Context, name string, force bool) error {
	args := []string{"volume", "rm"}
	if force {
		args = append(args, "-f")
	}
	return e.RunCommandStatus(ctx, append(args, name)...)
}

// CommandError is a failed engine CLI invocation.
type CommandError struct {
	Binary string
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s %s failed: %v", e.Binary, strings.Join(e.Args, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func commandError(binary string, args []string, err error, stderr string) error {
	return &CommandError{Binary: binary, Args: args, Stderr: stderr, Err: err}
}
