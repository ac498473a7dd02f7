// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Container-side mount points and paths.
const (
	SrcMount          = "/opt/src"
	VolumeMount       = "/opt/_avocado"
	SigningSocketPath = "/var/run/avocado-signing.sock"

	// StderrTailLines is how much stderr a StepError keeps.
	StderrTailLines = 20
)

// ErrContainer marks a container step that exited non-zero.
var ErrContainer = errors.New("container step failed")

type (
	// RunConfig describes one SDK container step.
	RunConfig struct {
		Image   string
		Target  string
		Command string

		ContainerName string
		Detach        bool
		// KeepContainer skips --rm.
		KeepContainer bool
		Verbose       bool
		Interactive   bool

		// SourceEnvironment sources the SDK environment-setup file.
		SourceEnvironment bool
		// UseEntrypoint keeps the image entrypoint and passes bash -c to it.
		UseEntrypoint bool
		// NoBootstrap runs Command without the SDK preamble.
		NoBootstrap bool
		// MutateSources mounts the source tree read-write.
		MutateSources bool

		RepoURL                 string
		RepoRelease             string
		ContainerArgs           []string
		DnfArgs                 []string
		DisableWeakDependencies bool
		Env                     map[string]string

		// ExtensionSysroot or RuntimeSysroot makes that sysroot the working
		// directory.
		ExtensionSysroot string
		RuntimeSysroot   string

		// SDKArch requests an emulated SDK host architecture.
		SDKArch string

		// SigningSocket is a host Unix socket mounted at SigningSocketPath
		// for this step only.
		SigningSocket string

		Stdout io.Writer
		Stderr io.Writer
	}

	// Executor runs container steps, locally or on a remote host.
	Executor interface {
		// Run runs the step and returns *StepError on a non-zero exit.
		Run(ctx context.Context, cfg RunConfig) error
		// RunWithOutput runs the step and returns its stdout.
		RunWithOutput(ctx context.Context, cfg RunConfig) (string, error)
	}

	// StepError reports a container step that exited non-zero.
	StepError struct {
		Engine     string
		Image      string
		Target     string
		ExitCode   int
		StderrTail string
		Err        error
	}

	// RunnerOption configures an SDKRunner.
	RunnerOption func(*SDKRunner)

	// SDKRunner runs steps in the SDK image with the project source and
	// build volume mounted.
	SDKRunner struct {
		engine        Engine
		srcDir        string
		volume        string
		signingSocket string
		stdin         io.Reader
		stdout        io.Writer
		stderr        io.Writer
	}
)

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "container step failed with exit code %d (image %s", e.ExitCode, e.Image)
	if e.Target != "" {
		fmt.Fprintf(&b, ", target %s", e.Target)
	}
	b.WriteString(")")
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		b.WriteString("\n")
		b.WriteString(tail)
	}
	return b.String()
}

// Is matches ErrContainer.
func (e *StepError) Is(target error) bool { return target == ErrContainer }

func (e *StepError) Unwrap() error { return e.Err }

// WithStdio sets the streams container steps are attached to.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) RunnerOption {
	return func(r *SDKRunner) {
		r.stdin, r.stdout, r.stderr = stdin, stdout, stderr
	}
}

// WithSigningSocket mounts a host Unix socket at SigningSocketPath.
func WithSigningSocket(hostPath string) RunnerOption {
	return func(r *SDKRunner) {
		r.signingSocket = hostPath
	}
}

// NewSDKRunner returns a runner mounting srcDir and the named volume.
func NewSDKRunner(engine Engine, srcDir, volume string, opts ...RunnerOption) *SDKRunner {
	r := &SDKRunner{
		engine: engine,
		srcDir: srcDir,
		volume: volume,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Engine returns the underlying container engine.
func (r *SDKRunner) Engine() Engine { return r.engine }

// Volume returns the build volume name.
func (r *SDKRunner) Volume() string { return r.volume }

// SrcDir returns the host source directory.
func (r *SDKRunner) SrcDir() string { return r.srcDir }

// Options translates cfg into engine run options.
func (r *SDKRunner) Options(cfg RunConfig) RunOptions {
	srcMode := "ro"
	if cfg.MutateSources {
		srcMode = "rw"
	}
	env := StepEnv(cfg)
	volumes := []string{
		fmt.Sprintf("%s:%s:%s", r.srcDir, SrcMount, srcMode),
		fmt.Sprintf("%s:%s", r.volume, VolumeMount),
	}
	socket := cfg.SigningSocket
	if socket == "" {
		socket = r.signingSocket
	}
	if socket != "" {
		volumes = append(volumes, socket+":"+SigningSocketPath)
		env["AVOCADO_SIGNING_SOCKET"] = SigningSocketPath
	}
	opts := RunOptions{
		Image:       cfg.Image,
		Name:        cfg.ContainerName,
		Detach:      cfg.Detach,
		Remove:      !cfg.KeepContainer,
		Interactive: cfg.Interactive,
		TTY:         cfg.Interactive,
		Env:         env,
		Volumes:     volumes,
		Platform:    Platform(cfg.SDKArch),
		ExtraArgs:   cfg.ContainerArgs,
	}
	opts.Entrypoint, opts.Command = EntrypointCommand(cfg, Script(cfg))
	return opts
}

// EntrypointCommand returns the entrypoint override and command that run
// script. With UseEntrypoint the image entrypoint is kept and receives
// bash -c; otherwise bash replaces it.
func EntrypointCommand(cfg RunConfig, script string) (string, []string) {
	if cfg.UseEntrypoint {
		return "", []string{"bash", "-c", script}
	}
	return "/bin/bash", []string{"-c", script}
}

// StepEnv is the environment passed to a step's container.
func StepEnv(cfg RunConfig) map[string]string {
	env := map[string]string{"AVOCADO_TARGET": cfg.Target}
	if cfg.SDKArch != "" {
		env["AVOCADO_SDK_ARCH"] = cfg.SDKArch
	}
	if cfg.RepoURL != "" {
		env["AVOCADO_SDK_REPO_URL"] = cfg.RepoURL
	}
	if cfg.RepoRelease != "" {
		env["AVOCADO_SDK_REPO_RELEASE"] = cfg.RepoRelease
	}
	if cfg.DisableWeakDependencies {
		env["AVOCADO_DISABLE_WEAK_DEPS"] = "1"
	}
	if len(cfg.DnfArgs) > 0 {
		env["AVOCADO_DNF_ARGS"] = strings.Join(cfg.DnfArgs, " ")
	}
	if cfg.Verbose {
		env["AVOCADO_VERBOSE"] = "1"
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	return env
}

// Platform maps an SDK architecture to a container platform string.
func Platform(sdkArch string) string {
	switch sdkArch {
	case "":
		return ""
	case "x86_64", "amd64":
		return "linux/amd64"
	case "aarch64", "arm64":
		return "linux/arm64"
	case "armv7", "armv7l", "arm":
		return "linux/arm/v7"
	case "riscv64":
		return "linux/riscv64"
	default:
		return "linux/" + sdkArch
	}
}

// Run runs cfg and returns *StepError when it exits non-zero.
func (r *SDKRunner) Run(ctx context.Context, cfg RunConfig) error {
	opts := r.Options(cfg)
	tail := NewTailWriter(StderrTailLines)
	opts.Stdout = firstWriter(cfg.Stdout, r.stdout)
	opts.Stderr = io.MultiWriter(firstWriter(cfg.Stderr, r.stderr), tail)
	if cfg.Interactive {
		opts.Stdin = r.stdin
	}
	return r.run(ctx, opts, cfg, tail)
}

// RunWithOutput runs cfg with stdout captured. Stderr is shown only in
// verbose mode but is kept for error reports.
func (r *SDKRunner) RunWithOutput(ctx context.Context, cfg RunConfig) (string, error) {
	opts := r.Options(cfg)
	opts.Interactive, opts.TTY = false, false
	var out bytes.Buffer
	tail := NewTailWriter(StderrTailLines)
	opts.Stdout = &out
	if cfg.Verbose {
		opts.Stderr = io.MultiWriter(firstWriter(cfg.Stderr, r.stderr), tail)
	} else {
		opts.Stderr = tail
	}
	if err := r.run(ctx, opts, cfg, tail); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (r *SDKRunner) run(ctx context.Context, opts RunOptions, cfg RunConfig, tail *TailWriter) error {
	log.Debug("running container step", "engine", r.engine.Name(), "image", cfg.Image, "target", cfg.Target, "volume", r.volume)
	res, err := r.engine.Run(ctx, opts)
	if err != nil {
		return err
	}
	if res.Error != nil || res.ExitCode != 0 {
		return &StepError{
			Engine:     r.engine.Name(),
			Image:      cfg.Image,
			Target:     cfg.Target,
			ExitCode:   res.ExitCode,
			StderrTail: tail.String(),
			Err:        res.Error,
		}
	}
	return nil
}

func firstWriter(ws ...io.Writer) io.Writer {
	for _, w := range ws {
		if w != nil {
			return w
		}
	}
	return io.Discard
}

// TailWriter keeps the last n lines written to it. Step errors carry the
// tail of stderr.
type TailWriter struct {
	n       int
	lines   []string
	partial []byte
}

func NewTailWriter(n int) *TailWriter {
	return &TailWriter{n: n}
}

func (t *TailWriter) Write(p []byte) (int, error) {
	data := append(t.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.lines = append(t.lines, string(data[:i]))
		data = data[i+1:]
	}
	t.partial = append([]byte(nil), data...)
	if len(t.lines) > t.n {
		t.lines = append([]string(nil), t.lines[len(t.lines)-t.n:]...)
	}
	return len(p), nil
}

func (t *TailWriter) String() string {
	lines := t.lines
	if len(t.partial) > 0 {
		lines = append(append([]string(nil), lines...), string(t.partial))
	}
	if len(lines) > t.n {
		lines = lines[len(lines)-t.n:]
	}
	return strings.Join(lines, "\n")
}
