// SPDX-License-Identifier: MPL-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/issue"
	"github.com/avocado-linux/avocado-cli/internal/shell"
)

const (
	// RemoteSrcMount is where the NFS source volume is mounted before it is
	// remapped onto /opt/src.
	RemoteSrcMount = "/mnt/src"

	healthCheckImage = "docker.io/library/alpine:latest"
	nfsMountOptions  = "rw,nfsvers=4,hard,timeo=600,retrans=5,actimeo=3,lookupcache=positive,noatime,nconnect=4"

	exportSrc   = "/export/src"
	exportState = "/export/state"
)

// ErrRemoteExecution marks failures of SSH, NFS, or remote volume setup.
var ErrRemoteExecution = errors.New("remote execution failed")

type (
	// Options configures Setup.
	Options struct {
		// RunsOn is user@host[:port].
		RunsOn string
		// NFSPort is an explicit port; 0 picks one from PortMin..PortMax.
		NFSPort          int
		PortMin, PortMax int
		// SrcDir and Volume are the local source tree and build volume
		// exported to the remote host.
		SrcDir string
		Volume string
		// Engine runs the local NFS server container; its name is also the
		// container tool invoked on the remote host.
		Engine container.Engine
		// Image runs the NFS server and carries ganesha.nfsd.
		Image      string
		CLIVersion string
		// LocalIP skips route detection when set.
		LocalIP net.IP

		Stdin          io.Reader
		Stdout, Stderr io.Writer
		SSHOptions     []SSHOption
	}

	// Context is an established remote execution environment.
	Context struct {
		mu sync.Mutex

		host    Host
		session string
		tool    string
		engine  *container.BaseCLIEngine

		direct *SSH
		ssh    *SSH
		master *ControlMaster
		nfs    *NFSServer
		tunnel *Tunnel

		srcVolume   string
		stateVolume string

		stdin          io.Reader
		stdout, stderr io.Writer
	}
)

var _ container.Executor = (*Context)(nil)

// Setup establishes the remote context. On failure, whatever was already
// set up is torn down before the error is returned.
func Setup(ctx context.Context, opts Options) (*Context, error) {
	host, err := ParseHost(opts.RunsOn)
	if err != nil {
		return nil, setupError(opts.RunsOn, err)
	}
	if opts.PortMin == 0 || opts.PortMax == 0 {
		opts.PortMin, opts.PortMax = DefaultPortMin, DefaultPortMax
	}
	tool := opts.Engine.Name()
	c := &Context{
		host:    host,
		session: strings.Split(uuid.NewString(), "-")[0],
		tool:    tool,
		engine:  container.NewBaseCLIEngine(tool),
		direct:  NewSSH(host, opts.SSHOptions...),
		stdin:   opts.Stdin,
		stdout:  opts.Stdout,
		stderr:  opts.Stderr,
	}
	if c.stdout == nil {
		c.stdout = os.Stdout
	}
	if c.stderr == nil {
		c.stderr = os.Stderr
	}
	if err := c.setup(ctx, opts); err != nil {
		if tdErr := c.Teardown(ctx); tdErr != nil {
			log.Warn("partial remote teardown", "err", tdErr)
		}
		return nil, setupError(host.String(), err)
	}
	return c, nil
}

func setupError(resource string, err error) error {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return err
	}
	return issue.NewErrorContext().
		WithOperation("set up remote execution").
		WithResource(resource).
		WithSuggestions(
			"Check that 'ssh "+resource+"' works without a password prompt",
			"Make sure the remote host has docker or podman and the same avocado version",
		).
		WithGuide(issue.RemoteSetupFailedId).
		Wrap(err).
		BuildError()
}

func (c *Context) setup(ctx context.Context, opts Options) error {
	log.Info("remote execution mode", "host", c.host.Target())
	if err := c.direct.CheckConnectivity(ctx); err != nil {
		return err
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("avocado-ssh-%s-%s", c.host.Name, c.session))
	master, mux, err := c.direct.StartMaster(ctx, path)
	if err != nil {
		return err
	}
	c.master, c.ssh = master, mux

	version, err := c.ssh.CheckCLIVersion(ctx, opts.CLIVersion)
	if err != nil {
		return err
	}
	log.Debug("remote avocado version", "version", version)

	port, err := ChoosePort(opts.NFSPort, opts.PortMin, opts.PortMax)
	if err != nil {
		return err
	}
	ip := opts.LocalIP
	if ip == nil {
		if ip, err = LocalIPFor(ctx, c.ssh); err != nil {
			return err
		}
	}
	log.Debug("NFS endpoint", "ip", ip, "port", port)

	cfg := NFSConfig{
		Port: port,
		Exports: []Export{
			{ID: 1, Path: exportSrc, Pseudo: "/src"},
			{ID: 2, Path: exportState, Pseudo: "/state"},
		},
	}
	mounts := []string{opts.SrcDir + ":" + exportSrc, opts.Volume + ":" + exportState}
	if c.nfs, err = StartNFSServer(ctx, opts.Engine, opts.Image, cfg, mounts); err != nil {
		return err
	}

	src := "avocado-src-" + c.session
	if err := c.createNFSVolume(ctx, src, ip.String(), port, "/src"); err != nil {
		return err
	}
	c.srcVolume = src
	state := "avocado-state-" + c.session
	if err := c.createNFSVolume(ctx, state, ip.String(), port, "/state"); err != nil {
		return err
	}
	c.stateVolume = state
	log.Info("remote volumes ready", "src", opts.SrcDir, "volume", opts.Volume, "host", c.host.Target())
	return nil
}

func (c *Context) remoteCommand(args ...string) string {
	return shell.QuoteAll(append([]string{c.tool}, args...)...)
}

func (c *Context) createNFSVolume(ctx context.Context, name, ip string, port int, export string) error {
	create := c.remoteCommand(c.engine.VolumeCreateArgs(name, container.VolumeOptions{
		Driver: "local",
		DriverOpts: map[string]string{
			"type":   "nfs",
			"o":      fmt.Sprintf("addr=%s,port=%d,%s", ip, port, nfsMountOptions),
			"device": ":" + export,
		},
		Labels: map[string]string{"avocado.session": c.session},
	})...)
	err := container.RetryWithBackoff(ctx, 3, 2*time.Second, func(attempt int) (bool, error) {
		if attempt > 0 {
			log.Debug("retrying NFS volume creation", "volume", name, "attempt", attempt+1)
		}
		_, err := c.ssh.Output(ctx, create)
		return ctx.Err() == nil, err
	})
	if err != nil {
		return fmt.Errorf("creating NFS volume %s on %s: %w", name, c.host.Target(), err)
	}
	check := c.remoteCommand("run", "--rm", "-v", name+":/test:rw", healthCheckImage,
		"sh", "-c", "touch /test/.nfs-health-check && rm /test/.nfs-health-check")
	if _, err := c.ssh.Output(ctx, check); err != nil {
		_, _ = c.ssh.Output(context.WithoutCancel(ctx), c.remoteCommand("volume", "rm", "-f", name))
		return fmt.Errorf("NFS volume %s is not usable: %w", name, err)
	}
	return nil
}

// Host returns the remote host.
func (c *Context) Host() Host { return c.host }

// Session returns the session ID naming remote resources.
func (c *Context) Session() string { return c.session }

// Volumes returns the remote source and state volume names.
func (c *Context) Volumes() (src, state string) { return c.srcVolume, c.stateVolume }

// Architecture returns the remote host's uname -m.
func (c *Context) Architecture(ctx context.Context) (string, error) {
	return c.ssh.Architecture(ctx)
}

// StartSigningTunnel forwards localSocket to the remote host. Later steps
// mount it at the container signing socket path.
func (c *Context) StartSigningTunnel(ctx context.Context, localSocket string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remote := fmt.Sprintf("/tmp/avocado-sign-%s.sock", c.session)
	t, err := c.ssh.Forward(ctx, remote, localSocket)
	if err != nil {
		return "", err
	}
	c.tunnel = t
	return remote, nil
}

// sourceRemap mounts the NFS source at /opt/src with ownership mapped to
// root, read-only unless mutable.
func sourceRemap(mutable bool) string {
	mode := "ro"
	if mutable {
		mode = "rw"
	}
	var s shell.Script
	s.Line("mkdir -p %s", container.SrcMount)
	s.Line("if command -v bindfs >/dev/null 2>&1; then")
	s.Line(`    bindfs -o %s --map="$(stat -c %%u %s)/0:@$(stat -c %%g %s)/@0" %s %s`,
		mode, RemoteSrcMount, RemoteSrcMount, RemoteSrcMount, container.SrcMount)
	s.Line("else")
	s.Line("    mount --bind -o %s %s %s", mode, RemoteSrcMount, container.SrcMount)
	s.Line("fi")
	return s.String()
}

// Options returns the remote engine run options for cfg.
func (c *Context) Options(cfg container.RunConfig) container.RunOptions {
	env := container.StepEnv(cfg)
	volumes := []string{
		c.srcVolume + ":" + RemoteSrcMount + ":rw",
		c.stateVolume + ":" + container.VolumeMount + ":rw",
	}
	if c.tunnel != nil {
		volumes = append(volumes, c.tunnel.RemoteSocket+":"+container.SigningSocketPath)
		env["AVOCADO_SIGNING_SOCKET"] = container.SigningSocketPath
	}
	opts := container.RunOptions{
		Image:        cfg.Image,
		Name:         cfg.ContainerName,
		Remove:       !cfg.KeepContainer,
		Detach:       cfg.Detach,
		Interactive:  cfg.Interactive,
		TTY:          cfg.Interactive,
		Env:          env,
		Volumes:      volumes,
		Devices:      []string{"/dev/fuse"},
		CapAdd:       []string{"SYS_ADMIN"},
		SecurityOpts: []string{"label=disable"},
		Platform:     container.Platform(cfg.SDKArch),
		ExtraArgs:    cfg.ContainerArgs,
	}
	script := sourceRemap(cfg.MutateSources) + "\n" + container.Script(cfg)
	opts.Entrypoint, opts.Command = container.EntrypointCommand(cfg, script)
	return opts
}

// Run runs cfg on the remote host.
func (c *Context) Run(ctx context.Context, cfg container.RunConfig) error {
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = c.stdout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = c.stderr
	}
	var stdin io.Reader
	if cfg.Interactive {
		stdin = c.stdin
	}
	tail := container.NewTailWriter(container.StderrTailLines)
	return c.run(ctx, cfg, stdin, stdout, io.MultiWriter(stderr, tail), tail)
}

// RunWithOutput runs cfg on the remote host and returns its stdout.
func (c *Context) RunWithOutput(ctx context.Context, cfg container.RunConfig) (string, error) {
	cfg.Interactive = false
	var out strings.Builder
	tail := container.NewTailWriter(container.StderrTailLines)
	var stderr io.Writer = tail
	if cfg.Verbose {
		w := cfg.Stderr
		if w == nil {
			w = c.stderr
		}
		stderr = io.MultiWriter(w, tail)
	}
	if err := c.run(ctx, cfg, nil, &out, stderr, tail); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (c *Context) run(ctx context.Context, cfg container.RunConfig, stdin io.Reader, stdout, stderr io.Writer, tail *container.TailWriter) error {
	cmd := c.remoteCommand(c.engine.RunArgs(c.Options(cfg))...)
	log.Debug("running container step remotely", "host", c.host.Target(), "image", cfg.Image, "target", cfg.Target)
	code, err := c.ssh.Stream(ctx, cmd, stdin, stdout, stderr, cfg.Interactive)
	if err != nil {
		return err
	}
	if code != 0 {
		return &container.StepError{
			Engine:     c.tool + "@" + c.host.Target(),
			Image:      cfg.Image,
			Target:     cfg.Target,
			ExitCode:   code,
			StderrTail: tail.String(),
		}
	}
	return nil
}

// Teardown removes the tunnel, the remote volumes, the NFS server, and
// finally the control-master. Each step is attempted regardless of earlier
// failures or cancellation, and repeated calls are no-ops.
func (c *Context) Teardown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.tunnel != nil {
		if err := c.tunnel.Close(); err != nil {
			errs = append(errs, err)
		}
		c.tunnel = nil
	}
	for _, v := range []*string{&c.srcVolume, &c.stateVolume} {
		if *v == "" {
			continue
		}
		name := *v
		err := container.RetryWithBackoff(ctx, 2, time.Second, func(int) (bool, error) {
			_, err := c.ssh.Output(ctx, c.remoteCommand("volume", "rm", "-f", name))
			return true, err
		})
		if err != nil {
			log.Warn("could not remove remote volume", "volume", name, "err", err)
			errs = append(errs, err)
		}
		*v = ""
	}
	if c.nfs != nil {
		if err := c.nfs.Stop(ctx); err != nil {
			log.Warn("could not stop NFS server", "err", err)
			errs = append(errs, err)
		}
		c.nfs = nil
	}
	if c.master != nil {
		if err := c.master.Close(ctx); err != nil {
			log.Debug("closing control-master", "err", err)
		}
		c.master = nil
	}
	if len(errs) == 0 {
		log.Debug("remote context torn down", "host", c.host.Target())
	}
	return errors.Join(errs...)
}
