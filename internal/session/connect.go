// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/remote"
)

// Connect prepares the build volume and the executor. With RunsOn set the
// steps run on the remote host through an NFS-backed context that Close
// tears down.
func (s *Session) Connect(ctx context.Context, engine container.Engine, runnerOpts ...container.RunnerOption) error {
	s.engine = engine
	vm := container.NewVolumeManager(engine, s.opts.Now)
	st, err := vm.GetOrCreate(ctx, s.SrcDir())
	if err != nil {
		return err
	}
	s.volume = st.VolumeName

	if s.opts.RunsOn == "" {
		opts := append([]container.RunnerOption{container.WithStdio(s.opts.Stdin, s.opts.Stdout, s.opts.Stderr)}, runnerOpts...)
		s.exec = container.NewSDKRunner(engine, s.SrcDir(), s.volume, opts...)
		return nil
	}

	image, err := s.Image()
	if err != nil {
		return err
	}
	rc, err := remote.Setup(ctx, remote.Options{
		RunsOn:     s.opts.RunsOn,
		NFSPort:    s.opts.NFSPort,
		PortMin:    s.opts.NFSPortMin,
		PortMax:    s.opts.NFSPortMax,
		SrcDir:     s.SrcDir(),
		Volume:     s.volume,
		Engine:     engine,
		Image:      image,
		CLIVersion: s.opts.CLIVersion,
		Stdin:      s.opts.Stdin,
		Stdout:     s.opts.Stdout,
		Stderr:     s.opts.Stderr,
	})
	if err != nil {
		return err
	}
	s.remote = rc
	s.exec = rc
	if arch, err := rc.Architecture(ctx); err != nil {
		log.Warn("could not detect remote architecture; SDK stamps resolve it in the container", "host", rc.Host(), "err", err)
	} else {
		s.hostArch = arch
	}
	return nil
}

// Close releases the remote context, if any. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	return s.remote.Teardown(ctx)
}
