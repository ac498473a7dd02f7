// SPDX-License-Identifier: MPL-2.0

// Package hitl runs the hardware-in-the-loop server: an NFS server in the
// SDK container exporting extension sysroots so a device under test can
// mount builds straight from the workstation.
package hitl

import (
	"context"
	"fmt"
	"path"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/remote"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/shell"
)

const (
	// DefaultPort is the NFS port the server listens on.
	DefaultPort = remote.HITLPort

	configPath = "$AVOCADO_SDK_PREFIX/etc/avocado/hitl-nfs.conf"
	configEOF  = "AVOCADO_HITL_CONF"
)

// Options configures one server run.
type Options struct {
	Extensions    []string
	Port          int
	ContainerArgs []string
}

// Exports maps each extension to its sysroot in the build volume. Export
// IDs start at 1 in the order given.
func Exports(target string, extensions []string) []remote.Export {
	exports := make([]remote.Export, len(extensions))
	for i, ext := range extensions {
		exports[i] = remote.Export{
			ID:     i + 1,
			Path:   path.Join(container.VolumeMount, target, "extensions", ext),
			Pseudo: "/" + ext,
		}
	}
	return exports
}

// Serve runs the server in the foreground until the container exits.
func Serve(ctx context.Context, s *session.Session, opts Options) error {
	cfg := s.Config()
	for _, ext := range opts.Extensions {
		if _, ok := cfg.Extension(ext, s.Target()); !ok {
			return fmt.Errorf("extension '%s' not found in configuration", ext)
		}
	}
	if _, err := s.Image(); err != nil {
		return err
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	// A remote host checks its own ports.
	if s.Remote() == nil {
		if _, err := remote.ChoosePort(port, port, port); err != nil {
			return err
		}
	}

	nfs := remote.NFSConfig{
		Port:    port,
		Exports: Exports(s.Target(), opts.Extensions),
		Verbose: s.Options().Verbose,
	}
	run := s.RunConfig(script(nfs))
	run.SourceEnvironment = true
	run.Interactive = true
	run.ContainerArgs = append(run.ContainerArgs, "--net=host", "--cap-add", "DAC_READ_SEARCH", "--init")
	run.ContainerArgs = append(run.ContainerArgs, opts.ContainerArgs...)

	for _, e := range nfs.Exports {
		log.Debug("hitl export", "id", e.ID, "path", e.Path, "pseudo", e.Pseudo)
	}
	log.Info("starting hitl server", "port", port, "exports", len(nfs.Exports), "target", s.Target())
	return s.Run(ctx, run)
}

func script(nfs remote.NFSConfig) string {
	var s shell.Script
	s.Raw("set -e").
		Raw(`ln -sf "$AVOCADO_SDK_PREFIX/etc/netconfig" /etc/netconfig`).
		Raw(`mkdir -p /tmp/hitl "$AVOCADO_SDK_PREFIX/etc/avocado"`).
		Raw(`ln -sf "$AVOCADO_SDK_PREFIX/usr/var/lib/nfs/ganesha" /tmp/hitl`)
	for _, e := range nfs.Exports {
		s.Line("mkdir -p %s", shell.Quote(e.Path))
	}
	s.Line("cat > %s <<'%s'", shell.DoubleQuotedPath(configPath), configEOF).
		Raw(nfs.GaneshaConfig()).
		Raw(configEOF).
		Line("exec avocado-hitl-server -c %s", shell.DoubleQuotedPath(configPath))
	return s.String()
}
