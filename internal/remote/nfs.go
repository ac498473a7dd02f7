// SPDX-License-Identifier: MPL-2.0

package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/issue"
)

// Port ranges for NFS servers.
const (
	DefaultPortMin = 12050
	DefaultPortMax = 12099
	// HITLPort is the default port of the hardware-in-the-loop server.
	HITLPort = 12049
)

type (
	// Export is one Ganesha export.
	Export struct {
		ID     int
		Path   string
		Pseudo string
	}

	// NFSConfig renders a Ganesha configuration.
	NFSConfig struct {
		Port     int
		BindAddr string
		Exports  []Export
		Verbose  bool
	}

	// NFSServer is a Ganesha server running in a local container.
	NFSServer struct {
		engine    container.Engine
		name      string
		configDir string
		Port      int
	}
)

// GaneshaConfig renders the server configuration.
func (c NFSConfig) GaneshaConfig() string {
	level := "EVENT"
	if c.Verbose {
		level = "DEBUG"
	}
	bind := c.BindAddr
	if bind == "" {
		bind = "0.0.0.0"
	}
	var b strings.Builder
	fmt.Fprintf(&b, `LOG {
  Default_Log_Level = %s;
}

NFS_Core_Param {
  NFS_Port = %d;
  Enable_NLM = false;
  Enable_RQUOTA = false;
  Enable_UDP = false;
  Protocols = 4;
  allow_set_io_flusher_fail = true;
  Nb_Max_Fd = 65536;
  Max_Open_Files = 10000;
  DRC_Max_Size = 32768;
  Attr_Expiration_Time = 60;
  Nb_Worker = 256;
  Bind_addr = %s;
}

NFSV4 {
  Graceless = false;
  Allow_Numeric_Owners = true;
  Only_Numeric_Owners = true;
}

EXPORT_DEFAULTS {
  Access_Type = RW;
  Squash = No_Root_Squash;
  Transports = TCP;
  Protocols = 4;
  SecType = none;
  Disable_ACL = true;
  Manage_Gids = false;
  Anonymous_uid = 0;
  Anonymous_gid = 0;

  CLIENT {
    Clients = *;
    Access_Type = RW;
  }
}
`, level, c.Port, bind)
	for _, e := range c.Exports {
		fmt.Fprintf(&b, `
EXPORT {
  Export_Id = %d;
  Path = %s;
  Pseudo = %s;
  FSAL {
    name = VFS;
  }
}
`, e.ID, e.Path, e.Pseudo)
	}
	return b.String()
}

// PortAvailable reports whether a TCP port can be bound on all interfaces.
func PortAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// ChoosePort returns explicit when it is free, otherwise the lowest free
// port in [lo, hi].
func ChoosePort(explicit, lo, hi int) (int, error) {
	if explicit != 0 {
		if !PortAvailable(explicit) {
			return 0, issue.NewErrorContext().
				WithOperation("start NFS server").
				WithResource(fmt.Sprintf("port %d", explicit)).
				WithSuggestion("Pick another port with --nfs-port, or omit it to choose one automatically").
				WithGuide(issue.NFSPortUnavailableId).
				Wrap(fmt.Errorf("%w: NFS port %d is not available", ErrRemoteExecution, explicit)).
				BuildError()
		}
		return explicit, nil
	}
	for p := lo; p <= hi; p++ {
		if PortAvailable(p) {
			return p, nil
		}
	}
	return 0, issue.NewErrorContext().
		WithOperation("start NFS server").
		WithResource(fmt.Sprintf("ports %d-%d", lo, hi)).
		WithSuggestion("Free a port in the range or pass --nfs-port").
		WithGuide(issue.NFSPortUnavailableId).
		Wrap(fmt.Errorf("%w: no available port in %d-%d", ErrRemoteExecution, lo, hi)).
		BuildError()
}

// StartNFSServer runs Ganesha in image with host networking. mounts are
// engine -v specs making each export path visible in the container.
func StartNFSServer(ctx context.Context, engine container.Engine, image string, cfg NFSConfig, mounts []string) (*NFSServer, error) {
	dir, err := os.MkdirTemp("", "avocado-nfs-")
	if err != nil {
		return nil, fmt.Errorf("creating NFS config dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ganesha.conf"), []byte(cfg.GaneshaConfig()), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("writing ganesha config: %w", err)
	}
	name := "avocado-nfs-" + strings.Split(uuid.NewString(), "-")[0]
	volumes := append([]string{
		filepath.Join(dir, "ganesha.conf") + ":/etc/ganesha/ganesha.conf:ro",
		dir + ":/var/run/ganesha",
	}, mounts...)

	log.Debug("starting NFS server", "container", name, "port", cfg.Port, "exports", len(cfg.Exports))
	res, err := engine.Run(ctx, container.RunOptions{
		Image:      image,
		Name:       name,
		Remove:     true,
		Detach:     true,
		Privileged: true,
		Network:    "host",
		Volumes:    volumes,
		Command:    []string{"ganesha.nfsd", "-f", "/etc/ganesha/ganesha.conf", "-F", "-L", "/dev/stderr"},
	})
	srv := &NFSServer{engine: engine, name: name, configDir: dir, Port: cfg.Port}
	if err == nil && (res.Error != nil || res.ExitCode != 0) {
		err = fmt.Errorf("engine exited with code %d", res.ExitCode)
	}
	if err != nil {
		_ = srv.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: starting NFS server container: %v", ErrRemoteExecution, err)
	}

	// Give Ganesha a moment to bind before clients mount.
	select {
	case <-ctx.Done():
		_ = srv.Stop(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	case <-time.After(nfsSettle):
	}
	return srv, nil
}

// nfsSettle is how long StartNFSServer waits after launching Ganesha.
var nfsSettle = time.Second

// Name returns the server container name.
func (s *NFSServer) Name() string { return s.name }

// Stop stops and removes the server container and its config. It is safe
// to call more than once.
func (s *NFSServer) Stop(ctx context.Context) error {
	if s == nil || s.name == "" {
		return nil
	}
	var err error
	if stopErr := s.engine.Stop(ctx, s.name); stopErr != nil {
		log.Debug("stopping NFS server", "container", s.name, "err", stopErr)
	}
	if rmErr := s.engine.Remove(ctx, s.name, true); rmErr != nil && !strings.Contains(rmErr.Error(), "No such container") && !strings.Contains(rmErr.Error(), "no such container") {
		err = fmt.Errorf("removing NFS server container %s: %w", s.name, rmErr)
	}
	_ = os.RemoveAll(s.configDir)
	s.name = ""
	return err
}
