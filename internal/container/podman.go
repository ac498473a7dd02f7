// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// PodmanEngine implements Engine with the Podman CLI.
type PodmanEngine struct {
	*BaseCLIEngine
}

// NewPodmanEngine creates a Podman engine. On SELinux-enforcing hosts bind
// mounts are labeled :z.
func NewPodmanEngine(opts ...BaseCLIEngineOption) *PodmanEngine {
	path, _ := exec.LookPath("podman")
	all := append([]BaseCLIEngineOption{
		WithName(string(EngineTypePodman)),
		WithVolumeFormatter(selinuxLabeler(isSELinuxEnabled)),
	}, opts...)
	return &PodmanEngine{BaseCLIEngine: NewBaseCLIEngine(path, all...)}
}

// Name returns the engine name.
func (e *PodmanEngine) Name() string {
	return string(EngineTypePodman)
}

// Available checks if Podman is available.
func (e *PodmanEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version", "--format", "{{.Version}}").Run() == nil
}

// Version returns the Podman version.
func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", "{{.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get podman version: %w", err)
	}
	return out, nil
}

// ImageExists checks if an image exists locally.
func (e *PodmanEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	err := e.RunCommandStatus(ctx, "image", "exists", image)
	return err == nil, nil
}

func isSELinuxEnabled() bool {
	data, err := os.ReadFile("/sys/fs/selinux/enforce")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// selinuxLabeler adds :z to bind mounts that carry no SELinux label yet.
// Named volumes (no leading slash) are left alone.
func selinuxLabeler(enabled func() bool) VolumeFormatFunc {
	return func(volume string) string {
		if !enabled() || !strings.HasPrefix(volume, "/") {
			return volume
		}
		parts := strings.Split(volume, ":")
		if len(parts) < 2 {
			return volume
		}
		if len(parts) >= 3 {
			for opt := range strings.SplitSeq(parts[len(parts)-1], ",") {
				if opt == "z" || opt == "Z" {
					return volume
				}
			}
			return volume + ",z"
		}
		return volume + ":z"
	}
}
