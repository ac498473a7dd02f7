// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/avocado-linux/avocado-cli/internal/issue"
)

// ToolEnvVar selects the container engine binary.
const ToolEnvVar = "AVOCADO_CONTAINER_TOOL"

const (
	EngineTypeDocker EngineType = "docker"
	EngineTypePodman EngineType = "podman"
)

type (
	// Engine defines the container operations avocado needs.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available checks if the engine is usable on this system.
		Available() bool
		// Version returns the engine version.
		Version(ctx context.Context) (string, error)

		// Run runs a container. A non-zero exit is reported in
		// RunResult.ExitCode, not as an error.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// Create creates a stopped container and returns its ID.
		Create(ctx context.Context, opts RunOptions) (string, error)
		// Exec runs a command in a running container.
		Exec(ctx context.Context, containerID string, command []string, opts RunOptions) (*RunResult, error)
		// Copy copies between a container and the host, "id:path" form on
		// the container side.
		Copy(ctx context.Context, src, dst string) error
		// Stop stops a running container.
		Stop(ctx context.Context, containerID string) error
		// Remove removes a container.
		Remove(ctx context.Context, containerID string, force bool) error
		// ListContainers returns container IDs matching a filter.
		ListContainers(ctx context.Context, filters ...string) ([]string, error)
		// ImageExists checks if an image is present locally.
		ImageExists(ctx context.Context, image string) (bool, error)

		// VolumeCreate creates a named volume.
		VolumeCreate(ctx context.Context, name string, opts VolumeOptions) error
		// VolumeExists reports whether a named volume exists.
		VolumeExists(ctx context.Context, name string) (bool, error)
		// VolumeInspect returns a volume field rendered with a Go template.
		VolumeInspect(ctx context.Context, name, format string) (string, error)
		// VolumeList returns volume names matching a filter.
		VolumeList(ctx context.Context, filters ...string) ([]string, error)
		// VolumeRemove removes a named volume.
		VolumeRemove(ctx context.Context, name string, force bool) error
	}

	// RunOptions contains options for running a container.
	RunOptions struct {
		// Image is the image to run.
		Image string
		// Command is the command to run.
		Command []string
		// Entrypoint overrides the image entrypoint.
		Entrypoint string
		// WorkDir is the working directory inside the container.
		WorkDir string
		// Env contains environment variables; they are passed sorted by key.
		Env map[string]string
		// Volumes are volume mounts in "source:target[:options]" format.
		Volumes []string
		// Ports are port mappings in "host:container" format.
		Ports []string
		// Devices are host devices exposed to the container.
		Devices []string
		// CapAdd lists added Linux capabilities.
		CapAdd []string
		// SecurityOpts are --security-opt values.
		SecurityOpts []string
		// Network is the network mode (e.g. "host").
		Network string
		// Platform requests an emulated platform such as linux/arm64.
		Platform string
		// Privileged runs the container privileged.
		Privileged bool
		// Remove automatically removes the container after exit.
		Remove bool
		// Detach runs the container in the background.
		Detach bool
		// Name is the container name.
		Name string
		// Labels are container labels.
		Labels map[string]string
		// ExtraArgs are passed verbatim before the image.
		ExtraArgs []string
		// Stdin is the standard input.
		Stdin io.Reader
		// Stdout is where to write standard output.
		Stdout io.Writer
		// Stderr is where to write standard error.
		Stderr io.Writer
		// Interactive keeps stdin open.
		Interactive bool
		// TTY allocates a pseudo-TTY.
		TTY bool
	}

	// VolumeOptions configures volume creation.
	VolumeOptions struct {
		Driver     string
		DriverOpts map[string]string
		Labels     map[string]string
	}

	// RunResult contains the result of running a container.
	RunResult struct {
		// ContainerID is set for detached runs and execs.
		ContainerID string
		// ExitCode is the container process exit code.
		ExitCode int
		// Error is set when the engine itself could not be invoked.
		Error error
	}

	// EngineType identifies the container engine type.
	EngineType string

	// ErrEngineNotAvailable is returned when no usable engine is found.
	ErrEngineNotAvailable struct {
		Engine string
		Reason string
	}
)

func (e *ErrEngineNotAvailable) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// NewEngine returns the preferred engine, falling back to the other one when
// the preferred binary is missing.
func NewEngine(preferred EngineType, opts ...BaseCLIEngineOption) (Engine, error) {
	var candidates []Engine
	switch preferred {
	case EngineTypeDocker, "":
		candidates = []Engine{NewDockerEngine(opts...), NewPodmanEngine(opts...)}
	case EngineTypePodman:
		candidates = []Engine{NewPodmanEngine(opts...), NewDockerEngine(opts...)}
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}
	for _, e := range candidates {
		if e.Available() {
			return e, nil
		}
	}
	name := string(preferred)
	if name == "" {
		name = string(EngineTypeDocker)
	}
	return nil, issue.NewErrorContext().
		WithOperation("find container engine").
		WithResource(name).
		WithSuggestions(
			"Install docker or podman and make sure the daemon is running",
			"Set "+ToolEnvVar+" to the engine you have installed",
		).
		WithGuide(issue.ContainerEngineNotFoundId).
		Wrap(&ErrEngineNotAvailable{Engine: name, Reason: "neither docker nor podman responded"}).
		BuildError()
}

// EngineTypeFromEnv returns the engine named by AVOCADO_CONTAINER_TOOL, or
// fallback when unset.
func EngineTypeFromEnv(fallback EngineType) EngineType {
	if v := strings.TrimSpace(os.Getenv(ToolEnvVar)); v != "" {
		return EngineType(v)
	}
	return fallback
}
