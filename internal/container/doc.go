// SPDX-License-Identifier: MPL-2.0

// Package container runs avocado build steps inside SDK containers.
//
// Engine abstracts the docker and podman CLIs. DockerEngine and PodmanEngine
// embed BaseCLIEngine, which builds arguments and executes commands; only
// detection and a few engine-specific queries live on the concrete types.
//
// SDKRunner sits on top of an Engine. It mounts the project source at
// /opt/src and the project build volume at /opt/_avocado, prepends the SDK
// entrypoint preamble to every shell fragment, and reports failures as
// *StepError values matching ErrContainer. VolumeManager keeps one build
// volume per project, recorded in .avocado/volume.json.
package container
