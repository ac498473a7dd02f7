// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// transientMarkers are engine messages for failures that usually succeed
// on a second attempt: registry hiccups while pulling the SDK image,
// rootless Podman races, and overlay mount glitches.
var transientMarkers = []string{
	"TLS handshake timeout",
	"i/o timeout",
	"connection reset by peer",
	"connection refused",
	"Temporary failure resolving",
	"Could not resolve host",
	"toomanyrequests",
	"ping_group_range",
	"OCI runtime error",
	"error creating overlay mount",
	"error mounting layer",
}

// IsTransientError reports whether err is a container engine failure worth
// retrying. Context errors never are. Failures of the step itself (dnf,
// rpm, build scripts) are not retried either; only exit code 125, which
// docker and podman use for their own errors, and known engine messages
// count.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var step *StepError
	if errors.As(err, &step) {
		return step.ExitCode == 125
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 125 {
		return true
	}
	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
