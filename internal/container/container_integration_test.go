// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

const integrationImage = "docker.io/library/debian:bookworm-slim"

// testcontainersAvailable reports whether a container provider responds.
// Provider detection can panic on hosts without a socket.
func testcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

func TestSDKRunnerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	engine, err := NewEngine(EngineTypeFromEnv(EngineTypeDocker))
	if err != nil {
		t.Skipf("skipping container integration tests: %v", err)
	}
	if !testcontainersAvailable() {
		t.Skip("skipping container integration tests: testcontainers provider not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	src := t.TempDir()
	vm := NewVolumeManager(engine, nil)
	st, err := vm.GetOrCreate(ctx, src)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	t.Cleanup(func() {
		if err := vm.Remove(context.Background(), st.VolumeName, true); err != nil {
			t.Logf("volume cleanup: %v", err)
		}
	})

	var stderr bytes.Buffer
	r := NewSDKRunner(engine, src, st.VolumeName, WithStdio(nil, nil, &stderr))

	t.Run("Preamble", func(t *testing.T) {
		out, err := r.RunWithOutput(ctx, RunConfig{
			Image:   integrationImage,
			Target:  "qemux86-64",
			Command: `echo "$AVOCADO_PREFIX|$(pwd)"`,
		})
		if err != nil {
			t.Fatalf("RunWithOutput() error = %v", err)
		}
		if got := strings.TrimSpace(out); got != "/opt/_avocado/qemux86-64|/opt/src" {
			t.Errorf("output = %q", got)
		}
	})

	t.Run("VolumePersists", func(t *testing.T) {
		cfg := RunConfig{Image: integrationImage, Target: "qemux86-64", Command: `touch "$AVOCADO_PREFIX.marker"`}
		if err := r.Run(ctx, cfg); err != nil {
			t.Fatalf("Run() error = %v\n%s", err, stderr.String())
		}
		cfg.Command = `test -f "$AVOCADO_PREFIX.marker" && echo present`
		out, err := r.RunWithOutput(ctx, cfg)
		if err != nil || strings.TrimSpace(out) != "present" {
			t.Errorf("marker lookup = %q, %v", out, err)
		}
	})

	t.Run("SourceIsReadOnly", func(t *testing.T) {
		err := r.Run(ctx, RunConfig{Image: integrationImage, Target: "t", Command: "touch /opt/src/x"})
		if !errors.Is(err, ErrContainer) {
			t.Errorf("write to read-only source: err = %v", err)
		}
	})

	t.Run("ExitCode", func(t *testing.T) {
		err := r.Run(ctx, RunConfig{Image: integrationImage, Target: "t", Command: "echo boom >&2; exit 3", NoBootstrap: true})
		var step *StepError
		if !errors.As(err, &step) || step.ExitCode != 3 || !strings.Contains(step.StderrTail, "boom") {
			t.Errorf("Run() error = %v", err)
		}
	})
}
