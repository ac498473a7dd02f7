// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/container/containertest"
	"github.com/avocado-linux/avocado-cli/internal/lockfile"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/signing"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/testutil"
)

const (
	testTarget = "qemux86-64"
	hook       = "avocado-provision-qemux86-64"

	project = `
default_target: qemux86-64
distro:
  version: 0.3.0
runtimes:
  dev:
    target: qemux86-64
    extensions: [net, app]
    stone_include_paths: [stone, boards/common]
    stone_manifest: stone/manifest.json
  signed:
    target: qemux86-64
    extensions: [app]
    signing:
      key: prod
extensions:
  app:
    version: 1.2.0
  net: {}
provision:
  usb:
    container_args: ["--privileged"]
    state_file: .avocado/usb.state
`
)

type fixture struct {
	exec  *containertest.FakeExecutor
	store *containertest.StampStore
	s     *session.Session
	reg   func() (*signing.Registry, error)
	pub   ed25519.PublicKey
}

func newFixture(t *testing.T, built ...string) *fixture {
	t.Helper()
	path := testutil.NewProject(t, project)
	composed, err := composer.Compose(path, composer.Options{
		Target:    testTarget,
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	lock, err := lockfile.Load(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}

	keys := t.TempDir()
	entry, err := signing.GenerateFileKey(keys, rand.Reader)
	if err != nil {
		t.Fatalf("GenerateFileKey() error = %v", err)
	}
	pub, err := signing.LoadPublicKey(entry.URI)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := signing.OpenRegistry(keys)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("prod", entry); err != nil {
		t.Fatal(err)
	}
	if err := reg.Save(); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := containertest.NewStampStore()
	store.Put(stamps.New(stamps.Install, stamps.SDK, "", "x86_64", stamps.Inputs{}, stamps.Outputs{}, now, "test"))
	for _, rt := range built {
		store.Put(stamps.New(stamps.Build, stamps.Runtime, rt, testTarget, stamps.Inputs{}, stamps.Outputs{}, now, "test"))
	}
	exec := store.Attach(&containertest.FakeExecutor{})
	opts := session.Options{SDKArch: "x86_64", Force: true, Now: func() time.Time { return now }}
	return &fixture{
		exec:  exec,
		store: store,
		s:     session.New(opts, composed, testTarget, lock, exec),
		reg:   func() (*signing.Registry, error) { return signing.OpenRegistry(keys) },
		pub:   pub,
	}
}

func TestScriptParses(t *testing.T) {
	t.Parallel()

	scripts := map[string]string{
		"plain":   provisionScript(script{runtime: "dev", target: testTarget}),
		"state":   provisionScript(script{runtime: "dev", target: testTarget, hostState: "/opt/src/.avocado/usb.state"}),
		"signing": provisionScript(script{runtime: "dev", target: testTarget, signing: true}),
	}
	for name, s := range scripts {
		if err := shell.Validate(s); err != nil {
			t.Errorf("%s: %v\n%s", name, err, s)
		}
	}
}

func TestRuntimeExportsEnvironment(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "dev")
	err := New(f.s).Runtime(context.Background(), Options{
		Runtime:       "dev",
		Profile:       "usb",
		Out:           "out/image.img",
		Env:           map[string]string{"BOARD": "rev-b", "AVOCADO_RUNTIME": "spoofed"},
		ContainerArgs: []string{"-v", "/dev:/dev"},
	})
	if err != nil {
		t.Fatalf("Runtime() error = %v", err)
	}

	step, ok := f.exec.Find(hook)
	if !ok {
		t.Fatalf("hook did not run: %v", f.exec.Commands())
	}
	want := map[string]string{
		"BOARD":                       "rev-b",
		"AVOCADO_RUNTIME":             "dev",
		"AVOCADO_TARGET":              testTarget,
		"AVOCADO_EXT_LIST":            "app-1.2.0 net-0.1.0",
		"AVOCADO_PROVISION_PROFILE":   "usb",
		"AVOCADO_PROVISION_OUT":       "/opt/src/out/image.img",
		"AVOCADO_PROVISION_STATE":     "/opt/_avocado/qemux86-64/output/runtimes/dev/provision-state.state",
		"AVOCADO_STONE_INCLUDE_PATHS": "/opt/src/stone /opt/src/boards/common",
		"AVOCADO_STONE_MANIFEST":      "/opt/src/stone/manifest.json",
		"AVOCADO_RUNTIME_VERSION":     "0.3.0",
		"AVOCADO_RUNTIME_BUILD_DIR":   "/opt/_avocado/qemux86-64/runtimes/dev",
	}
	for k, v := range want {
		if step.Env[k] != v {
			t.Errorf("Env[%s] = %q, want %q", k, step.Env[k], v)
		}
	}
	if _, ok := step.Env["AVOCADO_SIGNING_CHECKSUM"]; ok {
		t.Error("signing enabled for a runtime without a key")
	}
	if !slices.Contains(step.ContainerArgs, "--privileged") || !slices.Contains(step.ContainerArgs, "/dev:/dev") {
		t.Errorf("ContainerArgs = %v", step.ContainerArgs)
	}
	if !step.MutateSources || !step.SourceEnvironment || step.Interactive {
		t.Errorf("step = %+v", step)
	}
	for _, w := range []string{
		hook + " dev",
		`cp /opt/src/.avocado/usb.state "$STATE"`,
		`cp "$STATE" /opt/src/.avocado/usb.state`,
	} {
		if !strings.Contains(step.Command, w) {
			t.Errorf("script missing %q:\n%s", w, step.Command)
		}
	}
	if strings.Contains(step.Command, SignRequestPath) {
		t.Errorf("signing helper installed without a key:\n%s", step.Command)
	}
	if _, ok := f.store.Get("runtime/dev/provision.stamp"); !ok {
		t.Errorf("provision stamp not written: %v", f.store.Paths())
	}
}

func TestRuntimeServesSignRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "signed")
	var resp signing.Response
	var socket string
	f.exec.Handle(hook, func(cfg container.RunConfig) (string, error) {
		socket = cfg.SigningSocket
		conn, err := net.Dial("unix", cfg.SigningSocket)
		if err != nil {
			return "", err
		}
		defer conn.Close()
		req := signing.Request{
			Type:              signing.RequestType,
			BinaryPath:        "/opt/_avocado/qemux86-64/runtimes/signed/boot.img",
			Hash:              strings.Repeat("ab", 32),
			Size:              512,
			ChecksumAlgorithm: cfg.Env["AVOCADO_SIGNING_CHECKSUM"],
		}
		if err := json.NewEncoder(conn).Encode(req); err != nil {
			return "", err
		}
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return "", err
		}
		return "", json.Unmarshal(line, &resp)
	})

	if err := New(f.s, WithRegistry(f.reg)).Runtime(context.Background(), Options{Runtime: "signed"}); err != nil {
		t.Fatalf("Runtime() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("sign response = %+v", resp)
	}
	sig, err := signing.ParseSignatureFile([]byte(resp.Signature))
	if err != nil {
		t.Fatal(err)
	}
	if err := sig.VerifyEd25519(f.pub); err != nil {
		t.Errorf("VerifyEd25519() error = %v", err)
	}
	if sig.KeyName != "prod" {
		t.Errorf("KeyName = %q", sig.KeyName)
	}
	step, _ := f.exec.Find(hook)
	if !strings.Contains(step.Command, "cat > "+SignRequestPath) {
		t.Errorf("signing helper not installed:\n%s", step.Command)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Errorf("signing socket left behind: %v", err)
	}
}

func TestRuntimeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		built []string
		opts  Options
		check func(error) bool
	}{
		{
			name:  "unbuilt runtime",
			opts:  Options{Runtime: "dev"},
			check: func(err error) bool { return errors.Is(err, stamps.ErrMissingStamp) },
		},
		{
			name:  "unknown runtime",
			built: []string{"dev"},
			opts:  Options{Runtime: "prod"},
			check: func(err error) bool { return err != nil && strings.Contains(err.Error(), "not found") },
		},
		{
			name:  "unknown profile",
			built: []string{"dev"},
			opts:  Options{Runtime: "dev", Profile: "sd"},
			check: func(err error) bool { return err != nil && strings.Contains(err.Error(), "profile 'sd'") },
		},
		{
			name:  "no registry",
			built: []string{"signed"},
			opts:  Options{Runtime: "signed"},
			check: func(err error) bool { return err != nil },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.built...)
			err := New(f.s).Runtime(context.Background(), tt.opts)
			if !tt.check(err) {
				t.Fatalf("Runtime() error = %v", err)
			}
			if _, ok := f.exec.Find(hook); ok {
				t.Error("hook ran after a failed precondition")
			}
			if len(f.store.Paths()) != len(tt.built)+1 {
				t.Errorf("stamps changed: %v", f.store.Paths())
			}
		})
	}
}
