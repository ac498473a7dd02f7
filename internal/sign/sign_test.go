// SPDX-License-Identifier: MPL-2.0

package sign

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
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
	appHash    = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	netHash    = "60303ae22b998861bce3b28f33eec1be758a213c86c93c076dbe9f558c11c752"
	appImage   = "/opt/_avocado/qemux86-64/runtimes/dev/extensions/app.raw"
	netImage   = "/opt/_avocado/qemux86-64/runtimes/dev/extensions/net.raw"

	project = `
default_target: qemux86-64
runtimes:
  dev:
    target: qemux86-64
    extensions: [net, app]
    signing:
      key: prod
extensions:
  app:
    packages:
      curl: "*"
  net:
    packages:
      iproute2: "*"
`
)

var nonceRE = regexp.MustCompile(`NONCE=(\S+)`)

// volume fakes the helper-container copies against an in-memory volume.
type volume struct {
	files  map[string][]byte
	writes int
}

func (v *volume) ReadFiles(_ context.Context, paths []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, ok := v.files[p]
		if !ok {
			return nil, fmt.Errorf("no such file %s", p)
		}
		out[p] = data
	}
	return out, nil
}

func (v *volume) WriteFiles(_ context.Context, files map[string][]byte) error {
	v.writes++
	maps.Copy(v.files, files)
	return nil
}

type fixture struct {
	exec  *containertest.FakeExecutor
	store *containertest.StampStore
	s     *session.Session
	vol   *volume
	keys  string
	entry signing.KeyEntry
}

func newFixture(t *testing.T) *fixture {
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
	store.Put(stamps.New(stamps.Build, stamps.Runtime, "dev", testTarget, stamps.Inputs{}, stamps.Outputs{}, now, "test"))
	exec := store.Attach(&containertest.FakeExecutor{})
	exec.Handle(sumLine, func(cfg container.RunConfig) (string, error) {
		nonce := nonceRE.FindStringSubmatch(cfg.Command)[1]
		return fmt.Sprintf("%[1]s %[2]s app %[3]s 4096\n%[1]s %[2]s net %[4]s 8192\n%[1]s spoofed app 00 1\n",
			sumLine, nonce, appHash, netHash), nil
	})

	opts := session.Options{SDKArch: "x86_64", Now: func() time.Time { return now }}
	return &fixture{
		exec:  exec,
		store: store,
		s:     session.New(opts, composed, testTarget, lock, exec),
		vol: &volume{files: map[string][]byte{
			appImage + ".sha256": []byte(appHash + "  app.raw\n"),
			netImage + ".sha256": []byte(netHash + "  net.raw\n"),
		}},
		keys:  keys,
		entry: entry,
	}
}

func (f *fixture) pipeline() *Pipeline {
	return New(f.s,
		WithFiles(f.vol),
		WithRegistry(func() (*signing.Registry, error) { return signing.OpenRegistry(f.keys) }),
	)
}

func TestScriptParses(t *testing.T) {
	t.Parallel()

	for _, alg := range []signing.ChecksumAlgorithm{signing.SHA256, signing.BLAKE3} {
		script := checksumScript("dev", alg, []string{"app", "my net"}, "abc")
		if err := shell.Validate(script); err != nil {
			t.Errorf("%s: %v\n%s", alg, err, script)
		}
		if !strings.Contains(script, alg.Tool()+` "$DIR/app.raw"`) {
			t.Errorf("%s: checksum tool not used:\n%s", alg, script)
		}
	}
}

func TestRuntimeSignsEveryImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	res, err := f.pipeline().Runtime(context.Background(), "dev")
	if err != nil {
		t.Fatalf("Runtime() error = %v", err)
	}

	want := []HashEntry{
		{ContainerPath: appImage, Hash: appHash, Size: 4096},
		{ContainerPath: netImage, Hash: netHash, Size: 8192},
	}
	if res.Manifest.Runtime != "dev" || res.Manifest.ChecksumAlgorithm != signing.SHA256 || !slices.Equal(res.Manifest.Files, want) {
		t.Errorf("manifest = %+v", res.Manifest)
	}

	pub, err := signing.LoadPublicKey(f.entry.URI)
	if err != nil {
		t.Fatal(err)
	}
	var sigs []string
	for p, data := range f.vol.files {
		if !strings.HasSuffix(p, ".sig") {
			continue
		}
		sigs = append(sigs, p)
		sf, err := signing.ParseSignatureFile(data)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if sf.KeyName != "prod" || sf.KeyID != f.entry.KeyID {
			t.Errorf("%s: key = %s/%s", p, sf.KeyName, sf.KeyID)
		}
		if err := sf.VerifyEd25519(pub); err != nil {
			t.Errorf("%s: %v", p, err)
		}
	}
	slices.Sort(sigs)
	if want := []string{appImage + ".sig", netImage + ".sig"}; !slices.Equal(sigs, want) {
		t.Errorf("signatures = %v, want %v", sigs, want)
	}
	if _, ok := f.store.Get("runtime/dev/sign.stamp"); !ok {
		t.Errorf("sign stamp not written: %v", f.store.Paths())
	}
}

func TestRuntimeSigningIsDeterministic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.pipeline().Runtime(context.Background(), "dev"); err != nil {
		t.Fatalf("first Runtime() error = %v", err)
	}
	first := f.vol.files[appImage+".sig"]
	if _, err := f.pipeline().Runtime(context.Background(), "dev"); err != nil {
		t.Fatalf("second Runtime() error = %v", err)
	}
	if !bytes.Equal(first, f.vol.files[appImage+".sig"]) {
		t.Errorf("signature changed between runs:\n%s\n%s", first, f.vol.files[appImage+".sig"])
	}
}

func TestRuntimeWritesNothingOnFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		prepare       func(f *fixture)
		emptyRegistry bool
	}{
		{
			name: "tampered checksum file",
			prepare: func(f *fixture) {
				f.vol.files[netImage+".sha256"] = []byte(appHash + "  net.raw\n")
			},
		},
		{
			name: "missing image",
			prepare: func(f *fixture) {
				f.exec.Responses = nil
				f.store.Attach(f.exec)
				f.exec.Handle(sumLine, func(cfg container.RunConfig) (string, error) {
					nonce := nonceRE.FindStringSubmatch(cfg.Command)[1]
					return fmt.Sprintf("%s %s app %s 4096\n%s %s net\n", sumLine, nonce, appHash, missingLine, nonce), nil
				})
			},
		},
		{
			name:          "unknown key",
			prepare:       func(f *fixture) {},
			emptyRegistry: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.prepare(f)
			p := f.pipeline()
			if tt.emptyRegistry {
				empty := t.TempDir()
				p = New(f.s, WithFiles(f.vol), WithRegistry(func() (*signing.Registry, error) {
					return signing.OpenRegistry(empty)
				}))
			}
			_, err := p.Runtime(context.Background(), "dev")
			if !errors.Is(err, signing.ErrSigning) {
				t.Fatalf("Runtime() error = %v, want ErrSigning", err)
			}
			if f.vol.writes != 0 {
				t.Error("signatures written after a failure")
			}
			if _, ok := f.store.Get("runtime/dev/sign.stamp"); ok {
				t.Error("sign stamp written after a failure")
			}
		})
	}
}

func TestRuntimeRequiresBuildStamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	store := containertest.NewStampStore()
	store.Put(stamps.New(stamps.Install, stamps.SDK, "", "x86_64", stamps.Inputs{}, stamps.Outputs{}, time.Now(), "test"))
	exec := store.Attach(&containertest.FakeExecutor{})
	s := session.New(f.s.Options(), f.s.Composed(), testTarget, f.s.Lock(), exec)

	_, err := New(s, WithFiles(f.vol)).Runtime(context.Background(), "dev")
	if !errors.Is(err, stamps.ErrMissingStamp) {
		t.Fatalf("Runtime() error = %v, want ErrMissingStamp", err)
	}
	if !strings.Contains(err.Error(), "avocado runtime build -r dev") {
		t.Errorf("error does not name the fix: %v", err)
	}
}

func TestRuntimesSignsKeyedRuntimes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if err := f.pipeline().Runtimes(context.Background()); err != nil {
		t.Fatalf("Runtimes() error = %v", err)
	}
	if len(f.vol.files) != 4 {
		t.Errorf("files = %v", slices.Sorted(maps.Keys(f.vol.files)))
	}
}
