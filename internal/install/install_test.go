// SPDX-License-Identifier: MPL-2.0

package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/container/containertest"
	"github.com/avocado-linux/avocado-cli/internal/lockfile"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
	"github.com/avocado-linux/avocado-cli/internal/testutil"
)

const (
	testTarget = "qemux86-64"

	project = `
default_target: qemux86-64
sdk:
  image: docker.io/avocadolinux/sdk:edge
  packages:
    cmake: "*"
runtimes:
  dev:
    target: qemux86-64
    extensions: [app]
    packages:
      avocado-runtime: "*"
extensions:
  app:
    packages:
      curl: "*"
`
)

// rpmDB is what the fake container reports as installed.
var rpmDB = map[string]string{
	"avocado-sdk-qemux86-64": "1.0.0-r0.x86_64_avocadosdk",
	"avocado-sdk-bootstrap":  "0.1.0-r0.x86_64_avocadosdk",
	"cmake":                  "3.28.1-r0.x86_64_avocadosdk",
	"avocado-pkg-rootfs":     "0.1.0-r0.qemux86_64",
	"curl":                   "7.88.1-r0.core2_64",
	"avocado-runtime":        "2.0.0-r0.core2_64",
}

func rpmQuery(cfg container.RunConfig) (string, error) {
	var out strings.Builder
	fields := strings.FieldsFunc(cfg.Command, func(r rune) bool { return r == ' ' || r == ')' })
	for _, f := range fields {
		if v, ok := rpmDB[f]; ok {
			fmt.Fprintf(&out, "%s %s\n", f, v)
		}
	}
	return out.String(), nil
}

type fixture struct {
	exec   *containertest.FakeExecutor
	store  *containertest.StampStore
	s      *session.Session
	srcDir string
}

func newFixture(t *testing.T, configPath string, store *containertest.StampStore, opts session.Options) *fixture {
	t.Helper()
	composed, err := composer.Compose(configPath, composer.Options{
		Target:    testTarget,
		LookupEnv: func(string) (string, bool) { return "", false },
	})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	srcDir := filepath.Dir(configPath)
	lock, err := lockfile.Load(srcDir)
	if err != nil {
		t.Fatalf("lockfile.Load() error = %v", err)
	}
	exec := store.Attach(&containertest.FakeExecutor{})
	exec.Handle("rpm -q", rpmQuery)

	opts.SDKArch = "x86_64"
	opts.Force = true
	opts.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return &fixture{
		exec:   exec,
		store:  store,
		s:      session.New(opts, composed, testTarget, lock, exec),
		srcDir: srcDir,
	}
}

func TestAllWritesLockAndStamps(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.NewProject(t, project), containertest.NewStampStore(), session.Options{})
	if err := New(f.s).All(context.Background(), "dev"); err != nil {
		t.Fatalf("All() error = %v", err)
	}

	lock, err := lockfile.Load(f.srcDir)
	if err != nil {
		t.Fatalf("lockfile.Load() error = %v", err)
	}
	tests := []struct {
		sr      sysroot.Sysroot
		pkg     string
		version string
	}{
		{sysroot.SDK("x86_64"), "avocado-sdk-qemux86-64", "1.0.0-r0"},
		{sysroot.SDK("x86_64"), "avocado-sdk-bootstrap", "0.1.0-r0"},
		{sysroot.SDK("x86_64"), "cmake", "3.28.1-r0"},
		{sysroot.Rootfs(), "avocado-pkg-rootfs", "0.1.0-r0.qemux86_64"},
		{sysroot.Extension("app"), "curl", "7.88.1-r0.core2_64"},
		{sysroot.Runtime("dev"), "avocado-runtime", "2.0.0-r0.core2_64"},
	}
	for _, tt := range tests {
		got, ok := lock.LockedVersion(testTarget, tt.sr, tt.pkg)
		if !ok || got != tt.version {
			t.Errorf("%s %s = %q (%v), want %q", tt.sr.LockKey(), tt.pkg, got, ok, tt.version)
		}
	}
	if _, ok := lock.Targets[testTarget]["target-sysroot"]; ok {
		t.Error("target-sysroot locked without compile sections")
	}

	for _, rel := range []string{"sdk/x86_64/install.stamp", "ext/app/install.stamp", "runtime/dev/install.stamp"} {
		st, ok := f.store.Get(rel)
		if !ok {
			t.Errorf("stamp %s not written", rel)
			continue
		}
		if st.Outputs.PackageCount == nil || *st.Outputs.PackageCount == 0 {
			t.Errorf("stamp %s package_count = %v", rel, st.Outputs.PackageCount)
		}
	}
}

func TestAllOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.NewProject(t, project), containertest.NewStampStore(), session.Options{})
	if err := New(f.s).All(context.Background(), "dev"); err != nil {
		t.Fatalf("All() error = %v", err)
	}

	steps := []string{
		"Initializing Avocado SDK",
		"avocado-sdk-qemux86-64",
		"avocado-sdk-bootstrap",
		"$DNF_SDK_COMBINED_REPO_CONF",
		"avocado-pkg-rootfs",
		`--installroot="$AVOCADO_EXT_SYSROOTS/app"`,
		`--installroot="$AVOCADO_PREFIX/runtimes/dev"`,
	}
	last := -1
	for _, step := range steps {
		i := f.exec.Index(step)
		if i < 0 {
			t.Fatalf("step %q never ran", step)
		}
		if i <= last {
			t.Errorf("step %q ran at %d, before the previous step at %d", step, i, last)
		}
		last = i
	}

	rt, _ := f.exec.Find(`--installroot="$AVOCADO_PREFIX/runtimes/dev"`)
	if !rt.SourceEnvironment {
		t.Error("runtime install does not source the SDK environment")
	}
	if rt.Interactive {
		t.Error("install with --force is interactive")
	}
}

func TestReinstallIsByteIdentical(t *testing.T) {
	t.Parallel()

	path := testutil.NewProject(t, project)
	store := containertest.NewStampStore()

	first := newFixture(t, path, store, session.Options{})
	if err := New(first.s).All(context.Background(), "dev"); err != nil {
		t.Fatalf("first All() error = %v", err)
	}
	before := testutil.MustReadFile(t, lockfile.Path(first.srcDir))

	second := newFixture(t, path, store, session.Options{})
	if err := New(second.s).All(context.Background(), "dev"); err != nil {
		t.Fatalf("second All() error = %v", err)
	}
	after := testutil.MustReadFile(t, lockfile.Path(second.srcDir))

	if before != after {
		t.Errorf("lock changed on reinstall:\n--- before\n%s\n--- after\n%s", before, after)
	}
	if _, ok := second.exec.Find("curl-7.88.1-r0.core2_64"); !ok {
		t.Error("reinstall did not pin curl to the locked version")
	}
	if _, ok := second.exec.Find("rm -rf"); ok {
		t.Error("reinstall with an unchanged configuration removed a sysroot")
	}
}

func TestRemovedPackageCleansExtension(t *testing.T) {
	t.Parallel()

	path := testutil.NewProject(t, project)
	srcDir := filepath.Dir(path)
	lock := lockfile.New()
	lock.SetLockedVersion(testTarget, sysroot.Extension("app"), "curl", "7.88.1-r0.core2_64")
	lock.SetLockedVersion(testTarget, sysroot.Extension("app"), "wget", "1.21-r0.core2_64")
	if err := lock.Save(srcDir); err != nil {
		t.Fatal(err)
	}

	store := containertest.NewStampStore()
	store.Put(stamps.New(stamps.Install, stamps.SDK, "", "x86_64", stamps.Inputs{}, stamps.Outputs{}, time.Now(), "test"))
	f := newFixture(t, path, store, session.Options{})
	if err := New(f.s).Extensions(context.Background(), "app"); err != nil {
		t.Fatalf("Extensions() error = %v", err)
	}

	clean := f.exec.Index(`rm -rf "$AVOCADO_EXT_SYSROOTS/app"`)
	install := f.exec.Index(`--installroot="$AVOCADO_EXT_SYSROOTS/app"`)
	if clean < 0 || install < 0 || clean > install {
		t.Fatalf("clean at %d, install at %d; want a clean before the install", clean, install)
	}
	if _, ok := f.exec.Find(`rm -rf "$AVOCADO_PREFIX/.stamps/ext/app"`); !ok {
		t.Error("extension stamps were not removed")
	}

	got, err := lockfile.Load(srcDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.LockedVersion(testTarget, sysroot.Extension("app"), "wget"); ok {
		t.Error("wget still pinned after removal from the configuration")
	}
	if v, _ := got.LockedVersion(testTarget, sysroot.Extension("app"), "curl"); v != "7.88.1-r0.core2_64" {
		t.Errorf("curl = %q, want the pinned version kept", v)
	}
}

func TestExtensionsRequireSDKStamp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.NewProject(t, project), containertest.NewStampStore(), session.Options{})
	err := New(f.s).Extensions(context.Background(), "app")
	if !errors.Is(err, stamps.ErrMissingStamp) {
		t.Fatalf("Extensions() error = %v, want ErrMissingStamp", err)
	}
	if _, ok := f.exec.Find("$DNF_SDK_HOST"); ok {
		t.Error("DNF ran despite the missing SDK stamp")
	}
}

func TestNoStampsSkipsValidationAndWrites(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.NewProject(t, project), containertest.NewStampStore(), session.Options{NoStamps: true})
	if err := New(f.s).Extensions(context.Background(), "app"); err != nil {
		t.Fatalf("Extensions() error = %v", err)
	}
	if paths := f.store.Paths(); len(paths) != 0 {
		t.Errorf("stamps written with --no-stamps: %v", paths)
	}
}

func TestPackageManagerFailure(t *testing.T) {
	t.Parallel()

	store := containertest.NewStampStore()
	store.Put(stamps.New(stamps.Install, stamps.SDK, "", "x86_64", stamps.Inputs{}, stamps.Outputs{}, time.Now(), "test"))
	f := newFixture(t, testutil.NewProject(t, project), store, session.Options{})
	f.exec.Fail(`--installroot="$AVOCADO_EXT_SYSROOTS/app"`, 1, "No match for argument: curl")

	err := New(f.s).Extensions(context.Background(), "app")
	if !errors.Is(err, ErrPackageManager) {
		t.Fatalf("Extensions() error = %v, want ErrPackageManager", err)
	}
	var pm *PackageManagerError
	if !errors.As(err, &pm) || pm.Sysroot != sysroot.Extension("app") {
		t.Errorf("errors.As(PackageManagerError) = %+v", pm)
	}
	if _, statErr := os.Stat(lockfile.Path(f.srcDir)); !os.IsNotExist(statErr) {
		t.Error("lock file written after a failed install")
	}
}

func TestVersionedExtension(t *testing.T) {
	t.Parallel()

	path := testutil.NewProject(t, `
default_target: qemux86-64
sdk:
  image: docker.io/avocadolinux/sdk:edge
extensions:
  app:
    dependencies:
      tools:
        ext: avocado-ext-tools
        version: "1.2.0"
`)
	store := containertest.NewStampStore()
	store.Put(stamps.New(stamps.Install, stamps.SDK, "", "x86_64", stamps.Inputs{}, stamps.Outputs{}, time.Now(), "test"))
	f := newFixture(t, path, store, session.Options{})
	if err := New(f.s).Extensions(context.Background(), "app"); err != nil {
		t.Fatalf("Extensions() error = %v", err)
	}

	cfg, ok := f.exec.Find(`--installroot="$AVOCADO_EXT_SYSROOTS/avocado-ext-tools"`)
	if !ok {
		t.Fatal("versioned extension was not installed")
	}
	for _, want := range []string{"avocado-ext-tools-1.2.0", "$DNF_NO_SCRIPTS", "/var/lib/extension.d/rpm", "ext-rpm-config"} {
		if !strings.Contains(cfg.Command, want) {
			t.Errorf("versioned install missing %q:\n%s", want, cfg.Command)
		}
	}
	if _, ok := f.store.Get("ext/avocado-ext-tools/install.stamp"); !ok {
		t.Error("versioned extension stamp not written")
	}
	if _, ok := f.store.Get("ext/app/install.stamp"); !ok {
		t.Error("app stamp not written for an extension with no packages")
	}
}

func TestTargetSysrootWithCompileSections(t *testing.T) {
	t.Parallel()

	path := testutil.NewProject(t, `
default_target: qemux86-64
sdk:
  image: docker.io/avocadolinux/sdk:edge
  compile:
    app:
      compile: build.sh
      packages:
        libfoo-dev: "*"
`)
	f := newFixture(t, path, containertest.NewStampStore(), session.Options{})
	if err := New(f.s).SDK(context.Background()); err != nil {
		t.Fatalf("SDK() error = %v", err)
	}
	cfg, ok := f.exec.Find(`--installroot="$AVOCADO_SDK_PREFIX/target-sysroot"`)
	if !ok {
		t.Fatal("target sysroot was not installed")
	}
	for _, want := range []string{TargetSysrootPackage, "libfoo-dev"} {
		if !strings.Contains(cfg.Command, want) {
			t.Errorf("target-sysroot install missing %q", want)
		}
	}
}

type fakeFetcher struct{ calls int }

func (f *fakeFetcher) FetchAll(context.Context) error {
	f.calls++
	return nil
}

func TestSDKFetchesBeforeDependencies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.NewProject(t, project), containertest.NewStampStore(), session.Options{})
	fetch := &fakeFetcher{}
	if err := New(f.s, WithFetcher(fetch)).SDK(context.Background()); err != nil {
		t.Fatalf("SDK() error = %v", err)
	}
	if fetch.calls != 1 {
		t.Errorf("FetchAll calls = %d, want 1", fetch.calls)
	}
}

func TestSDKRequiresImage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testutil.NewProject(t, "default_target: qemux86-64\n"), containertest.NewStampStore(), session.Options{})
	if err := New(f.s).SDK(context.Background()); !errors.Is(err, session.ErrNoImage) {
		t.Fatalf("SDK() error = %v, want ErrNoImage", err)
	}
	if n := len(f.exec.Calls); n != 0 {
		t.Errorf("%d steps ran without an image", n)
	}
}
