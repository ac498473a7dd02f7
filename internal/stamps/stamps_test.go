// SPDX-License-Identifier: MPL-2.0

package stamps

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/avocado-linux/avocado-cli/internal/shell"
)

var fixedNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func TestRelativePathAndDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		req  Requirement
		path string
		desc string
		fix  string
	}{
		{SDKInstall("x86_64"), "sdk/x86_64/install.stamp", "SDK install (x86_64)", ""},
		{ExtStep(Build, "app"), "ext/app/build.stamp", "extension 'app' build", "avocado ext build -e app"},
		{ExtStep(Image, "app"), "ext/app/image.stamp", "extension 'app' image", "avocado ext image -e app"},
		{RuntimeStep(Build, "dev"), "runtime/dev/build.stamp", "runtime 'dev' build", "avocado runtime build -r dev"},
		{RuntimeStep(Provision, "dev"), "runtime/dev/provision.stamp", "runtime 'dev' provision", "avocado runtime provision -r dev"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			if got := tt.req.RelativePath(); got != tt.path {
				t.Errorf("RelativePath() = %q, want %q", got, tt.path)
			}
			if got := tt.req.Description(); got != tt.desc {
				t.Errorf("Description() = %q, want %q", got, tt.desc)
			}
			if tt.fix != "" {
				if got := tt.req.FixCommand(""); got != tt.fix {
					t.Errorf("FixCommand() = %q, want %q", got, tt.fix)
				}
			}
		})
	}
}

func TestSDKFixCommand(t *testing.T) {
	t.Parallel()

	local := SDKInstall("")
	if got := local.FixCommand(""); got != "avocado sdk install" {
		t.Errorf("local FixCommand() = %q", got)
	}
	if got := local.FixCommand("root@10.0.0.2"); got != "avocado sdk install --runs-on root@10.0.0.2" {
		t.Errorf("remote FixCommand() = %q", got)
	}

	foreign := "riscv64"
	if LocalArch() == foreign {
		foreign = "ppc64le"
	}
	want := "avocado sdk install --sdk-arch " + foreign + " --runs-on root@host"
	if got := SDKInstall(foreign).FixCommand("root@host"); got != want {
		t.Errorf("foreign FixCommand() = %q, want %q", got, want)
	}
}

func TestRequired(t *testing.T) {
	t.Parallel()

	paths := func(reqs []Requirement) []string {
		out := make([]string, len(reqs))
		for i, r := range reqs {
			out[i] = r.RelativePath()
		}
		return out
	}

	tests := []struct {
		name string
		cmd  Command
		comp Component
		exts []string
		want []string
	}{
		{"ext install", Install, Extension, nil, []string{"sdk/x86_64/install.stamp"}},
		{"ext build", Build, Extension, nil, []string{"sdk/x86_64/install.stamp", "ext/e/install.stamp"}},
		{"ext image", Image, Extension, nil, []string{"sdk/x86_64/install.stamp", "ext/e/install.stamp", "ext/e/build.stamp"}},
		{"runtime install", Install, Runtime, nil, []string{"sdk/x86_64/install.stamp"}},
		{"runtime build", Build, Runtime, []string{"a"}, []string{
			"sdk/x86_64/install.stamp", "runtime/e/install.stamp",
			"ext/a/install.stamp", "ext/a/build.stamp", "ext/a/image.stamp",
		}},
		{"runtime sign", Sign, Runtime, nil, []string{"sdk/x86_64/install.stamp", "runtime/e/build.stamp"}},
		{"runtime provision", Provision, Runtime, nil, []string{"sdk/x86_64/install.stamp", "runtime/e/build.stamp"}},
		{"sdk install", Install, SDK, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := paths(Required(tt.cmd, tt.comp, "e", tt.exts, "x86_64"))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Required() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := paths(RequiredForDeploy("dev")); !slices.Equal(got, []string{"runtime/dev/provision.stamp"}) {
		t.Errorf("RequiredForDeploy() = %v", got)
	}
}

func frame(nonce, rel string, s *Stamp) string {
	if s == nil {
		return strings.Join([]string{FramePrefix, nonce, rel, FrameMissing}, " ")
	}
	line, _ := s.MarshalLine()
	return strings.Join([]string{FramePrefix, nonce, rel, base64.StdEncoding.EncodeToString([]byte(line))}, " ")
}

func TestValidateBatch(t *testing.T) {
	t.Parallel()

	const nonce = "abc123"
	installIn := Inputs{ConfigHash: HashString("install")}
	install := New(Install, Extension, "app", "qemux86-64", installIn, Outputs{}, fixedNow, "0.1.0")
	build := New(Build, Extension, "app", "qemux86-64", Inputs{ConfigHash: HashString("old")}, Outputs{}, fixedNow, "0.1.0")

	reqs := []Requirement{
		ExtStep(Install, "app").WithExpected(installIn.ConfigHash),
		ExtStep(Build, "app").WithExpected(HashString("new")),
		ExtStep(Image, "app"),
		RuntimeStep(Build, "dev"),
	}
	output := strings.Join([]string{
		"Loading SDK environment...",
		frame(nonce, "ext/app/install.stamp", install),
		frame(nonce, "ext/app/build.stamp", build),
		frame(nonce, "ext/app/image.stamp", nil),
		"AVOCADO_STAMP abc123 runtime/dev/build.stamp !!notbase64!!",
	}, "\n")

	res := ValidateBatch(reqs, output, nonce)
	if res.OK() {
		t.Fatal("OK() = true, want false")
	}
	if len(res.Satisfied) != 1 || res.Satisfied[0].Command != Install {
		t.Errorf("Satisfied = %v", res.Satisfied)
	}
	if len(res.Stale) != 1 || res.Stale[0].Command != Build {
		t.Errorf("Stale = %v", res.Stale)
	}
	if len(res.Missing) != 2 {
		t.Errorf("Missing = %v, want image and runtime build", res.Missing)
	}
}

func TestValidateBatchIgnoresForeignNonce(t *testing.T) {
	t.Parallel()

	s := New(Install, SDK, "", "x86_64", Inputs{ConfigHash: HashString("x")}, Outputs{}, fixedNow, "0.1.0")
	output := frame("spoofed", "sdk/x86_64/install.stamp", s)

	res := ValidateBatch([]Requirement{SDKInstall("x86_64")}, output, "real")
	if len(res.Missing) != 1 {
		t.Errorf("Missing = %v, want spoofed frame ignored", res.Missing)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	t.Parallel()

	err := (&ValidationResult{
		Missing: []Requirement{RuntimeStep(Build, "dev"), ExtStep(Install, "app")},
		Stale:   []Requirement{RuntimeStep(Build, "dev")},
	}).Err("runtime sign 'dev'", "")

	if !errors.Is(err, ErrMissingStamp) {
		t.Fatalf("errors.Is(err, ErrMissingStamp) = false")
	}
	want := `Error: runtime sign 'dev' - dependencies not satisfied

  Missing steps:
    - runtime 'dev' build (runtime/dev/build.stamp)
    - extension 'app' install (ext/app/install.stamp)

  Stale steps (config changed):
    - runtime 'dev' build (runtime/dev/build.stamp)

To fix:
  avocado ext install -e app
  avocado runtime build -r dev`
	if got := err.Error(); got != want {
		t.Errorf("Error() =\n%s\nwant\n%s", got, want)
	}
}

func TestInputsHashStable(t *testing.T) {
	t.Parallel()

	a, err := ExtInputs("app", map[string]any{"packages": map[string]any{"curl": "*", "zlib": "1.3"}, "types": []any{"sysext"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := ExtInputs("app", map[string]any{"types": []any{"sysext"}, "packages": map[string]any{"zlib": "1.3", "curl": "*"}})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("hash depends on key order: %q vs %q", a.ConfigHash, b.ConfigHash)
	}
	if !strings.HasPrefix(a.ConfigHash, "sha256:") || len(a.ConfigHash) != len("sha256:")+64 {
		t.Errorf("ConfigHash = %q", a.ConfigHash)
	}

	c, _ := ExtInputs("app", map[string]any{"packages": map[string]any{"curl": "8.0"}})
	if c == a {
		t.Error("hash did not change with packages")
	}
}

func runScript(t *testing.T, prefix, script string) string {
	t.Helper()

	for _, tool := range []string{"mkdir", "cat", "mv", "base64"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
	if err := shell.Validate(script); err != nil {
		t.Fatalf("script does not parse: %v\n%s", err, script)
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		t.Fatal(err)
	}
	var stdout bytes.Buffer
	runner, err := interp.New(
		interp.Env(expand.ListEnviron("AVOCADO_PREFIX="+prefix, "PATH="+os.Getenv("PATH"))),
		interp.StdIO(nil, &stdout, &stdout),
		interp.Dir(prefix),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := runner.Run(context.Background(), file); err != nil {
		t.Fatalf("running script: %v\n%s", err, stdout.String())
	}
	return stdout.String()
}

func TestWriteThenBatchRead(t *testing.T) {
	t.Parallel()

	prefix := t.TempDir()
	in := Inputs{ConfigHash: HashString("cfg")}
	count := 12
	s := New(Build, Runtime, "dev", "qemux86-64", in, Outputs{PackageCount: &count}, fixedNow, "0.1.0")

	script, err := WriteScript(s)
	if err != nil {
		t.Fatal(err)
	}
	runScript(t, prefix, script)

	if _, err := os.Stat(filepath.Join(prefix, ".stamps", "runtime", "dev", "build.stamp.tmp")); !os.IsNotExist(err) {
		t.Errorf("staging file left behind: %v", err)
	}

	reqs := []Requirement{RuntimeStep(Build, "dev").WithExpected(in.ConfigHash), RuntimeStep(Install, "dev")}
	nonce := NewNonce()
	out := runScript(t, prefix, BatchReadScript(reqs, nonce))

	res := ValidateBatch(reqs, out, nonce)
	if len(res.Satisfied) != 1 || len(res.Missing) != 1 {
		t.Fatalf("Satisfied=%v Missing=%v\noutput:\n%s", res.Satisfied, res.Missing, out)
	}
	got := res.Found["runtime/dev/build.stamp"]
	if got == nil || got.Target != "qemux86-64" || *got.Outputs.PackageCount != 12 || !got.Timestamp.Equal(fixedNow) {
		t.Errorf("round-tripped stamp = %+v", got)
	}
}

func TestWriteSDKScriptResolvesArch(t *testing.T) {
	t.Parallel()

	prefix := t.TempDir()
	script, err := WriteSDKScript(Inputs{ConfigHash: HashString("sdk")}, Outputs{}, fixedNow, "0.1.0")
	if err != nil {
		t.Fatal(err)
	}
	runScript(t, prefix, "AVOCADO_SDK_ARCH=aarch64\n"+script)

	data, err := os.ReadFile(filepath.Join(prefix, ".stamps", "sdk", "aarch64", "install.stamp"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if s.Target != "aarch64" || s.HostArch != "aarch64" || s.Component != SDK {
		t.Errorf("stamp = %+v", s)
	}
}

func TestRemoveScript(t *testing.T) {
	t.Parallel()

	if got := RemoveScript(); got != `rm -rf "$AVOCADO_PREFIX/.stamps"` {
		t.Errorf("RemoveScript() = %q", got)
	}
	got := RemoveScript(ExtStep(Build, "app"))
	if got != `rm -f "$AVOCADO_PREFIX/.stamps/ext/app/build.stamp"` {
		t.Errorf("RemoveScript(ext build) = %q", got)
	}
	if got := RemoveComponentScript(Runtime, "dev"); got != `rm -rf "$AVOCADO_PREFIX/.stamps/runtime/dev"` {
		t.Errorf("RemoveComponentScript() = %q", got)
	}
}
