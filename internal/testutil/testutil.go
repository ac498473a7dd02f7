// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// MustSetenv sets key for the duration of the test and restores the previous
// value (or unsets it) in t.Cleanup.
func MustSetenv(t testing.TB, key, value string) {
	t.Helper()
	prev, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("setenv %s: %v", key, err)
	}
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

// MustWriteFile writes content to dir/name, creating parent directories.
// It returns the full path.
func MustWriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// MustReadFile returns the contents of path.
func MustReadFile(t testing.TB, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

// NewProject creates a temporary source directory holding avocado.yaml with
// the given content and returns the config path.
func NewProject(t testing.TB, yaml string) string {
	t.Helper()
	return MustWriteFile(t, t.TempDir(), "avocado.yaml", yaml)
}

// SetConfigHome points XDG_CONFIG_HOME and HOME at dir so code reading user
// configuration stays inside the test sandbox.
func SetConfigHome(t testing.TB, dir string) {
	t.Helper()
	MustSetenv(t, "XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	MustSetenv(t, "HOME", dir)
}
