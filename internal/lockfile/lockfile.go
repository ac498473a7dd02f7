// SPDX-License-Identifier: MPL-2.0

// Package lockfile pins the exact package versions installed into every
// sysroot so repeated installs reproduce the same trees.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

const (
	// Version is the newest lock format this build reads and writes.
	Version = 1

	dirName  = ".avocado"
	fileName = "lock.json"
)

var (
	// ErrLockFile marks unreadable, unwritable, or malformed lock files.
	ErrLockFile = errors.New("lock file error")

	// ErrVersionTooNew is returned when the file was written by a newer format.
	ErrVersionTooNew = errors.New("lock file version is newer than supported")
)

type (
	// Packages maps package name to VERSION-RELEASE[.ARCH].
	Packages map[string]string

	// LockFile is the in-memory lock document:
	// target → sysroot key → package → version.
	LockFile struct {
		Version int                            `json:"version"`
		Targets map[string]map[string]Packages `json:"targets"`
	}
)

// Path returns the lock file location for a source directory.
func Path(srcDir string) string {
	return filepath.Join(srcDir, dirName, fileName)
}

// New returns an empty lock at the current version.
func New() *LockFile {
	return &LockFile{Version: Version, Targets: map[string]map[string]Packages{}}
}

// Load reads the lock for srcDir. A missing file yields an empty lock.
func Load(srcDir string) (*LockFile, error) {
	path := Path(srcDir)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrLockFile, path, err)
	}
	return Parse(data, path)
}

// Parse decodes lock file bytes. name is used in error messages.
func Parse(data []byte, name string) (*LockFile, error) {
	var lf LockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrLockFile, name, err)
	}
	if lf.Version > Version {
		return nil, fmt.Errorf("%w: %s has version %d, this avocado supports up to %d; upgrade avocado",
			ErrVersionTooNew, name, lf.Version, Version)
	}
	if lf.Version < 1 {
		return nil, fmt.Errorf("%w: %s has invalid version %d", ErrLockFile, name, lf.Version)
	}
	if lf.Targets == nil {
		lf.Targets = map[string]map[string]Packages{}
	}
	for target, sysroots := range lf.Targets {
		for key := range sysroots {
			if _, err := sysroot.ParseLockKey(key); err != nil {
				return nil, fmt.Errorf("%w: %s: target %q: %w", ErrLockFile, name, target, err)
			}
		}
	}
	// Older formats are upgraded on the next save.
	lf.Version = Version
	return &lf, nil
}

// Marshal returns the canonical encoding: RFC 8785 JSON plus one newline.
func (lf *LockFile) Marshal() ([]byte, error) {
	raw, err := json.Marshal(lf)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding: %w", ErrLockFile, err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizing: %w", ErrLockFile, err)
	}
	return append(canon, '\n'), nil
}

// Save replaces the lock file for srcDir with the canonical encoding. The
// write goes through a temp file and rename so readers never see a partial file.
func (lf *LockFile) Save(srcDir string) error {
	data, err := lf.Marshal()
	if err != nil {
		return err
	}
	path := Path(srcDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrLockFile, filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrLockFile, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: renaming %s: %w", ErrLockFile, path, err)
	}
	return nil
}

// LockedVersion returns the pinned version for pkg, if any.
func (lf *LockFile) LockedVersion(target string, s sysroot.Sysroot, pkg string) (string, bool) {
	v, ok := lf.Targets[target][s.LockKey()][pkg]
	return v, ok
}

// SetLockedVersion pins a single package.
func (lf *LockFile) SetLockedVersion(target string, s sysroot.Sysroot, pkg, version string) {
	lf.slot(target, s)[pkg] = version
}

// UpdateSysrootVersions merges versions into the sysroot's slot, overwriting
// existing pins for the same names.
func (lf *LockFile) UpdateSysrootVersions(target string, s sysroot.Sysroot, versions Packages) {
	if len(versions) == 0 {
		return
	}
	maps.Copy(lf.slot(target, s), versions)
}

// SysrootVersions returns a copy of the sysroot's pins.
func (lf *LockFile) SysrootVersions(target string, s sysroot.Sysroot) Packages {
	return maps.Clone(lf.Targets[target][s.LockKey()])
}

// RemovePackages drops individual pins, pruning empty slots.
func (lf *LockFile) RemovePackages(target string, s sysroot.Sysroot, names ...string) {
	slot := lf.Targets[target][s.LockKey()]
	for _, n := range names {
		delete(slot, n)
	}
	lf.prune(target)
}

// ClearSDK removes the SDK pins for target.
func (lf *LockFile) ClearSDK(target string) { lf.clearKey(target, "sdk") }

// ClearRootfs removes the rootfs pins for target.
func (lf *LockFile) ClearRootfs(target string) { lf.clearKey(target, "rootfs") }

// ClearTargetSysroot removes the target-sysroot pins for target.
func (lf *LockFile) ClearTargetSysroot(target string) { lf.clearKey(target, "target-sysroot") }

// ClearExtension removes one extension's pins.
func (lf *LockFile) ClearExtension(target, name string) {
	lf.clearKey(target, sysroot.Extension(name).LockKey())
}

// ClearRuntime removes one runtime's pins.
func (lf *LockFile) ClearRuntime(target, name string) {
	lf.clearKey(target, sysroot.Runtime(name).LockKey())
}

// ClearAllExtensions removes every extension slot for target.
func (lf *LockFile) ClearAllExtensions(target string) { lf.clearPrefix(target, "extensions/") }

// ClearAllRuntimes removes every runtime slot for target.
func (lf *LockFile) ClearAllRuntimes(target string) { lf.clearPrefix(target, "runtimes/") }

// ClearAll removes every pin for target.
func (lf *LockFile) ClearAll(target string) {
	delete(lf.Targets, target)
}

// IsEmpty reports whether the lock pins nothing.
func (lf *LockFile) IsEmpty() bool {
	for _, sysroots := range lf.Targets {
		for _, pkgs := range sysroots {
			if len(pkgs) > 0 {
				return false
			}
		}
	}
	return true
}

// TargetNames returns the locked targets in sorted order.
func (lf *LockFile) TargetNames() []string {
	return slices.Sorted(maps.Keys(lf.Targets))
}

// SysrootKeys returns the sysroot keys locked for target in sorted order.
func (lf *LockFile) SysrootKeys(target string) []string {
	return slices.Sorted(maps.Keys(lf.Targets[target]))
}

func (lf *LockFile) slot(target string, s sysroot.Sysroot) Packages {
	if lf.Targets == nil {
		lf.Targets = map[string]map[string]Packages{}
	}
	sysroots, ok := lf.Targets[target]
	if !ok {
		sysroots = map[string]Packages{}
		lf.Targets[target] = sysroots
	}
	key := s.LockKey()
	pkgs, ok := sysroots[key]
	if !ok {
		pkgs = Packages{}
		sysroots[key] = pkgs
	}
	return pkgs
}

func (lf *LockFile) clearKey(target, key string) {
	delete(lf.Targets[target], key)
	lf.prune(target)
}

func (lf *LockFile) clearPrefix(target, prefix string) {
	for key := range lf.Targets[target] {
		if strings.HasPrefix(key, prefix) {
			delete(lf.Targets[target], key)
		}
	}
	lf.prune(target)
}

func (lf *LockFile) prune(target string) {
	sysroots, ok := lf.Targets[target]
	if !ok {
		return
	}
	for key, pkgs := range sysroots {
		if len(pkgs) == 0 {
			delete(sysroots, key)
		}
	}
	if len(sysroots) == 0 {
		delete(lf.Targets, target)
	}
}
