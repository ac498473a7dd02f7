// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	// VolumePrefix starts every avocado build volume name.
	VolumePrefix = "avo-"
	// SourcePathLabel records the owning source directory on a volume.
	SourcePathLabel = "avocado.source_path"

	volumeStateFile = "volume.json"
)

type (
	// VolumeState is the persisted binding of a source directory to its
	// build volume.
	VolumeState struct {
		VolumeName string    `json:"volume_name"`
		SourcePath string    `json:"source_path"`
		CreatedAt  time.Time `json:"created_at"`
	}

	// VolumeManager creates and removes per-project build volumes.
	VolumeManager struct {
		engine Engine
		now    func() time.Time
	}
)

// VolumeStatePath returns the volume state file for srcDir.
func VolumeStatePath(srcDir string) string {
	return filepath.Join(srcDir, ".avocado", volumeStateFile)
}

// LoadVolumeState reads the volume state for srcDir. It returns nil when
// none has been recorded.
func LoadVolumeState(srcDir string) (*VolumeState, error) {
	data, err := os.ReadFile(VolumeStatePath(srcDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading volume state: %w", err)
	}
	var st VolumeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing volume state %s: %w", VolumeStatePath(srcDir), err)
	}
	return &st, nil
}

// Save writes the state to srcDir.
func (s *VolumeState) Save(srcDir string) error {
	path := VolumeStatePath(srcDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing volume state: %w", err)
	}
	return nil
}

// NewVolumeManager returns a manager using engine. now may be nil.
func NewVolumeManager(engine Engine, now func() time.Time) *VolumeManager {
	if now == nil {
		now = time.Now
	}
	return &VolumeManager{engine: engine, now: now}
}

// GetOrCreate returns the build volume recorded for srcDir, creating a new
// avo-<uuid> volume when none is recorded or the recorded one is gone.
func (m *VolumeManager) GetOrCreate(ctx context.Context, srcDir string) (*VolumeState, error) {
	st, err := LoadVolumeState(srcDir)
	if err != nil {
		return nil, err
	}
	if st != nil {
		exists, err := m.engine.VolumeExists(ctx, st.VolumeName)
		if err != nil {
			return nil, err
		}
		if exists {
			log.Debug("using existing build volume", "volume", st.VolumeName)
			return st, nil
		}
		log.Debug("recorded build volume is gone; creating a new one", "volume", st.VolumeName)
	}

	abs, err := filepath.Abs(srcDir)
	if err != nil {
		return nil, err
	}
	st = &VolumeState{
		VolumeName: VolumePrefix + uuid.NewString(),
		SourcePath: abs,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.engine.VolumeCreate(ctx, st.VolumeName, VolumeOptions{
		Labels: map[string]string{SourcePathLabel: abs},
	}); err != nil {
		return nil, fmt.Errorf("creating volume %s: %w", st.VolumeName, err)
	}
	if err := st.Save(srcDir); err != nil {
		return nil, err
	}
	log.Debug("created build volume", "volume", st.VolumeName)
	return st, nil
}

// Remove deletes a volume. With force, containers still using it are
// removed first.
func (m *VolumeManager) Remove(ctx context.Context, name string, force bool) error {
	if force {
		ids, err := m.engine.ListContainers(ctx, "volume="+name)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := m.engine.Remove(ctx, id, true); err != nil {
				log.Warn("could not remove container using volume", "container", id, "volume", name, "err", err)
			}
		}
	}
	if err := m.engine.VolumeRemove(ctx, name, force); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

// Mountpoint returns the host path backing a local volume.
func (m *VolumeManager) Mountpoint(ctx context.Context, name string) (string, error) {
	return m.engine.VolumeInspect(ctx, name, "{{.Mountpoint}}")
}

// SourcePath returns the source directory label of a volume.
func (m *VolumeManager) SourcePath(ctx context.Context, name string) (string, error) {
	return m.engine.VolumeInspect(ctx, name, fmt.Sprintf("{{index .Labels %q}}", SourcePathLabel))
}

// Orphans lists avocado volumes whose labeled source directory no longer
// holds a volume state naming them.
func (m *VolumeManager) Orphans(ctx context.Context) ([]string, error) {
	names, err := m.engine.VolumeList(ctx, "name="+VolumePrefix)
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, name := range names {
		// Name filters match substrings.
		if !strings.HasPrefix(name, VolumePrefix) {
			continue
		}
		src, err := m.SourcePath(ctx, name)
		if err != nil {
			log.Warn("could not inspect volume", "volume", name, "err", err)
			continue
		}
		if src == "" || src == "<no value>" {
			orphans = append(orphans, name)
			continue
		}
		st, err := LoadVolumeState(src)
		if err != nil || st == nil || st.VolumeName != name {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}
