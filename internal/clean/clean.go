// SPDX-License-Identifier: MPL-2.0

package clean

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/lockfile"
)

// Options selects what Project removes.
type Options struct {
	// SkipVolumes keeps the build volume.
	SkipVolumes bool
	// Force removes containers still using the volume.
	Force bool
}

// Result reports what Project removed.
type Result struct {
	Volume  string
	Removed []string
}

// Project removes the build volume recorded for srcDir and the working
// files under <src>/.avocado. The lock file is kept; clearing it is Unlock's
// job.
func Project(ctx context.Context, engine container.Engine, srcDir string, opts Options) (*Result, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source directory %s is not a directory", srcDir)
	}

	res := &Result{}
	if !opts.SkipVolumes {
		st, err := container.LoadVolumeState(srcDir)
		if err != nil {
			return nil, err
		}
		switch {
		case st == nil:
			log.Debug("no build volume recorded", "src", srcDir)
		case engine == nil:
			return nil, errors.New("removing the build volume needs a container engine")
		default:
			if err := container.NewVolumeManager(engine, nil).Remove(ctx, st.VolumeName, opts.Force); err != nil {
				return nil, err
			}
			log.Info("removed build volume", "volume", st.VolumeName)
			res.Volume = st.VolumeName
		}
	}

	removed, err := removeState(srcDir, opts.SkipVolumes)
	if err != nil {
		return nil, err
	}
	res.Removed = removed
	return res, nil
}

// removeState deletes everything in <src>/.avocado except the lock file,
// and except the volume state when the volume itself was kept.
func removeState(srcDir string, keepVolume bool) ([]string, error) {
	dir := filepath.Dir(lockfile.Path(srcDir))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keep := map[string]bool{filepath.Base(lockfile.Path(srcDir)): true}
	keep[filepath.Base(container.VolumeStatePath(srcDir))] = keepVolume
	var removed []string
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return removed, fmt.Errorf("removing %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}
