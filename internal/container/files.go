// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// VolumeFiles moves files between the host and a build volume through a
// created, never started, helper container. Nothing runs inside it, so no
// SDK preamble or entrypoint is involved.
type VolumeFiles struct {
	Engine Engine
	Volume string
	// Image is any image present locally; the SDK image is used in practice.
	Image string
}

func (v *VolumeFiles) helper(ctx context.Context, readOnly bool) (string, func(), error) {
	mount := v.Volume + ":" + VolumeMount
	if readOnly {
		mount += ":ro"
	}
	id, err := v.Engine.Create(ctx, RunOptions{
		Image:   v.Image,
		Command: []string{"true"},
		Volumes: []string{mount},
		Name:    "avocado-files-" + uuid.NewString(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("creating helper container for %s: %w", v.Volume, err)
	}
	cleanup := func() {
		// The caller's context may already be canceled.
		if err := v.Engine.Remove(context.WithoutCancel(ctx), id, true); err != nil {
			log.Warn("could not remove helper container", "container", id, "err", err)
		}
	}
	return id, cleanup, nil
}

// ReadFiles copies each container path out of the volume and returns the
// contents keyed by path.
func (v *VolumeFiles) ReadFiles(ctx context.Context, paths []string) (map[string][]byte, error) {
	id, cleanup, err := v.helper(ctx, true)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	dir, err := os.MkdirTemp("", "avocado-files-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	out := make(map[string][]byte, len(paths))
	for i, p := range paths {
		dst := filepath.Join(dir, strconv.Itoa(i))
		if err := v.Engine.Copy(ctx, id+":"+p, dst); err != nil {
			return nil, fmt.Errorf("copying %s out of %s: %w", p, v.Volume, err)
		}
		data, err := os.ReadFile(dst)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		out[p] = data
	}
	return out, nil
}

// WriteFiles copies contents into the volume at their container paths.
// Parent directories must already exist.
func (v *VolumeFiles) WriteFiles(ctx context.Context, files map[string][]byte) error {
	if len(files) == 0 {
		return nil
	}
	id, cleanup, err := v.helper(ctx, false)
	if err != nil {
		return err
	}
	defer cleanup()

	dir, err := os.MkdirTemp("", "avocado-files-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	var errs []error
	i := 0
	for p, data := range files {
		src := filepath.Join(dir, strconv.Itoa(i))
		i++
		if err := os.WriteFile(src, data, 0o644); err != nil { //nolint:gosec // copied into the volume
			return err
		}
		if err := v.Engine.Copy(ctx, src, id+":"+p); err != nil {
			errs = append(errs, fmt.Errorf("copying %s into %s: %w", p, v.Volume, err))
		}
	}
	return errors.Join(errs...)
}

// CopyOut copies a file or directory from the volume to a host path.
func (v *VolumeFiles) CopyOut(ctx context.Context, src, dst string) error {
	id, cleanup, err := v.helper(ctx, true)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := v.Engine.Copy(ctx, id+":"+src, dst); err != nil {
		return fmt.Errorf("copying %s out of %s: %w", src, v.Volume, err)
	}
	return nil
}
