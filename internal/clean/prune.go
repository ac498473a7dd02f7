// SPDX-License-Identifier: MPL-2.0

package clean

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/container"
)

// Volumes created by remote sessions.
const (
	remoteSrcPrefix   = "avocado-src-"
	remoteStatePrefix = "avocado-state-"
)

type (
	// Candidate is a volume prune considers abandoned.
	Candidate struct {
		Volume string
		Reason string
	}

	// PruneResult reports a prune run.
	PruneResult struct {
		Active    int
		Abandoned []Candidate
		Removed   []string
		Failed    map[string]error
	}
)

// Prune removes avocado volumes whose project is gone, along with the
// containers using them. Build volumes are abandoned when their source
// directory no longer records them; remote-session volumes when no running
// container uses them. With dryRun nothing is removed.
func Prune(ctx context.Context, engine container.Engine, dryRun bool) (*PruneResult, error) {
	vm := container.NewVolumeManager(engine, nil)
	res := &PruneResult{Failed: map[string]error{}}

	orphans, err := vm.Orphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing build volumes: %w", err)
	}
	all, err := engine.VolumeList(ctx, "name="+container.VolumePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing build volumes: %w", err)
	}
	for _, v := range all {
		if strings.HasPrefix(v, container.VolumePrefix) {
			res.Active++
		}
	}
	res.Active -= len(orphans)
	for _, v := range orphans {
		res.Abandoned = append(res.Abandoned, Candidate{Volume: v, Reason: "source directory no longer records this volume"})
	}

	for _, prefix := range []string{remoteSrcPrefix, remoteStatePrefix} {
		names, err := engine.VolumeList(ctx, "name="+prefix)
		if err != nil {
			return nil, fmt.Errorf("listing session volumes: %w", err)
		}
		for _, v := range names {
			if !strings.HasPrefix(v, prefix) {
				continue
			}
			running, err := engine.ListContainers(ctx, "volume="+v, "status=running")
			if err != nil {
				return nil, err
			}
			if len(running) > 0 {
				res.Active++
				continue
			}
			res.Abandoned = append(res.Abandoned, Candidate{Volume: v, Reason: "no running container uses it"})
		}
	}

	for _, c := range res.Abandoned {
		if dryRun {
			log.Info("would remove volume", "volume", c.Volume, "reason", c.Reason)
			continue
		}
		log.Info("removing volume", "volume", c.Volume, "reason", c.Reason)
		if err := vm.Remove(ctx, c.Volume, true); err != nil {
			log.Error("could not remove volume", "volume", c.Volume, "err", err)
			res.Failed[c.Volume] = err
			continue
		}
		res.Removed = append(res.Removed, c.Volume)
	}
	return res, nil
}
