// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/clean"
	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/session"
)

func newCleanCommand(a *app) *cobra.Command {
	var opts clean.Options
	var stampsOnly, unlock bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the project's build volume and working state",
		Long: `Remove the build volume recorded for the project and everything under
.avocado except the lock file.

--stamps removes only the stamps inside the volume, forcing every step to
run again. --unlock also clears the lock file entries of the target.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if stampsOnly {
				return a.withSession(cmd.Context(), "", func(s *session.Session) error {
					if err := clean.Stamps(cmd.Context(), s); err != nil {
						return err
					}
					a.success("Removed all stamps.")
					return nil
				})
			}

			srcDir := filepath.Dir(a.configPath)
			s, loadErr := a.load("")
			if loadErr == nil {
				srcDir = s.SrcDir()
			} else {
				log.Warn("could not load the project; cleaning next to the configuration file", "err", loadErr)
			}

			var engine container.Engine
			if !opts.SkipVolumes {
				e, err := a.engine()
				if err != nil {
					return err
				}
				engine = e
			}
			opts.Force = opts.Force || a.force
			res, err := clean.Project(cmd.Context(), engine, srcDir, opts)
			if err != nil {
				return err
			}
			if res.Volume != "" {
				a.info("Removed volume %s.", res.Volume)
			}
			for _, p := range res.Removed {
				a.info("Removed %s.", p)
			}

			if unlock {
				if loadErr != nil {
					return loadErr
				}
				if _, err := clean.Unlock(s.Lock(), s.Target(), clean.Scope{}); err != nil {
					return err
				}
				if err := s.SaveLock(); err != nil {
					return err
				}
				a.info("Cleared lock entries for target '%s'.", s.Target())
			}
			a.success("Clean complete.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.SkipVolumes, "skip-volumes", false, "keep the build volume")
	cmd.Flags().BoolVar(&stampsOnly, "stamps", false, "remove only the stamps in the build volume")
	cmd.Flags().BoolVar(&unlock, "unlock", false, "also clear the lock file entries of the target")
	return cmd
}

func newPruneCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove avocado volumes whose projects are gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := a.engine()
			if err != nil {
				return err
			}
			res, err := clean.Prune(cmd.Context(), engine, dryRun)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.Abandoned) == 0 {
				a.info("Nothing to prune; %d volume(s) in use.", res.Active)
				return nil
			}
			rows := make([][]string, 0, len(res.Abandoned))
			for _, c := range res.Abandoned {
				status := "removed"
				switch {
				case dryRun:
					status = "would remove"
				case res.Failed[c.Volume] != nil:
					status = "failed: " + res.Failed[c.Volume].Error()
				case !slices.Contains(res.Removed, c.Volume):
					status = "kept"
				}
				rows = append(rows, []string{c.Volume, c.Reason, status})
			}
			renderTable(out, []string{"VOLUME", "REASON", "STATUS"}, rows)
			if len(res.Failed) > 0 {
				return fmt.Errorf("failed to remove %d volume(s)", len(res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list what would be removed")
	return cmd
}

func newUnlockCommand(a *app) *cobra.Command {
	var scope clean.Scope
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Clear lock file entries so packages resolve to new versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := scope.Validate(); err != nil {
				return err
			}
			s, err := a.load(scope.Runtime)
			if err != nil {
				return err
			}
			changed, err := clean.Unlock(s.Lock(), s.Target(), scope)
			if err != nil {
				return err
			}
			if !changed {
				a.info("Lock file is empty; nothing to unlock.")
				return nil
			}
			if err := s.SaveLock(); err != nil {
				return err
			}
			a.success("Unlocked %s for target '%s'.", scope, s.Target())
			return nil
		},
	}
	cmd.Flags().StringVarP(&scope.Extension, "extension", "e", "", "unlock one extension")
	cmd.Flags().StringVarP(&scope.Runtime, "runtime", "r", "", "unlock one runtime")
	cmd.Flags().BoolVar(&scope.SDK, "sdk", false, "unlock the SDK, rootfs and target sysroot")
	return cmd
}
