// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/selfupdate"
)

// upgradeParams bundles the dependencies and flags for the upgrade command,
// so runUpgrade can be tested without Cobra or the live GitHub API.
type upgradeParams struct {
	stdout  io.Writer
	updater *selfupdate.Updater
	version string // empty = latest stable
	check   bool
}

func newUpgradeCommand(a *app) *cobra.Command {
	var p upgradeParams
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Update avocado to the latest stable release or a specific version",
		Long: `Update avocado to the latest stable release or a specific version.

The release archive is downloaded from GitHub Releases, verified against
the release's checksums.txt, and the running binary is replaced in place.`,
		Example: `  # Upgrade to latest stable
  avocado upgrade

  # Check for updates without installing
  avocado upgrade --check

  # Install a specific version
  avocado upgrade --version v0.9.0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p.stdout = cmd.OutOrStdout()
			p.updater = a.updater()
			if err := runUpgrade(cmd.Context(), p); err != nil {
				return &ExitError{Code: classifyUpgradeExitCode(err), Err: upgradeError(err)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&p.version, "version", "", "release to install (default: latest stable)")
	cmd.Flags().BoolVar(&p.check, "check", false, "only report whether an upgrade is available")
	return cmd
}

// runUpgrade is the core upgrade logic, separated from Cobra for testability.
func runUpgrade(ctx context.Context, p upgradeParams) error {
	status, err := p.updater.Check(ctx, p.version)
	if err != nil {
		return fmt.Errorf("checking for upgrade: %w", err)
	}
	fmt.Fprintf(p.stdout, "Current version: %s\n", status.Current)
	fmt.Fprintf(p.stdout, "Release:         %s\n", status.Release.Tag)

	if !status.Available {
		fmt.Fprintln(p.stdout, "\nAlready up to date.")
		return nil
	}
	if p.check {
		fmt.Fprintf(p.stdout, "\nAn upgrade is available: %s → %s\n", status.Current, status.Release.Tag)
		fmt.Fprintln(p.stdout, "Run 'avocado upgrade' to install.")
		return nil
	}

	fmt.Fprintf(p.stdout, "\nDownloading avocado %s...\n", status.Release.Tag)
	if err := p.updater.Apply(ctx, status.Release); err != nil {
		return fmt.Errorf("applying upgrade: %w", err)
	}
	fmt.Fprintln(p.stdout, SuccessStyle.Render("[SUCCESS]")+" Upgraded to "+status.Release.Tag)
	return nil
}

// classifyUpgradeExitCode maps an upgrade error to the process exit code.
// User-correctable failures exit 1; transient ones exit 2.
func classifyUpgradeExitCode(err error) int {
	switch {
	case errors.Is(err, os.ErrPermission),
		errors.Is(err, selfupdate.ErrReleaseNotFound),
		errors.Is(err, selfupdate.ErrInvalidVersion):
		return 1
	default:
		return 2
	}
}

// upgradeError adds remediation hints to the errors users can act on.
func upgradeError(err error) error {
	var rateLimitErr *selfupdate.RateLimitError
	switch {
	case errors.As(err, &rateLimitErr):
		return fmt.Errorf("%w\n\nSet GITHUB_TOKEN to raise the GitHub API rate limit, then retry", err)
	case errors.Is(err, selfupdate.ErrChecksumMismatch):
		return fmt.Errorf("%w\n\nThe download may be corrupt or tampered with; the current binary was kept", err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w\n\nThe binary's directory is not writable; rerun with sufficient permissions", err)
	}
	return err
}
