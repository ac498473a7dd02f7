// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/avocado-linux/avocado-cli/internal/session"
)

const (
	defaultInitTarget = "qemux86-64"
	defaultSDKImage   = "docker.io/avocadolinux/sdk:apollo-edge"
)

func newInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init [directory]",
		Short: "Create a starter avocado.yaml",
		Long: `Create a starter avocado.yaml with an SDK image, one runtime 'dev' and one
extension 'app'. The target defaults to ` + defaultInitTarget + `; pass --target to
choose another. An existing configuration is never overwritten.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			target := a.target
			if target == "" {
				target = defaultInitTarget
			}
			path, err := writeStarterConfig(dir, target)
			if err != nil {
				return err
			}
			abs, _ := filepath.Abs(path)
			a.success("Created %s for target '%s'.", abs, target)
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), SubtitleStyle.Render("Next steps:"))
			fmt.Fprintln(cmd.OutOrStdout(), "  1. Add packages to the app extension in avocado.yaml")
			fmt.Fprintln(cmd.OutOrStdout(), "  2. Run 'avocado install' to set up the SDK and sysroots")
			fmt.Fprintln(cmd.OutOrStdout(), "  3. Run 'avocado build' to build the dev runtime")
			return nil
		},
	}
}

// writeStarterConfig creates dir if needed and writes avocado.yaml into it.
func writeStarterConfig(dir, target string) (string, error) {
	path := filepath.Join(dir, session.DefaultConfigFile)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if _, err := f.WriteString(starterConfig(target)); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, f.Close()
}

func starterConfig(target string) string {
	return `default_target: "` + target + `"

sdk:
  image: "` + defaultSDKImage + `"

runtimes:
  dev:
    extensions:
      - app
    packages:
      avocado-runtime: "*"

extensions:
  app:
    version: "0.1.0"
    types:
      - sysext
      - confext
    packages: {}
`
}
