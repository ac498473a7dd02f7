// SPDX-License-Identifier: MPL-2.0

package sdk

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
)

// CompileError lists the sections whose script failed.
type CompileError struct {
	Failed []string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed for section(s): %s", strings.Join(e.Failed, ", "))
}

// Compile runs the compile script of each named sdk.compile section, or of
// every section when names is empty. A failing section does not stop the
// others. It returns the sections that ran.
func Compile(ctx context.Context, s *session.Session, names ...string) ([]string, error) {
	sections, err := selectSections(s.SDK().Compile, names)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		log.Info("no compile sections configured")
		return nil, nil
	}
	if err := s.RequireStamps(ctx, "sdk compile", []stamps.Requirement{stamps.SDKInstall(s.HostArch())}); err != nil {
		return nil, err
	}

	var ran, failed []string
	for _, sec := range sections {
		if sec.Script == "" {
			return ran, fmt.Errorf("compile section '%s' has no compile script", sec.Name)
		}
		log.Info("compiling", "section", sec.Name, "script", sec.Script)
		run := s.RunConfig(compileScript(sec.Script))
		run.SourceEnvironment = true
		if err := s.Run(ctx, run); err != nil {
			if ctx.Err() != nil {
				return ran, ctx.Err()
			}
			log.Error("compile section failed", "section", sec.Name, "err", err)
			failed = append(failed, sec.Name)
			continue
		}
		ran = append(ran, sec.Name)
	}
	if len(failed) > 0 {
		return ran, &CompileError{Failed: failed}
	}
	return ran, nil
}

func selectSections(all []composer.CompileSection, names []string) ([]composer.CompileSection, error) {
	if len(names) == 0 {
		return all, nil
	}
	var (
		out     []composer.CompileSection
		missing []string
	)
	for _, n := range names {
		i := slices.IndexFunc(all, func(c composer.CompileSection) bool { return c.Name == n })
		if i < 0 {
			missing = append(missing, n)
			continue
		}
		out = append(out, all[i])
	}
	if len(missing) > 0 {
		available := make([]string, len(all))
		for i, c := range all {
			available[i] = c.Name
		}
		return nil, fmt.Errorf("compile section(s) not found: %s (available: %s)",
			strings.Join(missing, ", "), strings.Join(available, ", "))
	}
	return out, nil
}

// compileScript runs a project-relative script from the source mount.
func compileScript(script string) string {
	q := shell.Quote(script)
	var b shell.Script
	b.Line("if [ ! -f %s ]; then", q).
		Line("    echo %s >&2", shell.Quote("compile script "+script+" not found")).
		Raw("    exit 1").
		Raw("fi").
		Line("bash %s", q)
	return b.String()
}
