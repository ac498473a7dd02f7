// SPDX-License-Identifier: MPL-2.0

// Package target resolves which build target a command operates on.
package target

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/issue"
)

// EnvVar overrides the configured target.
const EnvVar = "AVOCADO_TARGET"

// Source records where a target came from, in precedence order.
const (
	SourceCLI Source = iota + 1
	SourceEnv
	SourceConfig
	SourceRuntime
	SourceUserConfig
)

var (
	// ErrTarget is matched by every target resolution failure.
	ErrTarget = errors.New("target error")

	// ErrNoTarget means no source produced a target.
	ErrNoTarget = fmt.Errorf("%w: no target architecture specified", ErrTarget)
)

type (
	// Source identifies the origin of a resolved target.
	Source int

	// Resolution is a resolved target and its origin.
	Resolution struct {
		Target string
		Source Source
	}

	// Resolver applies the precedence CLI flag, AVOCADO_TARGET,
	// default_target, the selected runtime's target field, and finally the
	// user's global default.
	Resolver struct {
		CLI         string
		Runtime     string
		UserDefault string
		LookupEnv   func(string) (string, bool)
	}

	// UnknownTargetError rejects a target the configuration does not define.
	UnknownTargetError struct {
		Target string
		Known  []string
	}
)

func (s Source) String() string {
	switch s {
	case SourceCLI:
		return "CLI argument (--target)"
	case SourceEnv:
		return "environment variable (AVOCADO_TARGET)"
	case SourceConfig:
		return "config file (default_target)"
	case SourceRuntime:
		return "runtime target field"
	case SourceUserConfig:
		return "user settings (default_target)"
	default:
		return "unknown"
	}
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("target '%s' is not supported by this configuration. Supported targets: %s",
		e.Target, strings.Join(e.Known, ", "))
}

// Is reports ErrTarget as matching.
func (e *UnknownTargetError) Is(target error) bool {
	return target == ErrTarget
}

// Resolve applies the precedence chain without validating the result.
func (r Resolver) Resolve(cfg *composer.Config) (Resolution, error) {
	if t := strings.TrimSpace(r.CLI); t != "" {
		return Resolution{Target: t, Source: SourceCLI}, nil
	}
	if t, ok := r.lookupEnv(EnvVar); ok && strings.TrimSpace(t) != "" {
		return Resolution{Target: strings.TrimSpace(t), Source: SourceEnv}, nil
	}
	if cfg != nil {
		if t := cfg.DefaultTarget(); t != "" {
			return Resolution{Target: t, Source: SourceConfig}, nil
		}
		if r.Runtime != "" {
			if rt, ok := cfg.Runtime(r.Runtime, ""); ok && rt.Target != "" {
				return Resolution{Target: rt.Target, Source: SourceRuntime}, nil
			}
		}
	}
	if t := strings.TrimSpace(r.UserDefault); t != "" {
		return Resolution{Target: t, Source: SourceUserConfig}, nil
	}
	return Resolution{}, issue.NewErrorContext().
		WithOperation("resolve target").
		WithSuggestions(
			"Pass --target <target>",
			"Set AVOCADO_TARGET in the environment",
			"Add default_target to avocado.yaml",
		).
		WithGuide(issue.TargetUnresolvedId).
		Wrap(ErrNoTarget).
		BuildError()
}

// ResolveAndValidate resolves the target and rejects targets the
// configuration does not know.
func (r Resolver) ResolveAndValidate(cfg *composer.Config) (Resolution, error) {
	res, err := r.Resolve(cfg)
	if err != nil {
		return Resolution{}, err
	}
	if err := Validate(res.Target, cfg); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

// Validate checks t against the configuration. With supported_targets: "*"
// every target is accepted; otherwise the target must be listed in
// supported_targets, or, when that key is absent, match default_target or a
// runtime's target. A configuration naming no targets accepts any.
func Validate(t string, cfg *composer.Config) error {
	if cfg == nil {
		return nil
	}
	supported, all := cfg.SupportedTargets()
	if all {
		return nil
	}
	known := supported
	if len(known) == 0 {
		known = cfg.KnownTargets()
	}
	if len(known) == 0 || slices.Contains(known, t) {
		return nil
	}
	return issue.NewErrorContext().
		WithOperation("validate target").
		WithResource(cfg.Path()).
		WithSuggestion(fmt.Sprintf("Use one of: %s", strings.Join(known, ", "))).
		WithGuide(issue.UnknownTargetId).
		Wrap(&UnknownTargetError{Target: t, Known: known}).
		BuildError()
}

func (r Resolver) lookupEnv(k string) (string, bool) {
	if r.LookupEnv != nil {
		return r.LookupEnv(k)
	}
	return os.LookupEnv(k)
}
