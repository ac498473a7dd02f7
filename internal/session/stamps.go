// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/stamps"
)

// newNonce is swapped in tests to make batched reads predictable.
var newNonce = stamps.NewNonce

// ReadStamps reads every requirement's stamp in one container step and
// classifies them.
func (s *Session) ReadStamps(ctx context.Context, reqs []stamps.Requirement) (*stamps.ValidationResult, error) {
	nonce := newNonce()
	cfg := s.RunConfig(stamps.BatchReadScript(reqs, nonce))
	out, err := s.Output(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("reading stamps: %w", err)
	}
	return stamps.ValidateBatch(reqs, out, nonce), nil
}

// RequireStamps fails with a *stamps.ValidationError naming the commands to
// run when any requirement is missing or stale. It is a no-op with
// --no-stamps.
func (s *Session) RequireStamps(ctx context.Context, operation string, reqs []stamps.Requirement) error {
	if s.opts.NoStamps || len(reqs) == 0 {
		return nil
	}
	res, err := s.ReadStamps(ctx, reqs)
	if err != nil {
		return err
	}
	if err := res.Err(operation, s.opts.RunsOn); err != nil {
		return err
	}
	log.Debug("stamp requirements satisfied", "operation", operation, "count", len(reqs))
	return nil
}

// WriteStamp records st in the volume unless stamps are disabled.
func (s *Session) WriteStamp(ctx context.Context, st *stamps.Stamp) error {
	if s.opts.NoStamps {
		return nil
	}
	script, err := stamps.WriteScript(st)
	if err != nil {
		return err
	}
	if err := s.Run(ctx, s.RunConfig(script)); err != nil {
		return fmt.Errorf("writing stamp %s: %w", st.RelativePath(), err)
	}
	return nil
}

// WriteSDKStamp records the SDK install stamp. Without --sdk-arch on a
// remote host the architecture is resolved inside the container.
func (s *Session) WriteSDKStamp(ctx context.Context, in stamps.Inputs, out stamps.Outputs) error {
	if s.opts.NoStamps {
		return nil
	}
	if s.remote != nil && s.opts.SDKArch == "" && s.hostArch == "" {
		script, err := stamps.WriteSDKScript(in, out, s.Now(), s.opts.CLIVersion)
		if err != nil {
			return err
		}
		return s.Run(ctx, s.RunConfig(script))
	}
	return s.WriteStamp(ctx, stamps.New(stamps.Install, stamps.SDK, "", s.HostArch(), in, out, s.Now(), s.opts.CLIVersion))
}

// NewStamp builds a stamp for a non-SDK component of the session target.
func (s *Session) NewStamp(cmd stamps.Command, comp stamps.Component, name string, in stamps.Inputs, out stamps.Outputs) *stamps.Stamp {
	return stamps.New(cmd, comp, name, s.Target(), in, out, s.Now(), s.opts.CLIVersion)
}

// RemoveStamps deletes stamps in the volume.
func (s *Session) RemoveStamps(ctx context.Context, reqs ...stamps.Requirement) error {
	if s.opts.NoStamps {
		return nil
	}
	return s.Run(ctx, s.RunConfig(stamps.RemoveScript(reqs...)))
}
