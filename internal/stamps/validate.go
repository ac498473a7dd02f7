// SPDX-License-Identifier: MPL-2.0

package stamps

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrMissingStamp is the sentinel wrapped by every ValidationError.
var ErrMissingStamp = errors.New("dependencies not satisfied")

type (
	// ValidationResult partitions requirements by stamp state.
	ValidationResult struct {
		Satisfied []Requirement
		Missing   []Requirement
		Stale     []Requirement
		// Found maps relative path to the decoded stamp.
		Found map[string]*Stamp
	}

	// ValidationError reports unmet requirements for an operation.
	ValidationError struct {
		Context string
		Missing []Requirement
		Stale   []Requirement
		RunsOn  string
	}
)

// OK reports whether every requirement was satisfied.
func (r *ValidationResult) OK() bool {
	return len(r.Missing) == 0 && len(r.Stale) == 0
}

// Err converts an unsatisfied result into a *ValidationError.
func (r *ValidationResult) Err(context, runsOn string) error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Context: context, Missing: r.Missing, Stale: r.Stale, RunsOn: runsOn}
}

// ParseBatchOutput extracts framed payloads from captured container output.
// A nil value marks a missing stamp. Lines not carrying nonce are ignored.
func ParseBatchOutput(output, nonce string) map[string]*string {
	frames := make(map[string]*string)
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[0] != FramePrefix || fields[1] != nonce {
			continue
		}
		rel := fields[2]
		if len(fields) == 3 || fields[3] == FrameMissing {
			frames[rel] = nil
			continue
		}
		payload := fields[3]
		frames[rel] = &payload
	}
	return frames
}

// ValidateBatch checks captured batched-read output against requirements.
// A stamp that fails to decode counts as missing; a stamp whose config hash
// differs from the requirement's expected hash is stale.
func ValidateBatch(reqs []Requirement, output, nonce string) *ValidationResult {
	frames := ParseBatchOutput(output, nonce)
	res := &ValidationResult{Found: make(map[string]*Stamp)}
	for _, r := range reqs {
		rel := r.RelativePath()
		payload, ok := frames[rel]
		if !ok || payload == nil {
			res.Missing = append(res.Missing, r)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(*payload)
		if err != nil {
			res.Missing = append(res.Missing, r)
			continue
		}
		s, err := Parse(data)
		if err != nil || !s.Success {
			res.Missing = append(res.Missing, r)
			continue
		}
		res.Found[rel] = s
		if r.Expected != "" && s.Inputs.ConfigHash != r.Expected {
			res.Stale = append(res.Stale, r)
			continue
		}
		res.Satisfied = append(res.Satisfied, r)
	}
	return res
}

// Error renders the multi-line report shown to users.
func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s - dependencies not satisfied\n", e.Context)
	if len(e.Missing) > 0 {
		b.WriteString("\n  Missing steps:\n")
		for _, r := range e.Missing {
			fmt.Fprintf(&b, "    - %s (%s)\n", r.Description(), r.RelativePath())
		}
	}
	if len(e.Stale) > 0 {
		b.WriteString("\n  Stale steps (config changed):\n")
		for _, r := range e.Stale {
			fmt.Fprintf(&b, "    - %s (%s)\n", r.Description(), r.RelativePath())
		}
	}
	b.WriteString("\nTo fix:\n")
	for _, fix := range e.FixCommands() {
		fmt.Fprintf(&b, "  %s\n", fix)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FixCommands returns the sorted, de-duplicated remedies.
func (e *ValidationError) FixCommands() []string {
	var fixes []string
	for _, r := range slices.Concat(e.Missing, e.Stale) {
		fixes = append(fixes, r.FixCommand(e.RunsOn))
	}
	slices.Sort(fixes)
	return slices.Compact(fixes)
}

// Unwrap returns ErrMissingStamp.
func (e *ValidationError) Unwrap() error {
	return ErrMissingStamp
}
