// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestActionableError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{
			name: "operation only",
			err:  &ActionableError{Operation: "install sdk"},
			want: "failed to install sdk",
		},
		{
			name: "operation with resource",
			err:  &ActionableError{Operation: "load config", Resource: "avocado.yaml"},
			want: "failed to load config: avocado.yaml",
		},
		{
			name: "full context",
			err: &ActionableError{
				Operation: "save lock file",
				Resource:  ".avocado/lock.json",
				Cause:     errors.New("read-only file system"),
			},
			want: "failed to save lock file: .avocado/lock.json: read-only file system",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActionableError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := &ActionableError{Operation: "sign runtime 'dev'", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if (&ActionableError{Operation: "x"}).Unwrap() != nil {
		t.Error("Unwrap() should be nil without a cause")
	}
}

func TestActionableError_Format(t *testing.T) {
	t.Parallel()

	err := &ActionableError{
		Operation:   "build runtime 'dev'",
		Suggestions: []string{"avocado runtime install -r dev", "avocado sdk install"},
		Cause:       fmt.Errorf("stamps: %w", errors.New("missing")),
	}

	plain := err.Format(false)
	for _, want := range []string{"failed to build runtime 'dev'", "To fix:", "• avocado sdk install"} {
		if !strings.Contains(plain, want) {
			t.Errorf("Format(false) missing %q:\n%s", want, plain)
		}
	}
	if strings.Contains(plain, "Error chain:") {
		t.Errorf("Format(false) should not print the chain:\n%s", plain)
	}

	verbose := err.Format(true)
	for _, want := range []string{"Error chain:", "1. stamps: missing", "2. missing"} {
		if !strings.Contains(verbose, want) {
			t.Errorf("Format(true) missing %q:\n%s", want, verbose)
		}
	}
}

func TestErrorContext_Build(t *testing.T) {
	t.Parallel()

	if NewErrorContext().WithResource("x").Build() != nil {
		t.Error("Build() without operation should return nil")
	}
	if NewErrorContext().BuildError() != nil {
		t.Error("BuildError() without operation should return a nil interface")
	}

	cause := errors.New("exit status 1")
	ae := NewErrorContext().
		WithOperation("run container step").
		WithResource("docker.io/avocadolinux/sdk:apollo-edge").
		WithSuggestion("re-run with --verbose").
		WithSuggestions("avocado sdk run -i").
		WithGuide(ContainerStepFailedId).
		Wrap(cause).
		Build()

	if ae.Operation != "run container step" || ae.Resource == "" {
		t.Errorf("unexpected fields: %+v", ae)
	}
	if len(ae.Suggestions) != 2 {
		t.Errorf("Suggestions = %v, want 2 entries", ae.Suggestions)
	}
	if !errors.Is(ae, cause) {
		t.Error("built error should wrap the cause")
	}
}

func TestWrapHelpers(t *testing.T) {
	t.Parallel()

	if WrapWithOperation(nil, "x") != nil {
		t.Error("WrapWithOperation(nil) should be nil")
	}
	if WrapWithContext(nil, "x", "y") != nil {
		t.Error("WrapWithContext(nil) should be nil")
	}
	err := WrapWithContext(errors.New("denied"), "open key", "/keys/abc.key")
	if err.Error() != "failed to open key: /keys/abc.key: denied" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestGuideFor(t *testing.T) {
	t.Parallel()

	inner := NewErrorContext().WithOperation("resolve target").WithGuide(UnknownTargetId).Build()
	outer := &ActionableError{Operation: "build runtime 'dev'", Cause: inner}
	wrapped := fmt.Errorf("command failed: %w", outer)

	g := GuideFor(wrapped)
	if g == nil || g.Id() != UnknownTargetId {
		t.Fatalf("GuideFor() = %v, want guide %d", g, UnknownTargetId)
	}
	if GuideFor(errors.New("plain")) != nil {
		t.Error("GuideFor(plain error) should be nil")
	}
	if GuideFor(&ActionableError{Operation: "x"}) != nil {
		t.Error("GuideFor() without guide should be nil")
	}
}
