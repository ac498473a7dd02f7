// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
)

const helperEnv = "GO_WANT_HELPER_PROCESS"

type (
	// CommandRecorder stands in for exec.CommandContext. Every command it
	// creates re-executes the test binary, which must define
	//
	//	func TestHelperProcess(t *testing.T) { testutil.HelperProcess() }
	CommandRecorder struct {
		mu sync.Mutex
		// Invocations records each call.
		Invocations []Invocation
		// Default answers calls no response matches.
		Default Response
		// Responses are matched in order.
		Responses []Response
	}

	// Invocation is one recorded command.
	Invocation struct {
		Name string
		Args []string
	}

	// Response answers calls whose command line contains Contains.
	Response struct {
		Contains string
		ExitCode int
		Stdout   string
		Stderr   string
	}
)

// On registers a response for command lines containing substr.
func (r *CommandRecorder) On(substr, stdout string, exitCode int) *CommandRecorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Responses = append(r.Responses, Response{Contains: substr, Stdout: stdout, ExitCode: exitCode})
	return r
}

// CommandContext returns an exec.CommandContext replacement.
func (r *CommandRecorder) CommandContext(t testing.TB) func(context.Context, string, ...string) *exec.Cmd {
	t.Helper()
	return func(_ context.Context, name string, args ...string) *exec.Cmd {
		line := strings.Join(append([]string{name}, args...), " ")
		r.mu.Lock()
		r.Invocations = append(r.Invocations, Invocation{Name: name, Args: slices.Clone(args)})
		resp := r.Default
		for _, c := range r.Responses {
			if strings.Contains(line, c.Contains) {
				resp = c
				break
			}
		}
		r.mu.Unlock()

		//nolint:gosec // test helper re-exec
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", name)
		cmd.Env = []string{
			helperEnv + "=1",
			fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", resp.ExitCode),
			"GO_HELPER_STDOUT=" + resp.Stdout,
			"GO_HELPER_STDERR=" + resp.Stderr,
		}
		return cmd
	}
}

// Lines returns each recorded invocation as a space-joined command line.
func (r *CommandRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Invocations))
	for i, inv := range r.Invocations {
		out[i] = strings.Join(append([]string{inv.Name}, inv.Args...), " ")
	}
	return out
}

// Find returns the first invocation whose command line contains substr.
func (r *CommandRecorder) Find(substr string) (Invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inv := range r.Invocations {
		if strings.Contains(strings.Join(append([]string{inv.Name}, inv.Args...), " "), substr) {
			return inv, true
		}
	}
	return Invocation{}, false
}

// HelperProcess plays the command configured by CommandRecorder. It returns
// immediately when the test binary was not re-executed.
func HelperProcess() {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	if s := os.Getenv("GO_HELPER_STDOUT"); s != "" {
		fmt.Fprint(os.Stdout, s)
	}
	if s := os.Getenv("GO_HELPER_STDERR"); s != "" {
		fmt.Fprint(os.Stderr, s)
	}
	code := 0
	fmt.Sscanf(os.Getenv("GO_HELPER_EXIT_CODE"), "%d", &code)
	os.Exit(code)
}
