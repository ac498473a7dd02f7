// SPDX-License-Identifier: MPL-2.0

// Package containertest provides an in-memory container.Executor for tests
// of the pipelines that drive SDK container steps.
package containertest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/avocado-linux/avocado-cli/internal/container"
)

var _ container.Executor = (*FakeExecutor)(nil)

type (
	// Response is a canned result for steps whose command contains Contains.
	// Handler, when set, computes the output from the step instead.
	Response struct {
		Contains string
		Output   string
		ExitCode int
		Stderr   string
		Handler  func(cfg container.RunConfig) (string, error)
	}

	// FakeExecutor records every step and answers from Responses. The first
	// matching response wins; unmatched steps succeed with no output.
	FakeExecutor struct {
		mu        sync.Mutex
		Calls     []container.RunConfig
		Responses []Response
	}
)

// On registers output for steps containing substr.
func (f *FakeExecutor) On(substr, output string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, Response{Contains: substr, Output: output})
	return f
}

// Fail makes steps containing substr exit with exitCode. Failures take
// precedence over every response registered before them.
func (f *FakeExecutor) Fail(substr string, exitCode int, stderr string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append([]Response{{Contains: substr, ExitCode: exitCode, Stderr: stderr}}, f.Responses...)
	return f
}

// Handle registers a handler for steps containing substr.
func (f *FakeExecutor) Handle(substr string, fn func(cfg container.RunConfig) (string, error)) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, Response{Contains: substr, Handler: fn})
	return f
}

// Run implements container.Executor. Output is written to cfg.Stdout.
func (f *FakeExecutor) Run(_ context.Context, cfg container.RunConfig) error {
	out, err := f.answer(cfg)
	if err != nil {
		return err
	}
	if cfg.Stdout != nil && out != "" {
		_, _ = io.WriteString(cfg.Stdout, out)
	}
	return nil
}

// RunWithOutput implements container.Executor.
func (f *FakeExecutor) RunWithOutput(_ context.Context, cfg container.RunConfig) (string, error) {
	return f.answer(cfg)
}

func (f *FakeExecutor) answer(cfg container.RunConfig) (string, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cfg)
	var match *Response
	for i := range f.Responses {
		if strings.Contains(cfg.Command, f.Responses[i].Contains) {
			match = &f.Responses[i]
			break
		}
	}
	f.mu.Unlock()

	if match == nil {
		return "", nil
	}
	if match.Handler != nil {
		return match.Handler(cfg)
	}
	if match.ExitCode != 0 {
		return "", &container.StepError{
			Engine:     "fake",
			Image:      cfg.Image,
			Target:     cfg.Target,
			ExitCode:   match.ExitCode,
			StderrTail: match.Stderr,
		}
	}
	return match.Output, nil
}

// Commands returns the command of every recorded step.
func (f *FakeExecutor) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.Command
	}
	return out
}

// Find returns the first recorded step whose command contains substr.
func (f *FakeExecutor) Find(substr string) (container.RunConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if strings.Contains(c.Command, substr) {
			return c, true
		}
	}
	return container.RunConfig{}, false
}

// Index returns the position of the first step containing substr, or -1.
func (f *FakeExecutor) Index(substr string) int {
	for i, cmd := range f.Commands() {
		if strings.Contains(cmd, substr) {
			return i
		}
	}
	return -1
}
