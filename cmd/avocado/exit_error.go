// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/avocado-linux/avocado-cli/internal/container"
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode picks the process exit status for err. A failed container step
// passes its own status through so scripts wrapping `avocado sdk run` see it.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	var stepErr *container.StepError
	if errors.As(err, &stepErr) && stepErr.ExitCode > 0 && stepErr.ExitCode < 256 {
		return stepErr.ExitCode
	}
	return 1
}
