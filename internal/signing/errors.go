// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"errors"
	"fmt"

	"github.com/avocado-linux/avocado-cli/internal/issue"
)

// ErrSigning marks every signing failure: missing keys, bad PINs, empty
// manifests, and tampered checksum files.
var ErrSigning = errors.New("signing failed")

// KeyNotFoundError reports a key name absent from the registry.
type KeyNotFoundError struct {
	Name string
	Dir  string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("signing key '%s' not found in %s", e.Name, e.Dir)
}

// Is matches ErrSigning.
func (e *KeyNotFoundError) Is(target error) bool { return target == ErrSigning }

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSigning}, args...)...)
}

func keyNotFound(name, dir string) error {
	return issue.NewErrorContext().
		WithOperation("load signing key").
		WithResource(name).
		WithSuggestions(
			"List the registered keys with 'avocado signing-keys list'",
			"Create the key with 'avocado signing-keys create "+name+"'",
		).
		WithGuide(issue.SigningKeyNotFoundId).
		Wrap(&KeyNotFoundError{Name: name, Dir: dir}).
		BuildError()
}
