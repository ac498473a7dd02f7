// SPDX-License-Identifier: MPL-2.0

package composer

import (
	"errors"
	"fmt"
)

// ErrConfig is matched by every *Error via errors.Is.
var ErrConfig = errors.New("configuration error")

// Kind classifies composition failures.
type Kind int

const (
	// ConfigNotFound means the root configuration file does not exist.
	ConfigNotFound Kind = iota + 1
	// ConfigParse means a file is not valid YAML or TOML.
	ConfigParse
	// ExternalMerge means an external config referenced by a dependency
	// could not be loaded or merged.
	ExternalMerge
	// UnresolvedPlaceholder means a {{ config.* }} reference names a path
	// that does not exist or is not a scalar.
	UnresolvedPlaceholder
	// InterpolationCycle means placeholder resolution did not converge.
	InterpolationCycle
)

func (k Kind) String() string {
	switch k {
	case ConfigNotFound:
		return "config not found"
	case ConfigParse:
		return "config parse error"
	case ExternalMerge:
		return "external config merge failed"
	case UnresolvedPlaceholder:
		return "unresolved placeholder"
	case InterpolationCycle:
		return "interpolation cycle"
	default:
		return "unknown"
	}
}

// Error is a composition failure. Path is the file involved; Location is the
// dotted position inside the tree where a placeholder failed.
type Error struct {
	Kind     Kind
	Path     string
	Location string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Location != "" {
		msg = fmt.Sprintf("%s (at %s)", msg, e.Location)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports ErrConfig as matching.
func (e *Error) Is(target error) bool {
	return target == ErrConfig
}

// IsKind reports whether err is a composer error of kind k.
func IsKind(err error, k Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == k
}
