// SPDX-License-Identifier: MPL-2.0

package build

import (
	"errors"
	"fmt"
	"strings"

	"github.com/avocado-linux/avocado-cli/internal/issue"
)

// ErrMissingImage marks a runtime build whose extension images are absent.
var ErrMissingImage = errors.New("extension image missing")

// MissingImageError lists the extensions of a runtime that have no image in
// the build volume.
type MissingImageError struct {
	Runtime    string
	Extensions []string
}

func (e *MissingImageError) Error() string {
	return fmt.Sprintf("runtime '%s' needs images for extensions %s", e.Runtime, strings.Join(e.Extensions, ", "))
}

// Is matches ErrMissingImage.
func (e *MissingImageError) Is(target error) bool { return target == ErrMissingImage }

func missingImages(runtime string, exts []string) error {
	suggestions := make([]string, 0, len(exts))
	for _, ext := range exts {
		suggestions = append(suggestions, "Create the image with 'avocado ext image -e "+ext+"'")
	}
	return issue.NewErrorContext().
		WithOperation("build runtime '" + runtime + "'").
		WithResource("$AVOCADO_PREFIX/output/extensions").
		WithSuggestions(suggestions...).
		WithGuide(issue.MissingStampsId).
		Wrap(&MissingImageError{Runtime: runtime, Extensions: exts}).
		BuildError()
}
