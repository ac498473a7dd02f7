// SPDX-License-Identifier: MPL-2.0

package build

import (
	"bytes"
	"go/format"
	"os"
	"testing"
)

func TestScriptsSourceIsFormatted(t *testing.T) {
	t.Parallel()

	src, err := os.ReadFile("scripts.go")
	if err != nil {
		t.Fatal(err)
	}
	formatted, err := format.Source(src)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(src, formatted) {
		t.Error("scripts.go is not gofmt-formatted")
	}
}
