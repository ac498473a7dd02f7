// SPDX-License-Identifier: MPL-2.0

// Package shell builds the POSIX shell fragments avocado sends into
// containers and over SSH.
package shell

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Quote returns s as a single shell word. Strings that need no quoting are
// returned unchanged; everything else is wrapped in single quotes with
// embedded quotes escaped as '\''.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if q, err := syntax.Quote(s, syntax.LangPOSIX); err == nil && q == s {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every element and joins them with spaces.
func QuoteAll(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = Quote(w)
	}
	return strings.Join(quoted, " ")
}

// DoubleQuotedPath quotes a container path that may reference shell variables
// such as $AVOCADO_PREFIX. Double quotes, backticks, and backslashes are
// escaped; dollar signs are kept so the variables expand.
func DoubleQuotedPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")
	return `"` + r.Replace(p) + `"`
}

// Validate parses script with the bash grammar and reports the first syntax
// error. Container entrypoints run under bash.
func Validate(script string) error {
	p := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := p.Parse(strings.NewReader(script), ""); err != nil {
		return fmt.Errorf("invalid shell script: %w", err)
	}
	return nil
}

// Script accumulates shell lines.
type Script struct {
	lines []string
}

// Line appends a formatted line.
func (s *Script) Line(format string, args ...any) *Script {
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
	return s
}

// Raw appends text without formatting.
func (s *Script) Raw(text string) *Script {
	s.lines = append(s.lines, text)
	return s
}

// String joins the accumulated lines with newlines.
func (s *Script) String() string {
	return strings.Join(s.lines, "\n")
}
