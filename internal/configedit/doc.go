// SPDX-License-Identifier: MPL-2.0

// Package configedit adds and removes package entries in avocado.yaml.
//
// Edits work on lines rather than a parsed tree so comments, blank lines,
// key order and quoting survive untouched. Every result is parsed again as
// YAML before it is written.
package configedit
