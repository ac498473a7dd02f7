// SPDX-License-Identifier: MPL-2.0

// Package issue carries user-facing error context for avocado commands.
//
// ActionableError records which operation failed, the resource involved, and
// the commands that will most likely fix it. The guide catalog holds longer
// Markdown troubleshooting notes that the CLI renders with glamour when an
// error maps to a known failure class.
package issue
