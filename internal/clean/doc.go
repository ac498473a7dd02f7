// SPDX-License-Identifier: MPL-2.0

// Package clean removes build state: a project's volume and working files,
// per-scope sysroots with their stamps, lock entries, and build volumes
// whose project no longer exists.
package clean
