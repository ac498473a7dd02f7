// SPDX-License-Identifier: MPL-2.0

// Package testutil holds helpers shared by avocado's package tests: scratch
// projects and environment overrides.
package testutil
