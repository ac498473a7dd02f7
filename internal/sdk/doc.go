// SPDX-License-Identifier: MPL-2.0

// Package sdk runs ad-hoc work in the SDK container: arbitrary commands,
// the sdk.compile sections, and DNF invocations against the SDK prefix or
// an extension or runtime installroot.
package sdk
