// SPDX-License-Identifier: MPL-2.0

// Package provision runs a runtime's provisioning hook in the SDK
// container.
//
// Provisioning turns a built runtime into installable media. The hook,
// avocado-provision-<target>, is supplied by the SDK; this package prepares
// its environment, persists the profile's state file across runs, and
// serves signing requests from the hook over a Unix socket when the runtime
// names a signing key.
package provision
