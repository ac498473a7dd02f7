// SPDX-License-Identifier: MPL-2.0

// Package install populates the sysroots of a target: the SDK, the rootfs,
// the cross-compilation sysroot, every extension, and every runtime.
//
// Each sysroot is installed the same way: make sure the installroot exists,
// run DNF with the lock file's pinned versions, query the versions that
// actually landed, merge them into the lock, save it, and stamp the step.
package install
