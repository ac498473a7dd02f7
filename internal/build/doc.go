// SPDX-License-Identifier: MPL-2.0

// Package build turns installed sysroots into deployable artifacts.
//
// Extension builds stamp release metadata into an extension sysroot and pack
// it into a filesystem image. Runtime builds gather the images a runtime
// needs, derive content-addressed image IDs on the host, write the runtime
// manifest and the update repository root metadata, and assemble the var
// partition image. Every step runs inside the SDK container; only hashing,
// manifest assembly and signing happen on the host.
package build
