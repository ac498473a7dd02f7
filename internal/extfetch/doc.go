// SPDX-License-Identifier: MPL-2.0

// Package extfetch downloads extensions whose definition lives outside the
// project: packages from the avocado extension repository, git
// repositories, and local directories.
//
// Every fetched extension is placed under
// <src>/.avocado/<target>/includes/<name>, where the composer picks up the
// extension's own avocado.yaml on the next load.
package extfetch
