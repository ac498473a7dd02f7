// SPDX-License-Identifier: MPL-2.0

// Package selfupdate replaces the running avocado binary with a release
// published on GitHub. Archives are verified against the release's
// checksums.txt before the executable is swapped with a same-directory
// rename.
package selfupdate
