// SPDX-License-Identifier: MPL-2.0

// Package sign signs a runtime's extension images.
//
// Checksums are computed next to the images inside the SDK container, read
// back to the host through a read-only helper container, signed on the host
// with a file or PKCS#11 key, and the signature files are written into the
// volume in one final copy. Nothing is written back unless every image was
// signed.
package sign
