// SPDX-License-Identifier: MPL-2.0

// Package signing manages the keys avocado signs images and binaries with.
//
// Keys are recorded by name in a registry (keys.json) under the user's
// configuration directory. A key is either an Ed25519 seed stored on disk
// (file:// URI) or a private key held by a PKCS#11 token such as a TPM or a
// YubiKey (pkcs11: URI). A Signer opened from a registry entry is meant to
// live for one signing batch and must be closed afterwards.
//
// The package also hosts the signing service that answers sign requests
// from provisioning scripts over a Unix socket.
package signing
