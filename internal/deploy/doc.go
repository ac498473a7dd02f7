// SPDX-License-Identifier: MPL-2.0

// Package deploy pushes a built runtime to a device over its update
// repository.
//
// A deploy hashes the runtime's active manifest and images inside the SDK
// container, signs fresh targets, snapshot and timestamp metadata on the
// host with the key that signed the build's root metadata, serves the
// repository over HTTP from the container and asks the device to pull it
// with avocadoctl.
package deploy
