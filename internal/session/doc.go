// SPDX-License-Identifier: MPL-2.0

// Package session holds the state one avocado invocation shares between
// pipeline steps.
//
// A Session owns the composed configuration, the resolved target, the
// in-memory lock file, and the executor that runs SDK container steps,
// locally or through a remote context. Pipelines (install, build, sign,
// provision, deploy) take a *Session instead of threading these values
// through every call, and use its stamp helpers so --no-stamps is honored
// in one place.
package session
