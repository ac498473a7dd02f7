// SPDX-License-Identifier: MPL-2.0

// Package remote runs SDK container steps on another host.
//
// A Context owns an SSH control-master, an NFS server container on the local
// host exporting the source tree and the build volume, two NFS-backed
// volumes on the remote host, and optionally a reverse tunnel for the
// signing socket. Context implements container.Executor, so pipelines run
// unchanged whether --runs-on is given or not.
package remote
