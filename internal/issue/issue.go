// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
	"slices"
)

const docsBase = "https://docs.avocadolinux.org/"

const (
	ConfigNotFoundId Id = iota + 1
	ConfigParseErrorId
	TargetUnresolvedId
	UnknownTargetId
	MissingStampsId
	ContainerEngineNotFoundId
	ContainerStepFailedId
	PackageManagerFailedId
	LockFileTooNewId
	SigningKeyNotFoundId
	HardwareTokenPinId
	RemoteSetupFailedId
	NFSPortUnavailableId
	DeviceUnreachableId
	PermissionDeniedId
)

type (
	Id int

	MarkdownMsg string

	HttpLink string

	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
		extLinks []HttpLink
	}
)

var render = glamour.Render

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render returns the guide as styled terminal output. An empty stylePath
// selects glamour's automatic light/dark style.
func (i *Issue) Render(stylePath string) (string, error) {
	if stylePath == "" {
		stylePath = "auto"
	}
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, l := range slices.Concat(i.docLinks, i.extLinks) {
			md.WriteString("- <" + string(l) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

func Values() []*Issue {
	vals := maps.Values(issues)
	slices.SortFunc(vals, func(a, b *Issue) int { return int(a.id) - int(b.id) })
	return vals
}

func Get(id Id) *Issue {
	return issues[id]
}

var issues = map[Id]*Issue{
	ConfigNotFoundId: {
		id: ConfigNotFoundId,
		mdMsg: `
# No avocado config found

The command looked for ` + "`avocado.yaml`" + ` (or a legacy ` + "`avocado.toml`" + `) and found neither.

## Things you can try
- Create a project in the current directory:
~~~
$ avocado init
~~~
- Point at an existing file:
~~~
$ avocado install -C path/to/avocado.yaml
~~~`,
		docLinks: []HttpLink{docsBase + "reference/config"},
	},
	ConfigParseErrorId: {
		id: ConfigParseErrorId,
		mdMsg: `
# The avocado config could not be composed

Composition loads the file, expands ` + "`{{ env.* }}`" + `, ` + "`{{ config.* }}`" + ` and ` + "`{{ avocado.target }}`" + `
placeholders, and merges every external ` + "`config:`" + ` file an extension depends on.

## Things you can try
- Check the YAML syntax at the reported line.
- Make sure every ` + "`{{ config.path }}`" + ` points at a string or number.
- Break reference cycles between ` + "`config.*`" + ` placeholders.
- Confirm every external ` + "`config:`" + ` file still exists.`,
		docLinks: []HttpLink{docsBase + "reference/interpolation"},
	},
	TargetUnresolvedId: {
		id: TargetUnresolvedId,
		mdMsg: `
# No target selected

Targets resolve in this order: ` + "`--target`" + `, ` + "`AVOCADO_TARGET`" + `, ` + "`default_target`" + ` in the config,
then the runtime's own ` + "`target`" + ` field.

## Things you can try
~~~
$ avocado build --target qemux86-64
$ export AVOCADO_TARGET=qemux86-64
~~~
- Or add ` + "`default_target: qemux86-64`" + ` to avocado.yaml.`,
		docLinks: []HttpLink{docsBase + "reference/targets"},
	},
	UnknownTargetId: {
		id: UnknownTargetId,
		mdMsg: `
# Target not supported by this project

The requested target is not the default target and no runtime or target override names it.
Nothing was pulled or installed.

## Things you can try
- Pick one of the targets listed in the error.
- Add a runtime whose ` + "`target`" + ` is the new board.`,
		docLinks: []HttpLink{docsBase + "reference/targets"},
	},
	MissingStampsId: {
		id: MissingStampsId,
		mdMsg: `
# A prerequisite step has not run

Every install, build, sign, and provision step leaves a stamp in the build volume.
Later steps refuse to run until the stamps they depend on exist and match the current config.

## Things you can try
- Run the commands listed under **To fix** in order.
- Pass ` + "`--no-stamps`" + ` to skip the check (not recommended).`,
		docLinks: []HttpLink{docsBase + "guides/lifecycle"},
	},
	ContainerEngineNotFoundId: {
		id: ContainerEngineNotFoundId,
		mdMsg: `
# No container engine available

Every avocado step runs inside the SDK container. Docker is used by default.

## Things you can try
- Install Docker or Podman and make sure the daemon is running.
- Select an engine explicitly:
~~~
$ export AVOCADO_CONTAINER_TOOL=podman
~~~`,
		extLinks: []HttpLink{"https://docs.docker.com/engine/install/", "https://podman.io/docs/installation"},
	},
	ContainerStepFailedId: {
		id: ContainerStepFailedId,
		mdMsg: `
# A container step failed

The script exited non-zero inside the SDK container. The tail of its stderr is shown above.

## Things you can try
- Re-run with ` + "`--verbose`" + ` to see the full script and output.
- Open a shell in the same environment:
~~~
$ avocado sdk run -i --env-setup
~~~`,
	},
	PackageManagerFailedId: {
		id: PackageManagerFailedId,
		mdMsg: `
# The package manager reported a failure

DNF could not complete the transaction. Locked versions may no longer exist in the repository.

## Things you can try
- Release the pins for the affected scope and reinstall:
~~~
$ avocado unlock -e <extension>
$ avocado install
~~~
- Check ` + "`sdk.repo_url`" + ` and ` + "`sdk.repo_release`" + `.`,
		docLinks: []HttpLink{docsBase + "guides/lock-file"},
	},
	LockFileTooNewId: {
		id: LockFileTooNewId,
		mdMsg: `
# Lock file written by a newer avocado

` + "`.avocado/lock.json`" + ` uses a format this version cannot read.

## Things you can try
~~~
$ avocado upgrade
~~~`,
		docLinks: []HttpLink{docsBase + "guides/lock-file"},
	},
	SigningKeyNotFoundId: {
		id: SigningKeyNotFoundId,
		mdMsg: `
# Signing key not found

The runtime's ` + "`signing.key`" + ` does not name a key in the local registry.

## Things you can try
~~~
$ avocado signing-keys list
$ avocado signing-keys create <name>
~~~`,
		docLinks: []HttpLink{docsBase + "guides/signing"},
	},
	HardwareTokenPinId: {
		id: HardwareTokenPinId,
		mdMsg: `
# Hardware token rejected the PIN

## Things you can try
- Export the PIN for non-interactive use:
~~~
$ export AVOCADO_PKCS11_PIN=...
~~~
- Check the token label with ` + "`pkcs11-tool --list-slots`" + `.`,
		docLinks: []HttpLink{docsBase + "guides/signing"},
	},
	RemoteSetupFailedId: {
		id: RemoteSetupFailedId,
		mdMsg: `
# Remote execution could not be set up

` + "`--runs-on`" + ` needs passwordless SSH, Docker on the remote, and avocado installed there at the same version.

## Things you can try
~~~
$ ssh -o BatchMode=yes user@host true
$ ssh user@host avocado --version
~~~`,
		docLinks: []HttpLink{docsBase + "guides/runs-on"},
	},
	NFSPortUnavailableId: {
		id: NFSPortUnavailableId,
		mdMsg: `
# No NFS port available

Remote execution exports the project over NFS on a port between 12050 and 12099.

## Things you can try
- Stop leftover sessions: ` + "`avocado prune`" + `.
- Choose a port explicitly with ` + "`--nfs-port`" + `.`,
		docLinks: []HttpLink{docsBase + "guides/runs-on"},
	},
	DeviceUnreachableId: {
		id: DeviceUnreachableId,
		mdMsg: `
# The device could not fetch the update

The device must reach the temporary repository served from this host.

## Things you can try
- For QEMU user networking set the host address the guest sees:
~~~
$ export AVOCADO_DEPLOY_REPO_HOST=10.0.2.2
~~~
- Pick another port with ` + "`AVOCADO_DEPLOY_REPO_PORT`" + `.`,
		docLinks: []HttpLink{docsBase + "guides/deploy"},
	},
	PermissionDeniedId: {
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied

## Things you can try
- Make sure your user may talk to the container engine (e.g. member of the ` + "`docker`" + ` group).
- Check ownership of ` + "`.avocado/`" + ` in the project directory.`,
	},
}
