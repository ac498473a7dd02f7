// SPDX-License-Identifier: MPL-2.0

package container

import (
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

// sdkEnvironment exports the SDK layout and DNF option groups. It expects
// AVOCADO_TARGET in the container environment.
const sdkEnvironment = `set -e
export AVOCADO_PREFIX="/opt/_avocado/${AVOCADO_TARGET}"
export AVOCADO_SDK_ARCH="${AVOCADO_SDK_ARCH:-$(uname -m)}"
export AVOCADO_SDK_PREFIX="${AVOCADO_PREFIX}/sdk/${AVOCADO_SDK_ARCH}"
export AVOCADO_EXT_SYSROOTS="${AVOCADO_PREFIX}/extensions"
if [ -z "${AVOCADO_SDK_CODENAME:-}" ] && [ -f /etc/os-release ]; then
    AVOCADO_SDK_CODENAME=$(grep '^VERSION_CODENAME=' /etc/os-release | cut -d= -f2 | tr -d '"')
fi
export AVOCADO_SDK_CODENAME="${AVOCADO_SDK_CODENAME:-dev}"
export DNF_SDK_HOST_PREFIX="${AVOCADO_SDK_PREFIX}"
export DNF_SDK_TARGET_PREFIX="${AVOCADO_SDK_PREFIX}/target-repoconf"
export DNF_SDK_HOST="dnf --releasever=${AVOCADO_SDK_CODENAME} --best --setopt=check_config_file_age=0"
if [ "${AVOCADO_DISABLE_WEAK_DEPS:-0}" = "1" ]; then
    DNF_SDK_HOST="${DNF_SDK_HOST} --setopt=install_weak_deps=False"
fi
if [ -n "${AVOCADO_DNF_ARGS:-}" ]; then
    DNF_SDK_HOST="${DNF_SDK_HOST} ${AVOCADO_DNF_ARGS}"
fi
export DNF_NO_SCRIPTS="--setopt=tsflags=noscripts"
export DNF_SDK_HOST_OPTS="--setopt=cachedir=${DNF_SDK_HOST_PREFIX}/var/cache --setopt=logdir=${DNF_SDK_HOST_PREFIX}/var/log --setopt=persistdir=${DNF_SDK_HOST_PREFIX}/var/lib/dnf"
export DNF_SDK_HOST_REPO_CONF="--setopt=varsdir=${DNF_SDK_HOST_PREFIX}/etc/dnf/vars --setopt=reposdir=${DNF_SDK_HOST_PREFIX}/etc/yum.repos.d"
export DNF_SDK_TARGET_REPO_CONF="--setopt=varsdir=${DNF_SDK_TARGET_PREFIX}/etc/dnf/vars --setopt=reposdir=${DNF_SDK_TARGET_PREFIX}/etc/yum.repos.d"
export DNF_SDK_COMBINED_REPO_CONF="--setopt=varsdir=${DNF_SDK_HOST_PREFIX}/etc/dnf/vars --setopt=reposdir=${DNF_SDK_TARGET_PREFIX}/etc/yum.repos.d"
if [ -n "${AVOCADO_SDK_REPO_URL:-}" ]; then
    export DNF_VAR_repo_url="${AVOCADO_SDK_REPO_URL}"
fi
if [ -n "${AVOCADO_SDK_REPO_RELEASE:-}" ]; then
    export DNF_VAR_repo_release="${AVOCADO_SDK_REPO_RELEASE}"
fi
if [ -f "${AVOCADO_SDK_PREFIX}/etc/ssl/certs/ca-certificates.crt" ]; then
    export SSL_CERT_FILE="${AVOCADO_SDK_PREFIX}/etc/ssl/certs/ca-certificates.crt"
    export CURL_CA_BUNDLE="${SSL_CERT_FILE}"
    DNF_SDK_HOST="${DNF_SDK_HOST} --setopt=sslcacert=${SSL_CERT_FILE}"
fi
export DNF_SDK_HOST
export RPM_NO_CHROOT_FOR_SCRIPTS=1
if [ -d "${AVOCADO_SDK_PREFIX}/etc" ]; then
    export RPM_ETCCONFIGDIR="${AVOCADO_SDK_PREFIX}"
fi`

const sourceEnvironmentSetup = `if [ -f "${AVOCADO_SDK_PREFIX}/environment-setup" ]; then
    . "${AVOCADO_SDK_PREFIX}/environment-setup"
fi`

// Script assembles the shell program a container step runs: the SDK
// preamble (unless NoBootstrap), the working directory change, and the
// step's own command.
func Script(cfg RunConfig) string {
	if cfg.NoBootstrap {
		return cfg.Command
	}
	var s shell.Script
	s.Raw(sdkEnvironment)
	if cfg.SourceEnvironment {
		s.Raw(sourceEnvironmentSetup)
	}
	switch {
	case cfg.ExtensionSysroot != "":
		dir := shell.DoubleQuotedPath(sysroot.Extension(cfg.ExtensionSysroot).Installroot())
		s.Line("mkdir -p %s", dir).Line("cd %s", dir)
	case cfg.RuntimeSysroot != "":
		dir := shell.DoubleQuotedPath(sysroot.Runtime(cfg.RuntimeSysroot).Installroot())
		s.Line("mkdir -p %s", dir).Line("cd %s", dir)
	default:
		s.Line("cd %s", SrcMount)
	}
	s.Raw(cfg.Command)
	return s.String()
}
