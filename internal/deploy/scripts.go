// SPDX-License-Identifier: MPL-2.0

package deploy

import (
	"fmt"
	"net"
	"regexp"
	"strconv"

	"github.com/avocado-linux/avocado-cli/internal/remote"
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

const (
	hashesLine     = "AVOCADO_HASHES"
	candidatesLine = "AVOCADO_CANDIDATES"

	manifestTarget = "manifest.json"
)

// Devices are freshly flashed and their host keys change between images.
const sshOptions = "-o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -o LogLevel=ERROR"

var plainWord = regexp.MustCompile(`^[A-Za-z0-9._@:%+/-]+$`)

// word quotes s unless it is plainly safe as a single word.
func word(s string) string {
	if plainWord.MatchString(s) {
		return s
	}
	return shell.Quote(s)
}

func libDir(runtime string) string {
	return sysroot.PrefixVar + "/runtimes/" + runtime + "/var-staging/lib/avocado"
}

// hashScript reports the active build's manifest and images as one JSON
// document framed with nonce. The active link selects the build; without it
// a single build is taken and anything else is reported as candidates.
func hashScript(runtime, nonce string) string {
	return fmt.Sprintf(`set -e
NONCE=%[1]s
LIB=%[2]s
if [ -L "$LIB/active" ] && [ -f "$LIB/active/%[5]s" ]; then
    ACTIVE=$(readlink -f "$LIB/active")
else
    FOUND=""
    COUNT=0
    for m in "$LIB"/runtimes/*/%[5]s; do
        [ -f "$m" ] || continue
        FOUND="$FOUND $(basename "$(dirname "$m")")"
        COUNT=$((COUNT + 1))
    done
    if [ "$COUNT" -ne 1 ]; then
        printf '%[3]s %%s%%s\n' "$NONCE" "$FOUND"
        exit 0
    fi
    ACTIVE="$LIB/runtimes/${FOUND# }"
fi
BUILD_ID=$(basename "$ACTIVE")
ROOT_B64=""
if [ -f "$LIB/metadata/root.json" ]; then
    ROOT_B64=$(base64 -w0 "$LIB/metadata/root.json")
fi
target() {
    printf '{"name":"%%s","sha256":"%%s","size":%%s}' "$1" "$(sha256sum "$2" | cut -d' ' -f1)" "$(stat -c %%s "$2")"
}
TARGETS=$(target %[5]s "$ACTIVE/%[5]s")
for img in "$LIB"/images/*.raw; do
    [ -f "$img" ] || continue
    TARGETS="$TARGETS,$(target "$(basename "$img")" "$img")"
done
printf '%[4]s %%s {"build_id":"%%s","targets":[%%s],"root_json":"%%s"}\n' "$NONCE" "$BUILD_ID" "$TARGETS" "$ROOT_B64"`,
		shell.Quote(nonce), shell.DoubleQuotedPath(libDir(runtime)), candidatesLine, hashesLine, manifestTarget)
}

// serve is everything the serving pass needs.
type serve struct {
	runtime string
	buildID string
	// staging is the container path of the signed metadata.
	staging string
	port    int
	device  remote.Host
	// hostIP replaces address detection when set.
	hostIP string
}

// serveScript lays out the repository, serves it over HTTP and asks the
// device to add it. The server and the layout are removed on exit.
func serveScript(v serve) string {
	q := shell.DoubleQuotedPath
	port := strconv.Itoa(v.port)
	var s shell.Script
	s.Line("set -e")
	s.Line("LIB=%s", q(libDir(v.runtime)))
	s.Line("REPO=%s", q(sysroot.PrefixVar+"/runtimes/"+v.runtime+"/deploy-repo"))
	s.Line("SERVER_PID=")
	s.Line("cleanup() {")
	s.Line(`    if [ -n "$SERVER_PID" ]; then kill "$SERVER_PID" 2>/dev/null || true; fi`)
	s.Line(`    rm -rf "$REPO"`)
	s.Line("}")
	s.Line("trap cleanup EXIT")
	s.Line(`rm -rf "$REPO"`)
	s.Line(`mkdir -p "$REPO/metadata" "$REPO/targets"`)
	s.Line(`cp -f %s/*.json "$REPO/metadata/"`, word(v.staging))
	s.Line(`ln -sf "$LIB/runtimes/%s/%s" "$REPO/targets/%s"`, v.buildID, manifestTarget, manifestTarget)
	s.Line(`for img in "$LIB"/images/*.raw; do`)
	s.Line(`    [ -f "$img" ] || continue`)
	s.Line(`    ln -sf "$img" "$REPO/targets/$(basename "$img")"`)
	s.Line("done")
	s.Line(`python3 -m http.server %s --bind 0.0.0.0 --directory "$REPO" >/dev/null 2>&1 &`, port)
	s.Line("SERVER_PID=$!")
	s.Line("sleep 1")
	s.Line(`if ! kill -0 "$SERVER_PID" 2>/dev/null; then`)
	s.Line("    echo %s >&2", shell.Quote("update repository server failed to start on port "+port))
	s.Line("    exit 1")
	s.Line("fi")

	url := `http://$HOST_IP:` + port
	switch {
	case v.hostIP != "":
		s.Line("HOST_IP=%s", word(v.hostIP))
		url = "http://" + net.JoinHostPort(v.hostIP, port)
	case v.device.IsLocal():
		s.Line(`HOST_IP=$(ip -4 -o addr show scope global | awk '{split($4, a, "/"); print a[1]; exit}')`)
	default:
		s.Line(`HOST_IP=$(ip route get %s | awk '{for (i = 1; i < NF; i++) if ($i == "src") { print $(i + 1); exit }}')`,
			shell.Quote(v.device.Name))
	}
	s.Line(`if [ -z "$HOST_IP" ]; then`)
	s.Line("    echo %s >&2", shell.Quote("cannot determine an address the device can reach; set "+RepoHostEnv))
	s.Line("    exit 1")
	s.Line("fi")
	s.Line(`echo "serving update repository at http://$HOST_IP:%s"`, port)

	ssh := "ssh " + sshOptions + " " + word(v.device.Target())
	if v.device.Port != 0 {
		ssh += " -p " + strconv.Itoa(v.device.Port)
	}
	remoteCmd := "avocadoctl runtime add --url " + url
	if v.hostIP != "" {
		ssh += " " + shell.Quote(remoteCmd)
	} else {
		ssh += ` "` + remoteCmd + `"`
	}
	s.Line("%s", ssh)
	return s.String()
}
