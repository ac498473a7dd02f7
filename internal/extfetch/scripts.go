// SPDX-License-Identifier: MPL-2.0

package extfetch

import (
	"github.com/avocado-linux/avocado-cli/internal/shell"
)

// packageScript downloads one package with the SDK's DNF and unpacks it
// into dest. The package root becomes the extension's source directory.
func packageScript(ext, spec, repo, dest string) string {
	var s shell.Script
	s.Raw("set -e").
		Raw(`DL=$(mktemp -d)`).
		Raw(`trap 'rm -rf "$DL"' EXIT`).
		Raw(`RPM_CONFIGDIR="$AVOCADO_SDK_PREFIX/usr/lib/rpm" \`).
		Raw(`RPM_ETCCONFIGDIR="$AVOCADO_SDK_PREFIX" \`).
		Raw(`$DNF_SDK_HOST \`).
		Raw(`    $DNF_SDK_HOST_OPTS \`).
		Raw(`    $DNF_SDK_COMBINED_REPO_CONF \`)
	if repo != "" {
		s.Line(`    --repo=%s \`, shell.Quote(repo))
	}
	s.Raw(`    --downloadonly \`).
		Raw(`    --downloaddir="$DL" \`).
		Raw(`    -y \`).
		Line(`    install %s`, shell.Quote(spec)).
		Raw(`RPM_FILE=$(ls -1 "$DL"/*.rpm 2>/dev/null | head -n 1)`).
		Raw(`if [ -z "$RPM_FILE" ]; then`).
		Line(`    echo %s >&2`, shell.Quote("ERROR: package '"+spec+"' for extension '"+ext+"' was not downloaded")).
		Raw(`    exit 1`).
		Raw(`fi`).
		Line(`DEST=%s`, shell.DoubleQuotedPath(dest)).
		Raw(`rm -rf "$DEST"`).
		Raw(`mkdir -p "$DEST"`).
		Raw(`(cd "$DEST" && rpm2cpio "$RPM_FILE" | cpio -idm --quiet)`).
		Line(`echo %s`, shell.Quote("fetched extension '"+ext+"' ("+spec+")"))
	return s.String()
}
