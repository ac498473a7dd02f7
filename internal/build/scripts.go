// SPDX-License-Identifier: MPL-2.0

package build

import (
	"fmt"
	"slices"
	"strings"

	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/sysroot"
)

const (
	// OutputDir holds extension images inside the build volume.
	OutputDir = sysroot.PrefixVar + "/output/extensions"

	imageHook   = "avocado-build-ext"
	releaseEOF  = "AVOCADO_RELEASE_EOF"
	manifestEOF = "AVOCADO_MANIFEST_EOF"
	specEOF     = "AVOCADO_SPEC_EOF"

	imageLine   = "AVOCADO_IMAGE"
	missingLine = "AVOCADO_MISSING"
	osLine      = "AVOCADO_OS_RELEASE"
)

// varSubvolumes are the directories of the var image that become btrfs
// subvolumes.
var varSubvolumes = []string{"extensions", "images", "os-releases", "runtimes", "metadata"}

// ImagePath is the container path of an extension's image.
func ImagePath(ext string) string {
	return OutputDir + "/" + ext + ".raw"
}

// VarImagePath is the container path of a runtime's var partition image.
func VarImagePath(runtime, target string) string {
	return runtimeDir(runtime) + "/avocado-image-var-" + target + ".btrfs"
}

func runtimeDir(runtime string) string {
	return sysroot.PrefixVar + "/runtimes/" + runtime
}

// releaseFile is one extension-release file written into a sysroot.
type releaseFile struct {
	dir   string
	scope string
}

var releaseFiles = map[string]releaseFile{
	"sysext":  {dir: "usr/lib/extension-release.d", scope: "SYSEXT_SCOPE"},
	"confext": {dir: "etc/extension-release.d", scope: "CONFEXT_SCOPE"},
}

// extBuildScript writes the extension-release metadata systemd needs to
// merge the sysroot, one file per extension type, and packs the sysroot into
// the extension's image.
func extBuildScript(name, version string, types, scopes []string) string {
	root := shell.DoubleQuotedPath(sysroot.Extension(name).Installroot())
	out := shell.DoubleQuotedPath(ImagePath(name))
	var s shell.Script
	s.Line("set -e")
	s.Line("if [ ! -d %s ]; then", root)
	s.Line("    echo %s >&2", shell.Quote("extension sysroot for '"+name+"' does not exist; run 'avocado ext install -e "+name+"'"))
	s.Line("    exit 1")
	s.Line("fi")
	for _, typ := range types {
		rf, ok := releaseFiles[typ]
		if !ok {
			continue
		}
		dir := sysroot.Extension(name).Installroot() + "/" + rf.dir
		s.Line("mkdir -p %s", shell.DoubleQuotedPath(dir))
		s.Line("cat > %s <<'%s'", shell.DoubleQuotedPath(dir+"/extension-release."+name), releaseEOF)
		s.Line("ID=_any")
		s.Line("VERSION_ID=%s", version)
		s.Line("EXTENSION_RELOAD_MANAGER=1")
		s.Line("%s=%s", rf.scope, strings.Join(scopes, " "))
		s.Raw(releaseEOF)
	}
	s.Line("mkdir -p %s", shell.DoubleQuotedPath(OutputDir))
	s.Line("rm -f %s", out)
	s.Raw(mkImage(name, root, out))
	s.Line("echo \"created extension image: %s\"", ImagePath(name))
	return s.String()
}

// extImageScript confirms the extension's image exists, packing the sysroot
// again only when an earlier build left none behind.
func extImageScript(name string) string {
	root := shell.DoubleQuotedPath(sysroot.Extension(name).Installroot())
	out := shell.DoubleQuotedPath(ImagePath(name))
	var s shell.Script
	s.Line("set -e")
	s.Line("if [ -f %s ]; then", out)
	s.Line("    echo \"extension image present: %s\"", ImagePath(name))
	s.Line("    exit 0")
	s.Line("fi")
	s.Line("if [ ! -d %s ]; then", root)
	s.Line("    echo %s >&2", shell.Quote("extension sysroot for '"+name+"' does not exist"))
	s.Line("    exit 1")
	s.Line("fi")
	s.Line("mkdir -p %s", shell.DoubleQuotedPath(OutputDir))
	s.Raw(mkImage(name, root, out))
	s.Line("echo \"created extension image: %s\"", ImagePath(name))
	return s.String()
}

func mkImage(name, root, out string) string {
	return fmt.Sprintf(`if command -v %[1]s >/dev/null 2>&1; then
    %[1]s %[2]s %[3]s %[4]s
else
    mkfs.erofs -T0 --all-root %[4]s %[3]s
fi`, imageHook, shell.Quote(name), root, out)
}

// collectScript copies the runtime's extension images into the runtime
// directory and the var staging tree, then reports each image's digest and
// the rootfs VERSION_ID framed with nonce. Missing images are reported and
// nothing is copied.
func collectScript(runtime string, local, versioned []string, nonce string) string {
	extDir := runtimeDir(runtime) + "/extensions"
	stagedDir := runtimeDir(runtime) + "/var-staging/lib/avocado/extensions"
	var s shell.Script
	s.Line("set -e")
	s.Line("NONCE=%s", shell.Quote(nonce))
	for _, name := range versioned {
		// Versioned extensions arrive prebuilt; only their image is made here.
		root := shell.DoubleQuotedPath(sysroot.VersionedExtension(name).Installroot())
		out := shell.DoubleQuotedPath(ImagePath(name))
		s.Line("if [ ! -f %s ] && [ -d %s ]; then", out, root)
		s.Line("    mkdir -p %s", shell.DoubleQuotedPath(OutputDir))
		s.Raw(indent(mkImage(name, root, out), "    "))
		s.Line("fi")
	}
	all := slices.Concat(local, versioned)
	s.Line("MISSING=0")
	for _, name := range all {
		s.Line("if [ ! -f %s ]; then", shell.DoubleQuotedPath(ImagePath(name)))
		s.Line("    printf '%s %%s %%s\\n' \"$NONCE\" %s", missingLine, shell.Quote(name))
		s.Line("    MISSING=1")
		s.Line("fi")
	}
	s.Line("[ \"$MISSING\" -eq 0 ] || exit 0")
	s.Line("mkdir -p %s %s", shell.DoubleQuotedPath(extDir), shell.DoubleQuotedPath(stagedDir))
	s.Line("rm -f %s/*.raw %s/*.raw", shell.DoubleQuotedPath(extDir), shell.DoubleQuotedPath(stagedDir))
	for _, name := range all {
		dst := shell.DoubleQuotedPath(extDir + "/" + name + ".raw")
		s.Line("cp -f %s %s", shell.DoubleQuotedPath(ImagePath(name)), dst)
		s.Line("ln -f %s %s", dst, shell.DoubleQuotedPath(stagedDir+"/"+name+".raw"))
		s.Line("printf '%s %%s %%s %%s\\n' \"$NONCE\" %s \"$(sha256sum %s | cut -d' ' -f1)\"", imageLine, shell.Quote(name), dst)
	}
	osRelease := shell.DoubleQuotedPath(sysroot.Rootfs().Installroot() + "/etc/os-release")
	s.Line("VERSION_ID=unknown")
	s.Line("if [ -f %s ]; then", osRelease)
	s.Line("    VERSION_ID=$(. %s; echo \"${VERSION_ID:-unknown}\")", osRelease)
	s.Line("fi")
	s.Line("printf '%s %%s %%s\\n' \"$NONCE\" \"$VERSION_ID\"", osLine)
	return s.String()
}

// assembly is everything the var partition needs, computed on the host.
type assembly struct {
	runtime   string
	target    string
	buildID   string
	versionID string
	images    []imageRef
	manifest  []byte
	root      []byte
}

type imageRef struct {
	name string
	id   string
}

// assembleScript lays out the var staging tree for one build, writes the
// manifest and root metadata, creates the btrfs var image, and runs the
// target's build hook.
func assembleScript(a assembly) string {
	rtDir := runtimeDir(a.runtime)
	lib := rtDir + "/var-staging/lib/avocado"
	q := shell.DoubleQuotedPath
	var s shell.Script
	s.Line("set -e")
	s.Line("VERSION_ID=%s", shell.Quote(a.versionID))
	s.Line("LIB=%s", q(lib))
	s.Line(`rm -rf "$LIB/images" "$LIB/os-releases" "$LIB/runtimes" "$LIB/metadata" "$LIB/active"`)
	s.Line(`mkdir -p "$LIB/images" "$LIB/os-releases/$VERSION_ID" "$LIB/runtimes/%s" "$LIB/metadata"`, a.buildID)
	for _, img := range a.images {
		s.Line(`cp -f %s "$LIB/images/%s.raw"`, q(rtDir+"/extensions/"+img.name+".raw"), img.id)
		s.Line(`ln -sfn %s "$LIB/os-releases/$VERSION_ID/%s.raw"`, shell.Quote("../../extensions/"+img.name+".raw"), img.name)
	}
	s.Line(`cat > "$LIB/runtimes/%s/manifest.json" <<'%s'`, a.buildID, manifestEOF)
	s.Raw(strings.TrimRight(string(a.manifest), "\n"))
	s.Raw(manifestEOF)
	s.Line(`ln -sfn %s "$LIB/active"`, shell.Quote("runtimes/"+a.buildID))
	// printf keeps the signed document free of a trailing newline.
	s.Line(`printf '%%s' %s > "$LIB/metadata/root.json"`, shell.Quote(string(a.root)))
	s.Line(`cp -f "$LIB/metadata/root.json" "$LIB/metadata/1.root.json"`)
	subvols := make([]string, len(varSubvolumes))
	for i, v := range varSubvolumes {
		subvols[i] = "--subvol rw:lib/avocado/" + v
	}
	s.Line("mkfs.btrfs -r %s %s -f %s", q(rtDir+"/var-staging"), strings.Join(subvols, " "), q(VarImagePath(a.runtime, a.target)))
	hook := "avocado-build-" + a.target
	s.Line("if command -v %s >/dev/null 2>&1; then", shell.Quote(hook))
	s.Line("    %s %s", shell.Quote(hook), shell.Quote(a.runtime))
	s.Line("else")
	s.Line("    echo %s", shell.Quote("no "+hook+" hook in the SDK; skipping target assembly"))
	s.Line("fi")
	return s.String()
}

// packageScript builds an RPM whose payload is the extension sysroot,
// rooted at /. The sysroot's own package database is left out.
func packageScript(m rpmMetadata, name string) string {
	q := shell.DoubleQuotedPath
	var s shell.Script
	s.Line("set -e")
	s.Line("EXT_SYSROOT=%s", q(sysroot.Extension(name).Installroot()))
	s.Line(`if [ ! -d "$EXT_SYSROOT" ]; then`)
	s.Line(`    echo "extension sysroot not found: $EXT_SYSROOT" >&2`)
	s.Line("    exit 1")
	s.Line("fi")
	s.Line("mkdir -p %s", q(OutputDir))
	s.Line("WORK=$(mktemp -d)")
	s.Line(`trap 'rm -rf "$WORK"' EXIT`)
	s.Line(`mkdir -p "$WORK/BUILD" "$WORK/RPMS" "$WORK/SOURCES" "$WORK/SPECS" "$WORK/SRPMS"`)
	s.Line(`cat > "$WORK/SPECS/package.spec" <<'%s'`, specEOF)
	s.Raw(m.spec())
	s.Raw(specEOF)
	s.Line(`(cd "$WORK" && EXT_SYSROOT="$EXT_SYSROOT" rpmbuild --define "_topdir $WORK" --define %s --target %s -bb SPECS/package.spec)`,
		shell.Quote("_arch "+m.Arch), shell.Quote(m.Arch))
	s.Line(`RPM=$(find "$WORK/RPMS" -name '*.rpm' | head -n 1)`)
	s.Line(`[ -n "$RPM" ] || { echo "rpmbuild produced no package" >&2; exit 1; }`)
	s.Line(`mv -f "$RPM" %s`, q(packagePath(m)))
	s.Line("echo %s", shell.Quote("created "+m.Filename()))
	return s.String()
}

// packagePath is the container path of an extension RPM.
func packagePath(m rpmMetadata) string {
	return OutputDir + "/" + m.Filename()
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
