// SPDX-License-Identifier: MPL-2.0

package stamps

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/avocado-linux/avocado-cli/internal/shell"
)

const (
	// FramePrefix starts every line of batched read output.
	FramePrefix = "AVOCADO_STAMP"
	// FrameMissing replaces the payload when a stamp file is absent.
	FrameMissing = "MISSING"

	stampsRoot = `$AVOCADO_PREFIX/.stamps`
	heredocEOF = "AVOCADO_STAMP_EOF"
)

// NewNonce returns a random token framing one batched read.
func NewNonce() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("stamps: reading random nonce: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func stampPath(rel string) string {
	return shell.DoubleQuotedPath(stampsRoot + "/" + rel)
}

// WriteScript renders a fragment that writes s into the volume. The file is
// staged next to its destination and renamed so readers never see a partial
// document.
func WriteScript(s *Stamp) (string, error) {
	line, err := s.MarshalLine()
	if err != nil {
		return "", err
	}
	rel := s.RelativePath()
	dir := rel[:strings.LastIndexByte(rel, '/')]
	var b shell.Script
	b.Line("mkdir -p %s", stampPath(dir))
	b.Line("cat > %s <<'%s'", stampPath(rel+".tmp"), heredocEOF)
	b.Raw(line)
	b.Raw(heredocEOF)
	b.Line("mv -f %s %s", stampPath(rel+".tmp"), stampPath(rel))
	return b.String(), nil
}

// WriteSDKScript renders an SDK install stamp write whose architecture is
// resolved inside the container, for hosts that cannot know the SDK arch
// up front (remote execution).
func WriteSDKScript(in Inputs, out Outputs, now time.Time, cliVersion string) (string, error) {
	tmpl := New(Install, SDK, "", "__ARCH__", in, out, now, cliVersion)
	line, err := tmpl.MarshalLine()
	if err != nil {
		return "", err
	}
	line = strings.Replace(line, `"__ARCH__"`, `"${AVOCADO_SDK_ARCH}"`, 1)
	var b shell.Script
	b.Raw(`AVOCADO_SDK_ARCH="${AVOCADO_SDK_ARCH:-$(uname -m)}"`)
	b.Line("mkdir -p %s", stampPath("sdk/${AVOCADO_SDK_ARCH}"))
	b.Line("cat > %s <<%s", stampPath("sdk/${AVOCADO_SDK_ARCH}/install.stamp.tmp"), heredocEOF)
	b.Raw(line)
	b.Raw(heredocEOF)
	b.Line("mv -f %s %s",
		stampPath("sdk/${AVOCADO_SDK_ARCH}/install.stamp.tmp"),
		stampPath("sdk/${AVOCADO_SDK_ARCH}/install.stamp"))
	return b.String(), nil
}

// BatchReadScript renders one fragment that reads every requirement and
// prints "AVOCADO_STAMP <nonce> <relpath> <base64|MISSING>" per line.
func BatchReadScript(reqs []Requirement, nonce string) string {
	var b shell.Script
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		rel := r.RelativePath()
		if seen[rel] {
			continue
		}
		seen[rel] = true
		p := stampPath(rel)
		b.Line(`if [ -f %s ]; then printf '%s %%s %%s %%s\n' %s %s "$(base64 -w0 < %s)"; else printf '%s %%s %%s %s\n' %s %s; fi`,
			p, FramePrefix, shell.Quote(nonce), shell.Quote(rel), p,
			FramePrefix, FrameMissing, shell.Quote(nonce), shell.Quote(rel))
	}
	return b.String()
}

// RemoveScript renders a fragment deleting the given stamps. With no
// requirements the whole stamp tree is removed.
func RemoveScript(reqs ...Requirement) string {
	if len(reqs) == 0 {
		return "rm -rf " + shell.DoubleQuotedPath(stampsRoot)
	}
	var b shell.Script
	for _, r := range reqs {
		b.Line("rm -f %s", stampPath(r.RelativePath()))
	}
	return b.String()
}

// RemoveComponentScript deletes every stamp of one extension or runtime.
func RemoveComponentScript(comp Component, name string) string {
	return "rm -rf " + stampPath(fmt.Sprintf("%s/%s", comp, name))
}
