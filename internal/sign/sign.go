// SPDX-License-Identifier: MPL-2.0

package sign

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/shell"
	"github.com/avocado-linux/avocado-cli/internal/signing"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
)

const (
	sumLine     = "AVOCADO_SUM"
	missingLine = "AVOCADO_MISSING"
	sigSuffix   = ".sig"
)

type (
	// Files moves files between the host and the build volume.
	Files interface {
		ReadFiles(ctx context.Context, paths []string) (map[string][]byte, error)
		WriteFiles(ctx context.Context, files map[string][]byte) error
	}

	// Option configures a Pipeline.
	Option func(*Pipeline)

	// Pipeline signs runtimes for one session.
	Pipeline struct {
		s        *session.Session
		files    Files
		registry func() (*signing.Registry, error)
		open     func(signing.KeyEntry, signing.OpenOptions) (signing.Signer, error)
		openOpts signing.OpenOptions
	}

	// HashManifest lists the checksums of one runtime's images.
	HashManifest struct {
		Runtime           string                    `json:"runtime"`
		ChecksumAlgorithm signing.ChecksumAlgorithm `json:"checksum_algorithm"`
		Files             []HashEntry               `json:"files"`
	}

	// HashEntry is one image checksum. ContainerPath is the image's literal
	// path in the volume.
	HashEntry struct {
		ContainerPath string `json:"container_path"`
		Hash          string `json:"hash"`
		Size          int64  `json:"size"`
	}

	// Result is what one signing run produced.
	Result struct {
		Manifest   *HashManifest
		KeyName    string
		KeyID      string
		Signatures map[string]*signing.SignatureFile
	}

	// reported is what the checksum pass printed for one image.
	reported struct {
		hash string
		size int64
	}
)

// WithFiles replaces the helper-container file transfer.
func WithFiles(f Files) Option {
	return func(p *Pipeline) { p.files = f }
}

// WithRegistry sets how the signing key registry is opened.
func WithRegistry(open func() (*signing.Registry, error)) Option {
	return func(p *Pipeline) { p.registry = open }
}

// WithOpenOptions sets how hardware keys are unlocked.
func WithOpenOptions(opts signing.OpenOptions) Option {
	return func(p *Pipeline) { p.openOpts = opts }
}

// New returns a Pipeline for s.
func New(s *session.Session, opts ...Option) *Pipeline {
	p := &Pipeline{
		s:    s,
		open: signing.Open,
		registry: func() (*signing.Registry, error) {
			return nil, errors.New("no signing key registry configured")
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Runtimes signs the named runtimes, or every runtime of the session target
// that names a signing key when names is empty.
func (p *Pipeline) Runtimes(ctx context.Context, names ...string) error {
	cfg := p.s.Config()
	if len(names) == 0 {
		for _, name := range cfg.RuntimesForTarget(p.s.Target()) {
			if rt, _ := cfg.Runtime(name, p.s.Target()); rt.Signing != nil && rt.Signing.Key != "" {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			log.Info("no runtime names a signing key; nothing to sign", "target", p.s.Target())
			return nil
		}
	}
	for _, name := range names {
		if _, err := p.Runtime(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Runtime signs every extension image of runtime with its configured key.
func (p *Pipeline) Runtime(ctx context.Context, runtime string) (*Result, error) {
	rt, ok := p.s.Config().Runtime(runtime, p.s.Target())
	if !ok {
		return nil, fmt.Errorf("runtime '%s' not found in configuration", runtime)
	}
	if rt.Signing == nil || rt.Signing.Key == "" {
		return nil, fmt.Errorf("%w: runtime '%s' has no signing key; set runtimes.%s.signing.key", signing.ErrSigning, runtime, runtime)
	}
	alg, err := signing.ParseChecksumAlgorithm(rt.Signing.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}
	reqs := stamps.Required(stamps.Sign, stamps.Runtime, runtime, nil, p.s.HostArch())
	if err := p.s.RequireStamps(ctx, "runtime sign", reqs); err != nil {
		return nil, err
	}

	// The key is resolved before any container work so a bad name fails
	// fast.
	reg, err := p.registry()
	if err != nil {
		return nil, err
	}
	keyName, entry, err := reg.Resolve(rt.Signing.Key, p.s.Config().SigningKeys())
	if err != nil {
		return nil, err
	}

	exts, err := p.extensions(runtime)
	if err != nil {
		return nil, err
	}
	manifest, err := p.checksums(ctx, runtime, alg, exts)
	if err != nil {
		return nil, err
	}
	sigs, err := p.signAll(manifest, keyName, entry)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(sigs))
	for containerPath, sig := range sigs {
		data, err := sig.Marshal()
		if err != nil {
			return nil, err
		}
		out[containerPath+sigSuffix] = data
	}
	files, err := p.volumeFiles()
	if err != nil {
		return nil, err
	}
	if err := files.WriteFiles(ctx, out); err != nil {
		return nil, fmt.Errorf("writing signatures for runtime '%s': %w", runtime, err)
	}

	inputs, err := stamps.RuntimeInputs(rt.Name, rt.RuntimePackagesValue(), p.s.Target())
	if err != nil {
		return nil, err
	}
	if err := p.s.WriteStamp(ctx, p.s.NewStamp(stamps.Sign, stamps.Runtime, runtime, inputs, stamps.Outputs{})); err != nil {
		return nil, err
	}
	log.Info("runtime signed", "runtime", runtime, "key", keyName, "images", len(sigs))
	return &Result{Manifest: manifest, KeyName: keyName, KeyID: entry.KeyID, Signatures: sigs}, nil
}

func (p *Pipeline) extensions(runtime string) ([]string, error) {
	exts, err := p.s.Resolver().Resolve(runtime)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(exts))
	for _, ext := range exts {
		names = append(names, ext.Name)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// checksums runs the container pass writing checksum files beside each
// image, then reads those files back and cross-checks them against what the
// pass reported.
func (p *Pipeline) checksums(ctx context.Context, runtime string, alg signing.ChecksumAlgorithm, exts []string) (*HashManifest, error) {
	nonce := stamps.NewNonce()
	cfg := p.s.RunConfig(checksumScript(runtime, alg, exts, nonce))
	out, err := p.s.Output(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("computing checksums for runtime '%s': %w", runtime, err)
	}
	got, missing := parseChecksums(out, nonce)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: runtime '%s' has no image for extensions %s; run 'avocado runtime build -r %s'",
			signing.ErrSigning, runtime, strings.Join(missing, ", "), runtime)
	}

	paths := make([]string, 0, len(exts))
	for _, ext := range exts {
		paths = append(paths, p.imagePath(runtime, ext)+alg.Extension())
	}
	files, err := p.volumeFiles()
	if err != nil {
		return nil, err
	}
	contents, err := files.ReadFiles(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("reading checksums for runtime '%s': %w", runtime, err)
	}

	m := &HashManifest{Runtime: runtime, ChecksumAlgorithm: alg}
	for _, ext := range exts {
		image := p.imagePath(runtime, ext)
		data, ok := contents[image+alg.Extension()]
		if !ok {
			return nil, fmt.Errorf("%w: checksum file for '%s' was not copied out", signing.ErrSigning, image)
		}
		fields := strings.Fields(string(data))
		r, reportedOK := got[ext]
		if len(fields) == 0 || !reportedOK || fields[0] != r.hash {
			return nil, fmt.Errorf("%w: checksum file for '%s' does not match the image", signing.ErrSigning, image)
		}
		m.Files = append(m.Files, HashEntry{ContainerPath: image, Hash: r.hash, Size: r.size})
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: runtime '%s' has no extension images to sign", signing.ErrSigning, runtime)
	}
	return m, nil
}

// signAll signs every entry. File keys are loaded for each signature and
// dropped right after; a token session lasts for this batch only.
func (p *Pipeline) signAll(m *HashManifest, keyName string, entry signing.KeyEntry) (map[string]*signing.SignatureFile, error) {
	var batch signing.Signer
	if entry.IsHardware() {
		signer, err := p.open(entry, p.openOpts)
		if err != nil {
			return nil, err
		}
		defer closeSigner(signer, keyName)
		batch = signer
	}
	sigs := make(map[string]*signing.SignatureFile, len(m.Files))
	for _, f := range m.Files {
		signer := batch
		if signer == nil {
			var err error
			if signer, err = p.open(entry, p.openOpts); err != nil {
				return nil, err
			}
		}
		sig, err := signing.SignChecksum(signer, m.ChecksumAlgorithm, f.Hash, keyName, entry.KeyID)
		if batch == nil {
			closeSigner(signer, keyName)
		}
		if err != nil {
			return nil, fmt.Errorf("signing %s: %w", f.ContainerPath, err)
		}
		sigs[f.ContainerPath] = sig
		log.Debug("signed image", "path", f.ContainerPath, "checksum", f.Hash)
	}
	return sigs, nil
}

func closeSigner(s signing.Signer, keyName string) {
	if err := s.Close(); err != nil {
		log.Warn("closing signing key", "key", keyName, "err", err)
	}
}

// imagePath is the literal volume path of a runtime's copy of an image.
func (p *Pipeline) imagePath(runtime, ext string) string {
	return path.Join(container.VolumeMount, p.s.Target(), "runtimes", runtime, "extensions", ext+".raw")
}

func (p *Pipeline) volumeFiles() (Files, error) {
	if p.files != nil {
		return p.files, nil
	}
	if p.s.Engine() == nil {
		return nil, errors.New("no container engine connected")
	}
	img, err := p.s.Image()
	if err != nil {
		return nil, err
	}
	p.files = &container.VolumeFiles{Engine: p.s.Engine(), Volume: p.s.Volume(), Image: img}
	return p.files, nil
}

// checksumScript writes <image><ext> next to every image and reports each
// checksum and size framed with nonce. Re-running overwrites the files.
func checksumScript(runtime string, alg signing.ChecksumAlgorithm, exts []string, nonce string) string {
	var s shell.Script
	s.Line("set -e")
	s.Line("NONCE=%s", shell.Quote(nonce))
	s.Line("DIR=%s", shell.DoubleQuotedPath("$AVOCADO_PREFIX/runtimes/"+runtime+"/extensions"))
	for _, ext := range exts {
		img := `"$DIR/` + ext + `.raw"`
		s.Line("if [ -f %s ]; then", img)
		s.Line("    SUM=$(%s %s | cut -d' ' -f1)", alg.Tool(), img)
		s.Line(`    printf '%%s  %%s\n' "$SUM" %s > %s`, shell.Quote(ext+".raw"), `"$DIR/`+ext+`.raw`+alg.Extension()+`"`)
		s.Line(`    printf '%s %%s %%s %%s %%s\n' "$NONCE" %s "$SUM" "$(stat -c %%s %s)"`, sumLine, shell.Quote(ext), img)
		s.Line("else")
		s.Line(`    printf '%s %%s %%s\n' "$NONCE" %s`, missingLine, shell.Quote(ext))
		s.Line("fi")
	}
	return s.String()
}

func parseChecksums(out, nonce string) (map[string]reported, []string) {
	got := make(map[string]reported)
	var missing []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 3 || f[1] != nonce {
			continue
		}
		switch {
		case f[0] == sumLine && len(f) == 5:
			size, err := strconv.ParseInt(f[4], 10, 64)
			if err != nil {
				continue
			}
			got[f[2]] = reported{hash: f[3], size: size}
		case f[0] == missingLine:
			missing = append(missing, f[2])
		}
	}
	return got, missing
}
