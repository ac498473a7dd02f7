// SPDX-License-Identifier: MPL-2.0

package build

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/deps"
	"github.com/avocado-linux/avocado-cli/internal/signing"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/tuf"
)

// ManifestVersion is the runtime manifest schema written by builds.
const ManifestVersion = 2

type (
	// Manifest describes one runtime build: the OS release it targets and
	// the content-addressed images of its extensions.
	Manifest struct {
		ManifestVersion int                 `json:"manifest_version"`
		ID              string              `json:"id"`
		BuiltAt         string              `json:"built_at"`
		Runtime         ManifestRuntime     `json:"runtime"`
		Extensions      []ManifestExtension `json:"extensions"`
	}

	// ManifestRuntime names the runtime and the rootfs VERSION_ID.
	ManifestRuntime struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// ManifestExtension is one extension image. ImageID names the file
	// under images/.
	ManifestExtension struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		ImageID string `json:"image_id"`
	}

	// collected is what the image collection pass reports.
	collected struct {
		digests   map[string]string
		missing   []string
		versionID string
	}
)

// Runtimes builds the named runtimes, or every runtime of the session target
// when names is empty.
func (b *Builder) Runtimes(ctx context.Context, names ...string) error {
	cfg := b.s.Config()
	target := b.s.Target()
	if len(names) == 0 {
		names = cfg.RuntimesForTarget(target)
	}
	for _, name := range names {
		rt, ok := cfg.Runtime(name, target)
		if !ok {
			return fmt.Errorf("runtime '%s' not found in configuration", name)
		}
		if rt.Target != "" && rt.Target != target {
			log.Info("skipping runtime built for another target", "runtime", name, "runtime_target", rt.Target)
			continue
		}
		if _, err := b.Runtime(ctx, rt); err != nil {
			return err
		}
	}
	return nil
}

// Runtime builds one runtime: it gathers the extension images, writes the
// manifest and update root metadata, assembles the var partition image and
// runs the target's build hook.
func (b *Builder) Runtime(ctx context.Context, rt *composer.Runtime) (*Manifest, error) {
	exts, err := b.s.Resolver().Resolve(rt.Name)
	if err != nil {
		return nil, err
	}
	exts = uniqueByName(exts)
	var local, versioned []string
	for _, ext := range exts {
		if ext.Kind == deps.Versioned {
			versioned = append(versioned, ext.Name)
		} else {
			local = append(local, ext.Name)
		}
	}

	reqs := stamps.Required(stamps.Build, stamps.Runtime, rt.Name, local, b.s.HostArch())
	for _, name := range versioned {
		reqs = append(reqs, stamps.ExtStep(stamps.Install, name))
	}
	if err := b.s.RequireStamps(ctx, "runtime build", reqs); err != nil {
		return nil, err
	}
	inputs, err := stamps.RuntimeInputs(rt.Name, rt.RuntimePackagesValue(), b.s.Target())
	if err != nil {
		return nil, err
	}

	log.Info("building runtime", "runtime", rt.Name, "extensions", len(exts))
	nonce := stamps.NewNonce()
	cfg := b.s.RunConfig(collectScript(rt.Name, local, versioned, nonce))
	cfg.SourceEnvironment = true
	out, err := b.s.Output(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("collecting images for runtime '%s': %w", rt.Name, err)
	}
	got := parseCollected(out, nonce)
	if len(got.missing) > 0 {
		return nil, missingImages(rt.Name, got.missing)
	}

	m, err := b.manifest(rt, exts, got)
	if err != nil {
		return nil, err
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	root, err := b.rootMetadata(rt)
	if err != nil {
		return nil, err
	}

	a := assembly{
		runtime:   rt.Name,
		target:    b.s.Target(),
		buildID:   m.ID,
		versionID: got.versionID,
		manifest:  manifest,
		root:      root,
	}
	for _, e := range m.Extensions {
		a.images = append(a.images, imageRef{name: e.Name, id: e.ImageID})
	}
	cfg = b.s.RunConfig(assembleScript(a))
	cfg.SourceEnvironment = true
	cfg.Env = map[string]string{
		"AVOCADO_RUNTIME":  rt.Name,
		"AVOCADO_EXT_LIST": strings.Join(slices.Concat(local, versioned), " "),
	}
	if err := b.s.Run(ctx, cfg); err != nil {
		return nil, fmt.Errorf("assembling runtime '%s': %w", rt.Name, err)
	}
	if err := b.s.WriteStamp(ctx, b.s.NewStamp(stamps.Build, stamps.Runtime, rt.Name, inputs, stamps.Outputs{})); err != nil {
		return nil, err
	}
	log.Info("runtime built", "runtime", rt.Name, "build_id", m.ID, "os_version", got.versionID)
	return m, nil
}

func (b *Builder) manifest(rt *composer.Runtime, exts []deps.Extension, got collected) (*Manifest, error) {
	m := &Manifest{
		ManifestVersion: ManifestVersion,
		ID:              b.newID(),
		BuiltAt:         b.s.Now().UTC().Format(time.RFC3339),
		Runtime:         ManifestRuntime{Name: rt.Name, Version: got.versionID},
		Extensions:      make([]ManifestExtension, 0, len(exts)),
	}
	resolver := b.s.Resolver()
	for _, ext := range exts {
		digest, ok := got.digests[ext.Name]
		if !ok {
			return nil, fmt.Errorf("no image digest reported for extension '%s'", ext.Name)
		}
		version := ext.Version
		if ext.Kind != deps.Versioned {
			def, err := resolver.Definition(ext)
			if err != nil {
				return nil, err
			}
			if def != nil {
				version = def.Version
			}
		}
		m.Extensions = append(m.Extensions, ManifestExtension{
			Name:    ext.Name,
			Version: version,
			ImageID: tuf.ImageID(digest),
		})
	}
	return m, nil
}

// rootMetadata signs the update repository's root role with the runtime's
// update key.
func (b *Builder) rootMetadata(rt *composer.Runtime) ([]byte, error) {
	var keyName string
	if rt.Signing != nil {
		keyName = rt.Signing.Key
	}
	key, err := signing.UpdateKey(keyName, b.s.Config().SigningKeys(), b.registry, b.s.SrcDir(), b.random)
	if err != nil {
		return nil, err
	}
	return tuf.GenerateRoot(key, b.s.Now())
}

// parseCollected reads the framed lines of the collection pass. Lines
// without the nonce are SDK chatter.
func parseCollected(out, nonce string) collected {
	got := collected{digests: map[string]string{}, versionID: "unknown"}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 3 || f[1] != nonce {
			continue
		}
		switch {
		case f[0] == imageLine && len(f) == 4:
			got.digests[f[2]] = f[3]
		case f[0] == missingLine:
			got.missing = append(got.missing, f[2])
		case f[0] == osLine:
			got.versionID = f[2]
		}
	}
	return got
}

func uniqueByName(exts []deps.Extension) []deps.Extension {
	seen := make(map[string]bool, len(exts))
	out := exts[:0:0]
	for _, ext := range exts {
		if seen[ext.Name] {
			continue
		}
		seen[ext.Name] = true
		out = append(out, ext)
	}
	return out
}
