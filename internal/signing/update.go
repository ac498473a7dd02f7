// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"crypto/ed25519"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// AutoKeyBase is the project-local update key used when a runtime names no
// signing key, relative to the source directory.
var AutoKeyBase = filepath.Join(".avocado", "signing", "auto")

// UpdateKey returns the Ed25519 key that signs a runtime's update
// repository. A named key is resolved through the registry and must be an
// Ed25519 file key; with no name the project's auto key is loaded, or
// generated on first use.
func UpdateKey(name string, aliases map[string]string, open func() (*Registry, error), srcDir string, random io.Reader) (ed25519.PrivateKey, error) {
	if name != "" {
		reg, err := open()
		if err != nil {
			return nil, err
		}
		resolved, entry, err := reg.Resolve(name, aliases)
		if err != nil {
			return nil, err
		}
		if entry.Algorithm != AlgorithmEd25519 || entry.IsHardware() {
			return nil, errorf("signing key '%s' is %s at %s; update repositories need an ed25519 file key",
				resolved, entry.Algorithm, entry.URI)
		}
		return LoadFileKey(entry.URI)
	}

	base := filepath.Join(srcDir, AutoKeyBase)
	uri := FileURI(base)
	if _, err := os.Stat(base + ".key"); err == nil {
		return LoadFileKey(uri)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	_, priv, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, err
	}
	if err := WriteFileKey(base, priv); err != nil {
		return nil, err
	}
	log.Info("generated project update key", "path", base+".key", "keyid", KeyID(priv.Public().(ed25519.PublicKey)))
	return priv, nil
}
