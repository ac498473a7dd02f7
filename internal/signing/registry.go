// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// KeysDirEnv overrides the registry directory.
	KeysDirEnv = "AVOCADO_SIGNING_KEYS_DIR"

	registryFile = "keys.json"
)

// Key algorithms recorded in the registry.
const (
	AlgorithmEd25519   = "ed25519"
	AlgorithmECDSAP256 = "ecdsa-p256"
	AlgorithmRSA       = "rsa"
)

type (
	// KeyEntry is one registered key.
	KeyEntry struct {
		KeyID     string    `json:"keyid"`
		Algorithm string    `json:"algorithm"`
		CreatedAt time.Time `json:"created_at"`
		URI       string    `json:"uri"`
	}

	// Registry maps key names to their entries. It is loaded from and saved
	// to keys.json in its directory.
	Registry struct {
		Keys map[string]KeyEntry `json:"keys"`

		dir string
	}
)

// IsHardware reports whether the key lives on a PKCS#11 token.
func (e KeyEntry) IsHardware() bool { return strings.HasPrefix(e.URI, pkcs11Scheme) }

// Dir resolves the registry directory: AVOCADO_SIGNING_KEYS_DIR, then the
// signing.keys_dir setting, then signing-keys under configDir.
func Dir(lookupEnv func(string) (string, bool), setting, configDir string) string {
	if lookupEnv != nil {
		if v, ok := lookupEnv(KeysDirEnv); ok && v != "" {
			return v
		}
	}
	if setting != "" {
		return setting
	}
	return filepath.Join(configDir, "signing-keys")
}

// OpenRegistry loads the registry in dir. A missing keys.json is an empty
// registry.
func OpenRegistry(dir string) (*Registry, error) {
	r := &Registry{Keys: make(map[string]KeyEntry), dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, registryFile))
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading signing key registry: %w", err)
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Join(dir, registryFile), err)
	}
	if r.Keys == nil {
		r.Keys = make(map[string]KeyEntry)
	}
	return r, nil
}

// Dir is the registry directory.
func (r *Registry) Dir() string { return r.dir }

// Save writes keys.json, replacing it atomically.
func (r *Registry) Save() error {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("creating signing key directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.dir, registryFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing signing key registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing signing key registry: %w", err)
	}
	return nil
}

// Add registers entry under name. Names are unique.
func (r *Registry) Add(name string, entry KeyEntry) error {
	if name == "" {
		return errors.New("signing key name must not be empty")
	}
	if _, ok := r.Keys[name]; ok {
		return fmt.Errorf("signing key '%s' already exists", name)
	}
	r.Keys[name] = entry
	log.Debug("registered signing key", "name", name, "keyid", entry.KeyID)
	return nil
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (KeyEntry, error) {
	e, ok := r.Keys[name]
	if !ok {
		return KeyEntry{}, keyNotFound(name, r.dir)
	}
	return e, nil
}

// Remove unregisters name and returns its entry.
func (r *Registry) Remove(name string) (KeyEntry, error) {
	e, err := r.Get(name)
	if err != nil {
		return KeyEntry{}, err
	}
	delete(r.Keys, name)
	return e, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Keys))
	for n := range r.Keys {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Resolve finds the key a project refers to by name. aliases is the
// project's signing_keys map from local names to key IDs; an alias is
// matched against registered key IDs, anything else against registered
// names. It returns the registry name with the entry.
func (r *Registry) Resolve(name string, aliases map[string]string) (string, KeyEntry, error) {
	if keyid, ok := aliases[name]; ok {
		for _, n := range r.Names() {
			if r.Keys[n].KeyID == keyid {
				return n, r.Keys[n], nil
			}
		}
		return "", KeyEntry{}, keyNotFound(fmt.Sprintf("%s (keyid %s)", name, keyid), r.dir)
	}
	e, err := r.Get(name)
	return name, e, err
}
