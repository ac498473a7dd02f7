// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const fileScheme = "file://"

// KeyID is the hex SHA-256 of a raw Ed25519 public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// FileURI is the registry URI of a file key stored at base (without the
// .key/.pub suffix).
func FileURI(base string) string { return fileScheme + base }

func fileBase(uri string) (string, error) {
	if !strings.HasPrefix(uri, fileScheme) {
		return "", errorf("not a file key URI: %s", uri)
	}
	return strings.TrimPrefix(uri, fileScheme), nil
}

// GenerateFileKey creates an Ed25519 key pair in dir as <keyid>.key (base64
// seed, mode 0600) and <keyid>.pub (base64 public key). The returned entry
// has no CreatedAt; the caller stamps it.
func GenerateFileKey(dir string, random io.Reader) (KeyEntry, error) {
	pub, priv, err := ed25519.GenerateKey(random)
	if err != nil {
		return KeyEntry{}, fmt.Errorf("generating ed25519 key: %w", err)
	}
	keyid := KeyID(pub)
	base := filepath.Join(dir, keyid)
	if err := WriteFileKey(base, priv); err != nil {
		return KeyEntry{}, err
	}
	return KeyEntry{KeyID: keyid, Algorithm: AlgorithmEd25519, URI: FileURI(base)}, nil
}

// WriteFileKey stores priv at base.key and its public half at base.pub.
func WriteFileKey(base string, priv ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(base), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	if err := os.WriteFile(base+".key", []byte(seed), 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(base+".key", 0o600); err != nil {
		return fmt.Errorf("restricting private key: %w", err)
	}
	pub := base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	if err := os.WriteFile(base+".pub", []byte(pub), 0o644); err != nil { //nolint:gosec // public key
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadFileKey reads the private key behind a file:// URI.
func LoadFileKey(uri string) (ed25519.PrivateKey, error) {
	base, err := fileBase(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(base + ".key")
	if err != nil {
		return nil, errorf("reading private key %s.key: %v", base, err)
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, errorf("private key %s.key is not a base64 ed25519 seed", base)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// LoadPublicKey reads the public key behind a file:// URI.
func LoadPublicKey(uri string) (ed25519.PublicKey, error) {
	base, err := fileBase(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(base + ".pub")
	if err != nil {
		return nil, errorf("reading public key %s.pub: %v", base, err)
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errorf("public key %s.pub is not a base64 ed25519 key", base)
	}
	return ed25519.PublicKey(pub), nil
}

// DeleteFileKey removes the key files behind a file:// URI. Files already
// gone are not an error.
func DeleteFileKey(uri string) error {
	base, err := fileBase(uri)
	if err != nil {
		return err
	}
	var errs []error
	for _, suffix := range []string{".key", ".pub"} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
