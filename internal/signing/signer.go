// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"crypto/ed25519"
	"strings"

	"github.com/charmbracelet/log"
)

type (
	// Signer signs digests with one key.
	Signer interface {
		// Sign returns the signature over digest.
		Sign(digest []byte) ([]byte, error)
		// Algorithm is the registry algorithm name of the key.
		Algorithm() string
		// Close releases the key material.
		Close() error
	}

	// OpenOptions configure how token keys are unlocked.
	OpenOptions struct {
		Device    DeviceType
		Auth      AuthMethod
		LookupEnv func(string) (string, bool)
		Prompt    func(string) (string, error)
		// ModuleExists replaces the filesystem check of module discovery.
		ModuleExists func(string) bool
	}

	fileSigner struct {
		priv ed25519.PrivateKey
	}

	tokenSigner struct {
		token  *Token
		object string
		alg    string
	}
)

// NewEd25519Signer wraps an in-memory key.
func NewEd25519Signer(priv ed25519.PrivateKey) Signer { return &fileSigner{priv: priv} }

// Open returns a Signer for entry. File keys are read from disk; token
// keys open a logged-in session that lasts until Close.
func Open(entry KeyEntry, opts OpenOptions) (Signer, error) {
	if !strings.HasPrefix(entry.URI, pkcs11Scheme) {
		priv, err := LoadFileKey(entry.URI)
		if err != nil {
			return nil, err
		}
		return &fileSigner{priv: priv}, nil
	}

	uri, err := ParseTokenURI(entry.URI)
	if err != nil {
		return nil, err
	}
	if opts.Device == "" {
		opts.Device = DeviceAuto
	}
	if opts.Auth == "" {
		opts.Auth = AuthPrompt
	}
	module, err := ModulePath(opts.Device, opts.LookupEnv, opts.ModuleExists)
	if err != nil {
		return nil, err
	}
	pin, err := ResolvePIN(opts.Auth, opts.LookupEnv, opts.Prompt)
	if err != nil {
		return nil, err
	}
	log.Debug("opening PKCS#11 token", "module", module, "token", uri.Token)
	tok, err := OpenToken(module, uri.Token, pin)
	if err != nil {
		return nil, err
	}
	return &tokenSigner{token: tok, object: uri.Object, alg: entry.Algorithm}, nil
}

func (s *fileSigner) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, digest), nil
}

func (s *fileSigner) Algorithm() string { return AlgorithmEd25519 }

func (s *fileSigner) Close() error {
	clear(s.priv)
	return nil
}

func (s *tokenSigner) Sign(digest []byte) ([]byte, error) {
	sig, alg, err := s.token.Sign(s.object, digest)
	if err != nil {
		return nil, err
	}
	s.alg = alg
	return sig, nil
}

func (s *tokenSigner) Algorithm() string { return s.alg }

func (s *tokenSigner) Close() error { return s.token.Close() }
