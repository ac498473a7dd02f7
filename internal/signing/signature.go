// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignatureVersion is the signature file format version.
const SignatureVersion = "1"

// SignatureFile is the JSON document written next to a signed file as
// <file>.sig.
type SignatureFile struct {
	Version           string `json:"version"`
	ChecksumAlgorithm string `json:"checksum_algorithm"`
	Checksum          string `json:"checksum"`
	Signature         string `json:"signature"`
	Algorithm         string `json:"algorithm"`
	KeyName           string `json:"key_name"`
	KeyID             string `json:"keyid"`
}

// SignChecksum signs a hex checksum's bytes.
func SignChecksum(s Signer, alg ChecksumAlgorithm, checksumHex, keyName, keyID string) (*SignatureFile, error) {
	digest, err := hex.DecodeString(checksumHex)
	if err != nil || len(digest) != alg.New().Size() {
		return nil, errorf("invalid %s checksum '%s'", alg, checksumHex)
	}
	sig, err := s.Sign(digest)
	if err != nil {
		return nil, err
	}
	return &SignatureFile{
		Version:           SignatureVersion,
		ChecksumAlgorithm: string(alg),
		Checksum:          checksumHex,
		Signature:         hex.EncodeToString(sig),
		Algorithm:         s.Algorithm(),
		KeyName:           keyName,
		KeyID:             keyID,
	}, nil
}

// Marshal renders the file with a trailing newline.
func (f *SignatureFile) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ParseSignatureFile decodes a .sig document.
func ParseSignatureFile(data []byte) (*SignatureFile, error) {
	var f SignatureFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing signature file: %w", err)
	}
	if f.Version != SignatureVersion {
		return nil, fmt.Errorf("unsupported signature file version '%s'", f.Version)
	}
	return &f, nil
}

// VerifyEd25519 checks an Ed25519 signature file against pub.
func (f *SignatureFile) VerifyEd25519(pub ed25519.PublicKey) error {
	digest, err := hex.DecodeString(f.Checksum)
	if err != nil {
		return errorf("bad checksum in signature file: %v", err)
	}
	sig, err := hex.DecodeString(f.Signature)
	if err != nil {
		return errorf("bad signature encoding: %v", err)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return errorf("signature does not verify with key %s", KeyID(pub))
	}
	return nil
}
