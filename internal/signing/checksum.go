// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumAlgorithm is the digest signed in place of the file contents.
type ChecksumAlgorithm string

// Checksum algorithms.
const (
	SHA256 ChecksumAlgorithm = "sha256"
	BLAKE3 ChecksumAlgorithm = "blake3"
)

// ParseChecksumAlgorithm accepts sha256 (or sha-256) and blake3. Empty
// means sha256.
func ParseChecksumAlgorithm(s string) (ChecksumAlgorithm, error) {
	switch strings.ToLower(s) {
	case "", "sha256", "sha-256":
		return SHA256, nil
	case "blake3":
		return BLAKE3, nil
	}
	return "", fmt.Errorf("unsupported checksum algorithm '%s' (expected sha256 or blake3)", s)
}

// New returns a fresh hasher.
func (a ChecksumAlgorithm) New() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Extension is the suffix of checksum files written next to images.
func (a ChecksumAlgorithm) Extension() string { return "." + string(a) }

// Tool is the SDK command that prints the checksum of a file.
func (a ChecksumAlgorithm) Tool() string {
	if a == BLAKE3 {
		return "b3sum"
	}
	return "sha256sum"
}

// Sum hashes r.
func (a ChecksumAlgorithm) Sum(r io.Reader) ([]byte, int64, error) {
	h := a.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, n, err
	}
	return h.Sum(nil), n, nil
}

// SumFile hashes the file at path and returns the digest and size.
func (a ChecksumAlgorithm) SumFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return a.Sum(f)
}
