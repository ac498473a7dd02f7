// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ChecksumsAsset is the sha256sum manifest published with every release.
const ChecksumsAsset = "checksums.txt"

var (
	// ErrChecksumMismatch means a download does not hash to its manifest entry.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrNoChecksum means the manifest has no entry for a file.
	ErrNoChecksum = errors.New("no checksum listed")
)

// ParseChecksums reads sha256sum output into filename -> lowercase hex.
// Lines that are not "<64 hex>  <name>" are ignored; a binary-mode "*"
// before the name is dropped.
func ParseChecksums(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		hash, name, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if !ok {
			continue
		}
		name = strings.TrimPrefix(strings.TrimSpace(name), "*")
		if len(hash) != sha256.Size*2 || name == "" {
			continue
		}
		if _, err := hex.DecodeString(hash); err != nil {
			continue
		}
		sums[name] = strings.ToLower(hash)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return sums, nil
}

// VerifyFile checks path against want, a hex SHA-256.
func VerifyFile(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, want, got)
	}
	return nil
}
