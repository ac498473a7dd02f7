// SPDX-License-Identifier: MPL-2.0

package signing

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Signing service wire constants.
const (
	RequestType  = "sign_request"
	ResponseType = "sign_response"

	// RequestTimeout bounds one connection.
	RequestTimeout = 30 * time.Second
)

type (
	// Request asks the host to sign a binary hashed inside the container.
	Request struct {
		Type              string `json:"type"`
		BinaryPath        string `json:"binary_path"`
		Hash              string `json:"hash"`
		Size              uint64 `json:"size"`
		ChecksumAlgorithm string `json:"checksum_algorithm"`
	}

	// Response carries the signature file content to write next to the
	// binary, or the reason signing failed.
	Response struct {
		Type      string `json:"type"`
		Success   bool   `json:"success"`
		Signature string `json:"signature,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	// ServiceConfig is what the service signs with and for.
	ServiceConfig struct {
		Runtime string
		Target  string
		KeyName string
		KeyID   string
		Signer  Signer
	}

	// Service answers line-delimited JSON sign requests on a listener.
	Service struct {
		cfg ServiceConfig
		ln  net.Listener

		mu     sync.Mutex // serializes signer use
		wg     sync.WaitGroup
		closed chan struct{}
		once   sync.Once
	}
)

// Listen binds a Unix socket at path (replacing a stale one) restricted to
// the owner, and returns a service on it.
func Listen(path string, cfg ServiceConfig) (*Service, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding signing socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restricting signing socket: %w", err)
	}
	return NewService(ln, cfg), nil
}

// NewService serves on ln.
func NewService(ln net.Listener, cfg ServiceConfig) *Service {
	return &Service{cfg: cfg, ln: ln, closed: make(chan struct{})}
}

// Addr is the listener address.
func (s *Service) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is done or Close is called.
func (s *Service) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.closed:
		}
	}()
	log.Debug("signing service listening", "addr", s.ln.Addr())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accepting sign request: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops accepting connections.
func (s *Service) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ln.Close()
	})
	return err
}

func (s *Service) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(RequestTimeout))

	sc := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var req Request
		resp := Response{Type: ResponseType}
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			resp.Error = fmt.Sprintf("invalid request: %v", err)
		} else if content, err := s.sign(req); err != nil {
			resp.Error = err.Error()
			log.Warn("sign request failed", "path", req.BinaryPath, "err", err)
		} else {
			resp.Success = true
			resp.Signature = content
			log.Info("signed binary", "path", req.BinaryPath)
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Service) sign(req Request) (string, error) {
	if req.Type != RequestType {
		return "", fmt.Errorf("unexpected request type '%s'", req.Type)
	}
	if err := ValidateBinaryPath(req.BinaryPath, s.cfg.Target, s.cfg.Runtime); err != nil {
		return "", err
	}
	alg, err := ParseChecksumAlgorithm(req.ChecksumAlgorithm)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := SignChecksum(s.cfg.Signer, alg, strings.ToLower(req.Hash), s.cfg.KeyName, s.cfg.KeyID)
	if err != nil {
		return "", err
	}
	data, err := f.Marshal()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ValidateBinaryPath accepts only paths under the runtime's directories in
// the build volume.
func ValidateBinaryPath(path, target, runtime string) error {
	if strings.Contains(path, "..") {
		return errorf("binary path '%s' contains '..'", path)
	}
	prefixes := []string{
		fmt.Sprintf("/opt/_avocado/%s/runtimes/%s/", target, runtime),
		fmt.Sprintf("/opt/_avocado/%s/output/runtimes/%s/", target, runtime),
	}
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return nil
		}
	}
	return errorf("binary path '%s' is not within %s or %s", path,
		strings.TrimSuffix(prefixes[0], "/"), strings.TrimSuffix(prefixes[1], "/"))
}

// RequestScript is installed into provisioning containers as
// avocado-sign-request. It hashes a binary locally, asks the service over
// $AVOCADO_SIGNING_SOCKET to sign the hash, and writes <binary>.sig.
const RequestScript = `#!/bin/bash
set -e
SOCKET="${AVOCADO_SIGNING_SOCKET:-/var/run/avocado-signing.sock}"
if [ ! -S "$SOCKET" ]; then
    echo "Error: signing socket not available" >&2
    exit 2
fi
if [ $# -ne 1 ]; then
    echo "Usage: avocado-sign-request <binary-path>" >&2
    exit 1
fi
BINARY_PATH=$(realpath "$1")
if [ ! -f "$BINARY_PATH" ]; then
    echo "Error: binary not found: $1" >&2
    exit 3
fi
ALGO="${AVOCADO_SIGNING_CHECKSUM:-sha256}"
SIZE=$(stat -c%s "$BINARY_PATH")
case "$ALGO" in
    sha256) HASH=$(sha256sum "$BINARY_PATH" | cut -d' ' -f1) ;;
    blake3) HASH=$(b3sum "$BINARY_PATH" | cut -d' ' -f1) ;;
    *) echo "Error: unsupported checksum algorithm: $ALGO" >&2; exit 1 ;;
esac
REQUEST=$(printf '{"type":"sign_request","binary_path":"%s","hash":"%s","size":%s,"checksum_algorithm":"%s"}' \
    "$BINARY_PATH" "$HASH" "$SIZE" "$ALGO")
if command -v socat >/dev/null 2>&1; then
    RESPONSE=$(echo "$REQUEST" | socat -t30 -T30 - "UNIX-CONNECT:$SOCKET")
else
    RESPONSE=$(echo "$REQUEST" | nc -w 30 -U "$SOCKET")
fi
if ! echo "$RESPONSE" | jq -e '.success' >/dev/null; then
    echo "Error: $(echo "$RESPONSE" | jq -r '.error // "no response"')" >&2
    exit 4
fi
echo "$RESPONSE" | jq -r '.signature' > "$BINARY_PATH.sig"
echo "Signed $BINARY_PATH" >&2
`
