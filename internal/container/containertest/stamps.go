// SPDX-License-Identifier: MPL-2.0

package containertest

import (
	"encoding/base64"
	"regexp"
	"strings"
	"sync"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
)

var (
	readLine  = regexp.MustCompile(`printf '` + stamps.FramePrefix + ` %s %s %s\\n' (\S+) (\S+) "`)
	writeDest = regexp.MustCompile(`mv -f "\S+\.tmp" "\$AVOCADO_PREFIX/\.stamps/(\S+)"`)
)

// StampStore emulates the stamp tree of a build volume: stamp write scripts
// store documents and batched reads answer from them.
type StampStore struct {
	mu    sync.Mutex
	files map[string]string
}

// NewStampStore returns an empty store.
func NewStampStore() *StampStore {
	return &StampStore{files: make(map[string]string)}
}

// Attach routes f's stamp reads and writes to the store.
func (s *StampStore) Attach(f *FakeExecutor) *FakeExecutor {
	f.Handle("<<'AVOCADO_STAMP_EOF'", s.write)
	f.Handle("printf '"+stamps.FramePrefix, s.read)
	return f
}

// Put stores st directly.
func (s *StampStore) Put(st *stamps.Stamp) {
	line, err := st.MarshalLine()
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[st.RelativePath()] = line
}

// Get returns the stamp stored at rel.
func (s *StampStore) Get(rel string) (*stamps.Stamp, bool) {
	s.mu.Lock()
	data, ok := s.files[rel]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	st, err := stamps.Parse([]byte(data))
	if err != nil {
		return nil, false
	}
	return st, true
}

// Paths lists stored stamp paths.
func (s *StampStore) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	return out
}

func (s *StampStore) write(cfg container.RunConfig) (string, error) {
	lines := strings.Split(cfg.Command, "\n")
	var body string
	for i, l := range lines {
		if strings.Contains(l, "<<'AVOCADO_STAMP_EOF'") && i+1 < len(lines) {
			body = lines[i+1]
		}
	}
	m := writeDest.FindStringSubmatch(cfg.Command)
	if m == nil || body == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[m[1]] = body
	return "", nil
}

func (s *StampStore) read(cfg container.RunConfig) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out strings.Builder
	for _, l := range strings.Split(cfg.Command, "\n") {
		m := readLine.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		nonce, rel := unquote(m[1]), unquote(m[2])
		payload := stamps.FrameMissing
		if data, ok := s.files[rel]; ok {
			payload = base64.StdEncoding.EncodeToString([]byte(data))
		}
		out.WriteString(strings.Join([]string{stamps.FramePrefix, nonce, rel, payload}, " "))
		out.WriteByte('\n')
	}
	return out.String(), nil
}

func unquote(s string) string {
	return strings.Trim(s, `'"`)
}
