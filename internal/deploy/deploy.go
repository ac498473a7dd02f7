// SPDX-License-Identifier: MPL-2.0

package deploy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/remote"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/signing"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
	"github.com/avocado-linux/avocado-cli/internal/tuf"
)

const (
	// DefaultRepoPort is the port the update repository is served on.
	DefaultRepoPort = 8585

	// RepoHostEnv overrides the address the device uses to reach the
	// repository.
	RepoHostEnv = "AVOCADO_DEPLOY_REPO_HOST"
	// RepoPortEnv overrides the repository port.
	RepoPortEnv = "AVOCADO_DEPLOY_REPO_PORT"

	defaultUser = "root"
)

// StagingDir holds the signed metadata between signing and serving,
// relative to the source tree.
var StagingDir = filepath.Join(".avocado", "deploy-staging")

// ErrActiveManifest is returned when the runtime's active build cannot be
// determined.
var ErrActiveManifest = errors.New("cannot determine the active runtime manifest")

type (
	// Option configures a Deployer.
	Option func(*Deployer)

	// Deployer runs deploys for one session.
	Deployer struct {
		s        *session.Session
		registry func() (*signing.Registry, error)
		random   io.Reader
		repoPort int
	}

	// HashCollection is what the hashing pass reports: the deployable
	// files of the active build and the root metadata written by it.
	HashCollection struct {
		BuildID  string       `json:"build_id"`
		Targets  []tuf.Target `json:"targets"`
		RootJSON []byte       `json:"root_json"`
	}
)

// WithRegistry sets how the signing key registry is opened.
func WithRegistry(open func() (*signing.Registry, error)) Option {
	return func(d *Deployer) { d.registry = open }
}

// WithRandom sets the entropy source used if the project update key has to
// be generated.
func WithRandom(r io.Reader) Option {
	return func(d *Deployer) { d.random = r }
}

// WithRepoPort sets the configured repository port; RepoPortEnv still wins.
func WithRepoPort(port int) Option {
	return func(d *Deployer) { d.repoPort = port }
}

// New returns a Deployer for s.
func New(s *session.Session, opts ...Option) *Deployer {
	d := &Deployer{
		s:      s,
		random: rand.Reader,
		registry: func() (*signing.Registry, error) {
			return nil, errors.New("no signing key registry configured")
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Runtime deploys runtime to device, a user@host[:port] SSH destination.
func (d *Deployer) Runtime(ctx context.Context, runtime, device string) error {
	rt, ok := d.s.Config().Runtime(runtime, d.s.Target())
	if !ok {
		return fmt.Errorf("runtime '%s' not found in configuration", runtime)
	}
	host, err := remote.ParseHost(device)
	if err != nil {
		return err
	}
	if host.User == "" {
		host.User = defaultUser
	}
	if err := d.s.RequireStamps(ctx, "runtime deploy", stamps.RequiredForDeploy(runtime)); err != nil {
		return err
	}
	port, err := d.port()
	if err != nil {
		return err
	}

	log.Info("hashing runtime artifacts", "runtime", runtime)
	hashes, err := d.collect(ctx, runtime)
	if err != nil {
		return err
	}

	var keyName string
	if rt.Signing != nil {
		keyName = rt.Signing.Key
	}
	key, err := signing.UpdateKey(keyName, d.s.Config().SigningKeys(), d.registry, d.s.SrcDir(), d.random)
	if err != nil {
		return err
	}
	if _, err := tuf.Verify(hashes.RootJSON, key.Public().(ed25519.PublicKey)); err != nil {
		return fmt.Errorf("%w: root metadata of runtime '%s' was signed with another key; rebuild with 'avocado runtime build -r %s'",
			signing.ErrSigning, runtime, runtime)
	}
	repo, err := tuf.GenerateRepo(hashes.Targets, key, d.s.Now())
	if err != nil {
		return err
	}

	staging := filepath.Join(d.s.SrcDir(), StagingDir)
	if err := stage(staging, hashes.RootJSON, repo); err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Warn("could not remove deploy staging", "path", staging, "err", err)
		}
	}()

	hostIP, _ := d.s.Options().LookupEnv(RepoHostEnv)
	script := serveScript(serve{
		runtime: runtime,
		buildID: hashes.BuildID,
		staging: d.s.Config().ContainerPath(staging),
		port:    port,
		device:  host,
		hostIP:  hostIP,
	})
	cfg := d.s.RunConfig(script)
	cfg.SourceEnvironment = true
	cfg.Env = map[string]string{
		"AVOCADO_RUNTIME":        runtime,
		"AVOCADO_DEPLOY_MACHINE": device,
	}
	log.Info("deploying runtime", "runtime", runtime, "device", host.String(), "build_id", hashes.BuildID)
	if err := d.s.Run(ctx, cfg); err != nil {
		return fmt.Errorf("deploying runtime '%s' to %s: %w", runtime, device, err)
	}
	log.Info("runtime deployed", "runtime", runtime, "device", host.String())
	return nil
}

func (d *Deployer) port() (int, error) {
	if v, ok := d.s.Options().LookupEnv(RepoPortEnv); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return 0, fmt.Errorf("invalid %s %q", RepoPortEnv, v)
		}
		return p, nil
	}
	if d.repoPort != 0 {
		return d.repoPort, nil
	}
	return DefaultRepoPort, nil
}

// collect runs the hashing pass and decodes its framed report.
func (d *Deployer) collect(ctx context.Context, runtime string) (*HashCollection, error) {
	nonce := stamps.NewNonce()
	out, err := d.s.Output(ctx, d.s.RunConfig(hashScript(runtime, nonce)))
	if err != nil {
		return nil, fmt.Errorf("hashing runtime '%s': %w", runtime, err)
	}
	return parseHashes(out, nonce, runtime)
}

func parseHashes(out, nonce, runtime string) (*HashCollection, error) {
	for _, line := range strings.Split(out, "\n") {
		kind, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		got, payload, _ := strings.Cut(rest, " ")
		if got != nonce {
			continue
		}
		switch kind {
		case candidatesLine:
			if payload == "" {
				return nil, fmt.Errorf("%w: runtime '%s' has no build; run 'avocado runtime build -r %s'", ErrActiveManifest, runtime, runtime)
			}
			return nil, fmt.Errorf("%w: no active link and several builds of runtime '%s': %s",
				ErrActiveManifest, runtime, strings.Join(strings.Fields(payload), ", "))
		case hashesLine:
			var h HashCollection
			if err := json.Unmarshal([]byte(payload), &h); err != nil {
				return nil, fmt.Errorf("decoding artifact hashes: %w", err)
			}
			if len(h.RootJSON) == 0 {
				return nil, fmt.Errorf("runtime '%s' has no root metadata; rebuild it", runtime)
			}
			tuf.SortTargets(h.Targets)
			return &h, nil
		}
	}
	return nil, fmt.Errorf("hashing runtime '%s' reported nothing", runtime)
}

// stage writes the repository metadata to dir, replacing earlier contents.
func stage(dir string, root []byte, repo *tuf.Repo) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := map[string][]byte{
		"root.json":      root,
		"1.root.json":    root,
		"targets.json":   repo.Targets,
		"snapshot.json":  repo.Snapshot,
		"timestamp.json": repo.Timestamp,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
