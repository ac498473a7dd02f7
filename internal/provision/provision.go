// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/avocado-linux/avocado-cli/internal/composer"
	"github.com/avocado-linux/avocado-cli/internal/deps"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/signing"
	"github.com/avocado-linux/avocado-cli/internal/stamps"
)

type (
	// Options are the per-invocation inputs of a provision.
	Options struct {
		Runtime string
		// Profile selects provision.<profile>: its container arguments
		// and state file.
		Profile string
		// Env is passed to the hook; the standard variables win over it.
		Env map[string]string
		// Out is a project-relative output path exported as
		// AVOCADO_PROVISION_OUT.
		Out           string
		ContainerArgs []string
	}

	// Option configures a Provisioner.
	Option func(*Provisioner)

	// Provisioner runs provisioning for one session.
	Provisioner struct {
		s         *session.Session
		registry  func() (*signing.Registry, error)
		open      func(signing.KeyEntry, signing.OpenOptions) (signing.Signer, error)
		openOpts  signing.OpenOptions
		socketDir string
	}
)

// WithRegistry sets how the signing key registry is opened.
func WithRegistry(open func() (*signing.Registry, error)) Option {
	return func(p *Provisioner) { p.registry = open }
}

// WithOpenOptions sets how hardware keys are unlocked.
func WithOpenOptions(opts signing.OpenOptions) Option {
	return func(p *Provisioner) { p.openOpts = opts }
}

// WithSocketDir sets where the signing socket's directory is created.
func WithSocketDir(dir string) Option {
	return func(p *Provisioner) { p.socketDir = dir }
}

// New returns a Provisioner for s.
func New(s *session.Session, opts ...Option) *Provisioner {
	p := &Provisioner{
		s:    s,
		open: signing.Open,
		registry: func() (*signing.Registry, error) {
			return nil, errors.New("no signing key registry configured")
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Runtime provisions opts.Runtime.
func (p *Provisioner) Runtime(ctx context.Context, opts Options) error {
	cfg := p.s.Config()
	target := p.s.Target()
	rt, ok := cfg.Runtime(opts.Runtime, target)
	if !ok {
		return fmt.Errorf("runtime '%s' not found in configuration", opts.Runtime)
	}
	var profile *composer.ProvisionProfile
	if opts.Profile != "" {
		if profile, ok = cfg.ProvisionProfile(opts.Profile, target); !ok {
			return fmt.Errorf("provision profile '%s' not found in configuration", opts.Profile)
		}
	}
	reqs := stamps.Required(stamps.Provision, stamps.Runtime, rt.Name, nil, p.s.HostArch())
	if err := p.s.RequireStamps(ctx, "runtime provision", reqs); err != nil {
		return err
	}
	inputs, err := stamps.RuntimeInputs(rt.Name, rt.RuntimePackagesValue(), target)
	if err != nil {
		return err
	}
	env, err := p.environment(rt, opts)
	if err != nil {
		return err
	}

	v := script{runtime: rt.Name, target: target}
	run := p.s.RunConfig("")
	run.SourceEnvironment = true
	run.Interactive = !p.s.Options().Force
	if profile != nil {
		run.ContainerArgs = append(run.ContainerArgs, profile.ContainerArgs...)
		v.hostState = cfg.ContainerPath(profile.StateFile)
		env["AVOCADO_PROVISION_STATE"] = StatePath(target, rt.Name)
		run.MutateSources = true
	}
	run.ContainerArgs = append(run.ContainerArgs, opts.ContainerArgs...)
	if opts.Out != "" {
		run.MutateSources = true
	}

	if rt.Signing != nil && rt.Signing.Key != "" {
		svc, socket, err := p.startSigning(ctx, rt)
		if err != nil {
			return err
		}
		defer func() {
			if err := svc.Close(); err != nil {
				log.Warn("stopping signing service", "err", err)
			}
			if err := os.RemoveAll(filepath.Dir(socket)); err != nil {
				log.Warn("removing signing socket", "path", socket, "err", err)
			}
		}()
		if rc := p.s.Remote(); rc != nil {
			if _, err := rc.StartSigningTunnel(ctx, socket); err != nil {
				return err
			}
		} else {
			run.SigningSocket = socket
		}
		v.signing = true
		env["AVOCADO_SIGNING_CHECKSUM"] = rt.Signing.ChecksumAlgorithm
	}
	run.Command = provisionScript(v)
	run.Env = env

	log.Info("provisioning runtime", "runtime", rt.Name, "target", target, "profile", opts.Profile)
	if err := p.s.Run(ctx, run); err != nil {
		return fmt.Errorf("provisioning runtime '%s': %w", rt.Name, err)
	}
	if err := p.s.WriteStamp(ctx, p.s.NewStamp(stamps.Provision, stamps.Runtime, rt.Name, inputs, stamps.Outputs{})); err != nil {
		return err
	}
	log.Info("runtime provisioned", "runtime", rt.Name)
	return nil
}

// environment is the hook's environment: the user's variables overlaid
// with the standard ones.
func (p *Provisioner) environment(rt *composer.Runtime, opts Options) (map[string]string, error) {
	cfg := p.s.Config()
	env := maps.Clone(opts.Env)
	if env == nil {
		env = map[string]string{}
	}
	exts, err := p.extensionList(rt.Name)
	if err != nil {
		return nil, err
	}
	if len(exts) > 0 {
		env["AVOCADO_EXT_LIST"] = strings.Join(exts, " ")
	}
	if p.s.Options().Verbose {
		env["AVOCADO_VERBOSE"] = "1"
	}
	env["AVOCADO_TARGET"] = p.s.Target()
	env["AVOCADO_RUNTIME"] = rt.Name
	env["AVOCADO_RUNTIME_NAME"] = rt.Name
	env["AVOCADO_RUNTIME_BUILD_DIR"] = BuildDir(p.s.Target(), rt.Name)
	if v := cfg.DistroVersion(); v != "" {
		env["AVOCADO_RUNTIME_VERSION"] = v
		env["AVOCADO_DISTRO_VERSION"] = v
	}
	if opts.Profile != "" {
		env["AVOCADO_PROVISION_PROFILE"] = opts.Profile
	}
	if opts.Out != "" {
		env["AVOCADO_PROVISION_OUT"] = cfg.ContainerPath(opts.Out)
	}
	if len(rt.StoneIncludePaths) > 0 {
		paths := make([]string, len(rt.StoneIncludePaths))
		for i, sp := range rt.StoneIncludePaths {
			paths[i] = cfg.ContainerPath(sp)
		}
		env["AVOCADO_STONE_INCLUDE_PATHS"] = strings.Join(paths, " ")
	}
	if rt.StoneManifest != "" {
		env["AVOCADO_STONE_MANIFEST"] = cfg.ContainerPath(rt.StoneManifest)
	}
	return env, nil
}

// extensionList names the runtime's extensions as name-version, sorted.
func (p *Provisioner) extensionList(runtime string) ([]string, error) {
	resolver := p.s.Resolver()
	exts, err := resolver.Resolve(runtime)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		version := ext.Version
		if ext.Kind != deps.Versioned {
			def, err := resolver.Definition(ext)
			if err != nil {
				return nil, err
			}
			if def != nil {
				version = def.Version
			}
		}
		if version == "" || version == "*" {
			version = composer.DefaultExtensionVersion
		}
		out = append(out, ext.Name+"-"+version)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// startSigning opens the runtime's key and serves sign requests on a fresh
// Unix socket until the returned service is closed.
func (p *Provisioner) startSigning(ctx context.Context, rt *composer.Runtime) (*signing.Service, string, error) {
	if _, err := signing.ParseChecksumAlgorithm(rt.Signing.ChecksumAlgorithm); err != nil {
		return nil, "", err
	}
	reg, err := p.registry()
	if err != nil {
		return nil, "", err
	}
	keyName, entry, err := reg.Resolve(rt.Signing.Key, p.s.Config().SigningKeys())
	if err != nil {
		return nil, "", err
	}
	signer, err := p.open(entry, p.openOpts)
	if err != nil {
		return nil, "", err
	}
	dir, err := os.MkdirTemp(p.socketDir, "avocado-sign-")
	if err != nil {
		_ = signer.Close()
		return nil, "", err
	}
	socket := filepath.Join(dir, "sign.sock")
	svc, err := signing.Listen(socket, signing.ServiceConfig{
		Runtime: rt.Name,
		Target:  p.s.Target(),
		KeyName: keyName,
		KeyID:   entry.KeyID,
		Signer:  signer,
	})
	if err != nil {
		_ = signer.Close()
		_ = os.RemoveAll(dir)
		return nil, "", err
	}
	go func() {
		defer signer.Close()
		if err := svc.Serve(ctx); err != nil {
			log.Warn("signing service stopped", "err", err)
		}
	}()
	log.Info("signing service started", "runtime", rt.Name, "key", keyName, "checksum", rt.Signing.ChecksumAlgorithm)
	return svc, socket, nil
}
