// SPDX-License-Identifier: MPL-2.0

package build

import (
	"context"
	"crypto/rand"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/avocado-linux/avocado-cli/internal/container"
	"github.com/avocado-linux/avocado-cli/internal/session"
	"github.com/avocado-linux/avocado-cli/internal/signing"
)

type (
	// Option configures a Builder.
	Option func(*Builder)

	// Copier copies paths out of the build volume to the host.
	Copier interface {
		CopyOut(ctx context.Context, src, dst string) error
	}

	// Builder runs build steps for one session.
	Builder struct {
		s        *session.Session
		newID    func() string
		registry func() (*signing.Registry, error)
		random   io.Reader
		copier   Copier
	}
)

// WithBuildID replaces the generator of runtime build IDs.
func WithBuildID(fn func() string) Option {
	return func(b *Builder) { b.newID = fn }
}

// WithRegistry sets how the signing key registry is opened when a runtime
// names its update key.
func WithRegistry(open func() (*signing.Registry, error)) Option {
	return func(b *Builder) { b.registry = open }
}

// WithRandom sets the entropy source for generated update keys.
func WithRandom(r io.Reader) Option {
	return func(b *Builder) { b.random = r }
}

// WithCopier replaces the helper-container copier used by package and
// checkout.
func WithCopier(c Copier) Option {
	return func(b *Builder) { b.copier = c }
}

// New returns a Builder for s.
func New(s *session.Session, opts ...Option) *Builder {
	b := &Builder{
		s:      s,
		newID:  uuid.NewString,
		random: rand.Reader,
		registry: func() (*signing.Registry, error) {
			return nil, errors.New("no signing key registry configured")
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) files() (Copier, error) {
	if b.copier != nil {
		return b.copier, nil
	}
	if b.s.Engine() == nil {
		return nil, errors.New("no container engine connected")
	}
	img, err := b.s.Image()
	if err != nil {
		return nil, err
	}
	return &container.VolumeFiles{Engine: b.s.Engine(), Volume: b.s.Volume(), Image: img}, nil
}
