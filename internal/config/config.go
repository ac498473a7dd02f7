// SPDX-License-Identifier: MPL-2.0

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"

	"github.com/avocado-linux/avocado-cli/internal/issue"
)

const (
	// AppName names the configuration directory.
	AppName = "avocado"
	// FileName is the settings file inside the configuration directory.
	FileName = "config.cue"

	maxFileSize = 1 << 20
)

// Environment overrides.
const (
	EnvContainerTool  = "AVOCADO_CONTAINER_TOOL"
	EnvTarget         = "AVOCADO_TARGET"
	EnvDeployRepoPort = "AVOCADO_DEPLOY_REPO_PORT"
)

// Defaults.
const (
	DefaultContainerEngine = "docker"
	DefaultRepoPort        = 8585
	DefaultNFSPortMin      = 12050
	DefaultNFSPortMax      = 12099
)

//go:embed schema.cue
var schema string

// ErrInvalid wraps every settings validation failure.
var ErrInvalid = errors.New("invalid settings")

type (
	// Settings are the effective global settings.
	Settings struct {
		ContainerEngine string  `mapstructure:"container_engine"`
		DefaultTarget   string  `mapstructure:"default_target"`
		Verbose         bool    `mapstructure:"verbose"`
		Signing         Signing `mapstructure:"signing"`
		Deploy          Deploy  `mapstructure:"deploy"`
		Remote          Remote  `mapstructure:"remote"`
		Update          Update  `mapstructure:"update"`

		// Path is the file the settings were read from, or "" for defaults.
		Path string `mapstructure:"-"`
	}

	// Signing holds signing key settings.
	Signing struct {
		KeysDir string `mapstructure:"keys_dir"`
	}

	// Deploy holds deploy settings.
	Deploy struct {
		RepoPort int `mapstructure:"repo_port"`
	}

	// Remote holds --runs-on settings.
	Remote struct {
		NFSPortRange []int `mapstructure:"nfs_port_range"`
	}

	// Update controls the release check after commands.
	Update struct {
		Check bool `mapstructure:"check"`
	}

	// LoadOptions select where settings come from.
	LoadOptions struct {
		// File forces a specific settings file; it must exist.
		File string
		// Dir overrides the configuration directory.
		Dir string
	}
)

// Dir returns $XDG_CONFIG_HOME/avocado, falling back to ~/.config/avocado.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locating home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppName), nil
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{
		ContainerEngine: DefaultContainerEngine,
		Deploy:          Deploy{RepoPort: DefaultRepoPort},
		Remote:          Remote{NFSPortRange: []int{DefaultNFSPortMin, DefaultNFSPortMax}},
	}
}

// Load reads the settings file, if any, and applies environment overrides.
func Load(opts LoadOptions) (*Settings, error) {
	v := viper.New()
	d := Default()
	v.SetDefault("container_engine", d.ContainerEngine)
	v.SetDefault("default_target", "")
	v.SetDefault("verbose", false)
	v.SetDefault("signing.keys_dir", "")
	v.SetDefault("deploy.repo_port", d.Deploy.RepoPort)
	v.SetDefault("remote.nfs_port_range", d.Remote.NFSPortRange)
	v.SetDefault("update.check", false)

	for key, env := range map[string]string{
		"container_engine": EnvContainerTool,
		"default_target":   EnvTarget,
		"deploy.repo_port": EnvDeployRepoPort,
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	path, err := resolvePath(opts)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := mergeCUE(v, path); err != nil {
			return nil, issue.NewErrorContext().
				WithOperation("load settings").
				WithResource(path).
				WithSuggestion("Fix the reported field, or run 'avocado config show' to see the accepted keys").
				Wrap(err).
				BuildError()
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	s.Path = path
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func resolvePath(opts LoadOptions) (string, error) {
	if opts.File != "" {
		if _, err := os.Stat(opts.File); err != nil {
			return "", fmt.Errorf("settings file: %w", err)
		}
		return opts.File, nil
	}
	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = Dir(); err != nil {
			return "", err
		}
	}
	p := filepath.Join(dir, FileName)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return p, nil
}

// mergeCUE validates the file against #Config and merges it into v.
func mergeCUE(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("%w: %s is larger than %d bytes", ErrInvalid, path, maxFileSize)
	}
	ctx := cuecontext.New()
	def := ctx.CompileString(schema).LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("compiling settings schema: %w", err)
	}
	user := ctx.CompileBytes(data, cue.Filename(path))
	if err := user.Err(); err != nil {
		return formatError(err)
	}
	unified := def.Unify(user)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatError(err)
	}
	var m map[string]any
	if err := unified.Decode(&m); err != nil {
		return formatError(err)
	}
	return v.MergeConfigMap(m)
}

// formatError flattens CUE errors to "path: message" lines.
func formatError(err error) error {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if p := strings.Join(cueerrors.Path(e), "."); p != "" && !strings.HasPrefix(msg, p) {
			msg = p + ": " + msg
		}
		lines = append(lines, msg)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(lines, "; "))
}

func (s *Settings) validate() error {
	switch s.ContainerEngine {
	case "docker", "podman":
	default:
		return fmt.Errorf("%w: container engine %q must be docker or podman", ErrInvalid, s.ContainerEngine)
	}
	if s.Deploy.RepoPort < 1 || s.Deploy.RepoPort > 65535 {
		return fmt.Errorf("%w: deploy.repo_port %d out of range", ErrInvalid, s.Deploy.RepoPort)
	}
	if r := s.Remote.NFSPortRange; len(r) != 2 || r[0] > r[1] {
		return fmt.Errorf("%w: remote.nfs_port_range %v must be [min, max]", ErrInvalid, r)
	}
	return nil
}

// NFSPorts returns the automatic NFS port range.
func (s *Settings) NFSPorts() (lo, hi int) {
	return s.Remote.NFSPortRange[0], s.Remote.NFSPortRange[1]
}

// CUE renders the settings in the file format.
func (s *Settings) CUE() string {
	var b strings.Builder
	fmt.Fprintf(&b, "container_engine: %q\n", s.ContainerEngine)
	if s.DefaultTarget != "" {
		fmt.Fprintf(&b, "default_target: %q\n", s.DefaultTarget)
	}
	fmt.Fprintf(&b, "verbose: %t\n", s.Verbose)
	if s.Signing.KeysDir != "" {
		fmt.Fprintf(&b, "signing: keys_dir: %q\n", s.Signing.KeysDir)
	}
	fmt.Fprintf(&b, "deploy: repo_port: %d\n", s.Deploy.RepoPort)
	lo, hi := s.NFSPorts()
	fmt.Fprintf(&b, "remote: nfs_port_range: [%d, %d]\n", lo, hi)
	fmt.Fprintf(&b, "update: check: %t\n", s.Update.Check)
	return b.String()
}
